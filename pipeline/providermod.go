package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/credentials"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🏷️ Provider 阶段 — 认证盖章与出站请求描述
// =============================================================================

const anthropicVersion = "2023-06-01"

// ProviderModule 是第三个槽位：把半成品请求盖章成完整的出站描述。
// 不做任何网络调用 —— 只解析凭证、落定端点与流式决策。
type ProviderModule struct {
	view   *config.View
	creds  *credentials.Store
	logger *zap.Logger
}

// NewProviderModule 创建 Provider 阶段模块。
func NewProviderModule(view *config.View, creds *credentials.Store, logger *zap.Logger) *ProviderModule {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderModule{view: view, creds: creds, logger: logger}
}

func (m *ProviderModule) ID() string { return SlotProvider }

func (m *ProviderModule) Initialize(ctx context.Context) error { return nil }

// ProcessIncoming 解析凭证并盖章：端点 URL、认证头、流式决策、
// 请求超时。ProviderKey 在这里从凭证 ScopeTag 落定。
func (m *ProviderModule) ProcessIncoming(ctx context.Context, dto *DTO) (*DTO, error) {
	provider, ok := m.view.Provider(dto.Route.ProviderID)
	if !ok {
		return dto, types.NewError(types.SeriesEFATAL, types.CodeConfigInvalid,
			fmt.Sprintf("provider %q not in config", dto.Route.ProviderID)).
			WithKind(types.KindConfigError)
	}

	mat, err := m.creds.Resolve(provider.ID, dto.Metadata.RouteKey)
	if err != nil {
		return dto, err
	}
	dto.Route.ProviderKey = mat.ScopeTag

	// 流式是「请求要求 且 上游支持」的合取
	stream := dto.Metadata.Stream && provider.Streaming

	headers := map[string]string{
		"Content-Type":   "application/json",
		mat.HeaderName:   mat.HeaderValue,
	}
	if stream {
		headers["Accept"] = "text/event-stream"
	} else {
		headers["Accept"] = "application/json"
	}
	if provider.Family == "anthropic" {
		headers["anthropic-version"] = anthropicVersion
	}

	dto.Upstream = &UpstreamRequest{
		Method:  "POST",
		URL:     joinURL(provider.BaseURL, endpointPath(provider.Family)),
		Headers: headers,
		Stream:  stream,
		Timeout: provider.RequestTimeout,
	}

	// 线格式载荷里的 stream 字段与最终决策对齐
	if len(dto.Body) > 0 {
		if body, err := sjson.SetBytes(dto.Body, "stream", stream); err == nil {
			dto.Body = body
		}
	}

	if dto.Debug.Enabled {
		m.trace(dto, stream)
	}
	return dto, nil
}

// ProcessOutgoing 去章：把认证头从出站描述中抹掉，避免凭证
// 泄漏进调试留痕或错误信封。
func (m *ProviderModule) ProcessOutgoing(ctx context.Context, dto *DTO) (*DTO, error) {
	if dto.Upstream != nil {
		for name := range dto.Upstream.Headers {
			if isSensitiveHeader(name) {
				dto.Upstream.Headers[name] = "***"
			}
		}
	}
	return dto, nil
}

func (m *ProviderModule) Cleanup() error { return nil }

func (m *ProviderModule) trace(dto *DTO, stream bool) {
	if dto.Debug.Stages == nil {
		dto.Debug.Stages = make(map[string]json.RawMessage, 4)
	}
	raw, err := json.Marshal(map[string]any{
		"url":         dto.Upstream.URL,
		"stream":      stream,
		"providerKey": dto.Route.ProviderKey,
	})
	if err == nil {
		dto.Debug.Stages[SlotProvider] = raw
	}
}

// endpointPath 按 provider family 选择出站端点。
func endpointPath(family string) string {
	switch family {
	case "anthropic":
		return "/v1/messages"
	default:
		return "/v1/chat/completions"
	}
}

// joinURL 拼接 base 与 path，折叠重复的 /v1 前缀
// （base_url 写成 https://host 或 https://host/v1 均可）。
func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1/") {
		path = strings.TrimPrefix(path, "/v1")
	}
	return base + path
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "x-api-key":
		return true
	}
	return false
}
