package compat

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/pipeline/wire"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🧬 Compatibility 模块
// =============================================================================

// Module 是第二个槽位：incoming 把规范化载体编码成 provider 家族
// 线格式并应用 profile 修正；outgoing 把上游响应解码回规范结果。
type Module struct {
	family         string
	profile        Profile
	streamBuffered bool
	logger         *zap.Logger
}

// New 创建 Compatibility 模块。profileID 为空时使用 default profile。
func New(family, profileID string, streamBuffered bool, logger *zap.Logger) (*Module, error) {
	profile, err := Lookup(profileID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Module{
		family:         family,
		profile:        profile,
		streamBuffered: streamBuffered,
		logger:         logger,
	}, nil
}

func (m *Module) ID() string { return pipeline.SlotCompatibility }

func (m *Module) Initialize(ctx context.Context) error { return nil }

// ProcessIncoming 路由落点的模型覆写生效于此：载荷里的 model 被替换
// 为路由目标的 modelId，之后编码并做形状修正。
func (m *Module) ProcessIncoming(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	if dto.Chat == nil {
		return dto, types.NewError(types.SeriesEFATAL, types.CodeConfigInvalid,
			"canonical envelope missing before compatibility stage").
			WithKind(types.KindConfigError)
	}

	env := dto.Chat
	if dto.Route.ModelID != "" {
		env.Model = dto.Route.ModelID
	}

	var body []byte
	var err error
	switch m.family {
	case "anthropic":
		body, err = wire.EncodeAnthropicRequest(env)
	default:
		body, err = wire.EncodeOpenAIChatRequest(env)
	}
	if err != nil {
		return dto, err
	}

	body, err = applyMutators(body, m.profile.RequestMutators)
	if err != nil {
		return dto, err
	}
	dto.Body = body
	return dto, nil
}

// ProcessOutgoing 解码上游响应。stream_buffered 模板下先把事件流
// 组装成完整结果再继续回程。
func (m *Module) ProcessOutgoing(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	if dto.Response == nil {
		return dto, nil
	}

	if dto.Response.Stream != nil {
		if !m.streamBuffered {
			return dto, nil
		}
		result, err := assembleStream(dto.Response.Stream, m.family, dto.Route.ProviderKey)
		if err != nil {
			return dto, err
		}
		dto.Response.Stream = nil
		dto.Result = result
		return dto, nil
	}

	body := dto.Response.Body
	body, err := applyMutators(body, m.profile.ResponseMutators)
	if err != nil {
		return dto, err
	}

	var result *types.ChatResult
	switch m.family {
	case "anthropic":
		result, err = wire.DecodeAnthropicResponse(body)
	default:
		result, err = wire.DecodeOpenAIChatResponse(body)
	}
	if err != nil {
		return dto, err
	}
	dto.Result = result
	return dto, nil
}

func (m *Module) Cleanup() error { return nil }
