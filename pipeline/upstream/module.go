// Package upstream 实现 ProviderHTTP 槽位：流水线里唯一发起网络
// 调用的模块。缓冲响应与流式字节源二选一，所有失败都归一化为
// 枚举化错误码。
package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/types"
)

// maxBufferedResponse 缓冲响应体上限。
const maxBufferedResponse = 32 << 20

// HTTPModule 执行一次上游调用。除这次调用外不触碰任何外部状态。
type HTTPModule struct {
	timeouts config.HTTPTimeouts
	factory  *clientFactory
	logger   *zap.Logger
}

// NewHTTPModule 创建 ProviderHTTP 模块。
func NewHTTPModule(timeouts config.HTTPTimeouts, logger *zap.Logger) *HTTPModule {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPModule{
		timeouts: normalizeTimeouts(timeouts),
		factory:  newClientFactory(),
		logger:   logger,
	}
}

func (m *HTTPModule) ID() string { return pipeline.SlotProviderHTTP }

func (m *HTTPModule) Initialize(ctx context.Context) error { return nil }

// ProcessIncoming 发起上游调用。流式成功时返回未消费的字节源，
// 其生命周期由调用方接管；其余情况返回完整缓冲体。
func (m *HTTPModule) ProcessIncoming(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	if dto.Upstream == nil {
		return dto, types.NewError(types.SeriesEFATAL, types.CodeConfigInvalid,
			"upstream request was never stamped").
			WithKind(types.KindConfigError)
	}
	up := dto.Upstream
	providerKey := dto.Route.ProviderKey

	// 非流式请求带整体期限；流式请求的期限由空闲看门狗承载，
	// 整体超时会把长流腰斩
	reqCtx := ctx
	cancel := context.CancelFunc(nil)
	if !up.Stream && up.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, up.Timeout)
	} else if up.Stream {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	req, err := http.NewRequestWithContext(reqCtx, up.Method, up.URL, bytes.NewReader(dto.Body))
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return dto, types.NewError(types.SeriesEFATAL, types.CodeConfigInvalid,
			"build upstream request failed").
			WithKind(types.KindConfigError).
			WithCause(err)
	}
	for name, value := range up.Headers {
		req.Header.Set(name, value)
	}

	resp, err := m.factory.get(m.timeouts).Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return dto, mapTransportError(err, providerKey)
	}

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		_ = resp.Body.Close()
		if cancel != nil {
			cancel()
		}
		return dto, mapStatusError(resp.StatusCode, snippet, resp.Header, providerKey)
	}

	if isEventStream(resp) {
		dto.Response = &pipeline.UpstreamResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Stream:     newIdleReader(resp.Body, m.timeouts.StreamIdleTimeout, cancel, providerKey),
		}
		return dto, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedResponse))
	_ = resp.Body.Close()
	if cancel != nil {
		cancel()
	}
	if err != nil {
		return dto, mapTransportError(err, providerKey)
	}

	dto.Response = &pipeline.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
	return dto, nil
}

// ProcessOutgoing 响应方向无事可做。
func (m *HTTPModule) ProcessOutgoing(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	return dto, nil
}

func (m *HTTPModule) Cleanup() error {
	m.factory.closeIdle()
	return nil
}

func isEventStream(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "text/event-stream")
}
