package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/failover"
	"github.com/BaSui01/routecodex/internal/metrics"
	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/quota"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🚪 RequestGateway — 三个聊天入口的统一处理
// =============================================================================

// maxRequestBody 入站请求体上限。
const maxRequestBody = 16 << 20

// Gateway 处理三个聊天端点：请求分类、执行器调度与响应中继。
type Gateway struct {
	exec             *failover.Executor
	shadow           *failover.ShadowRunner
	shadowSampleRate int
	longContextBytes int
	center           *quota.Center
	collector        *metrics.Collector
	logger           *zap.Logger

	requestCount uint64
}

// GatewayOptions 网关配置。
type GatewayOptions struct {
	// LongContextBytes longcontext 路由阈值（默认 64KB）
	LongContextBytes int
	// ShadowSampleRate 每 N 个请求旁路一个影子副本（0 关闭）
	ShadowSampleRate int
	Shadow           *failover.ShadowRunner
	// Quota 配额中心。流式首字节写出后执行器已退出，
	// 中继段的失败由网关直接上报（可空）
	Quota *quota.Center
	// Collector 流式截断指标（可空）
	Collector *metrics.Collector
	Logger    *zap.Logger
}

// NewGateway 创建网关处理器。
func NewGateway(exec *failover.Executor, opts GatewayOptions) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LongContextBytes <= 0 {
		opts.LongContextBytes = 64 << 10
	}
	return &Gateway{
		exec:             exec,
		shadow:           opts.Shadow,
		shadowSampleRate: opts.ShadowSampleRate,
		longContextBytes: opts.LongContextBytes,
		center:           opts.Quota,
		collector:        opts.Collector,
		logger:           opts.Logger,
	}
}

// HandleChatCompletions POST /v1/chat/completions
func (g *Gateway) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	g.handle(w, r, pipeline.ProtocolOpenAIChat, "/v1/chat/completions")
}

// HandleResponses POST /v1/responses
func (g *Gateway) HandleResponses(w http.ResponseWriter, r *http.Request) {
	g.handle(w, r, pipeline.ProtocolOpenAIResponses, "/v1/responses")
}

// HandleMessages POST /v1/messages
func (g *Gateway) HandleMessages(w http.ResponseWriter, r *http.Request) {
	g.handle(w, r, pipeline.ProtocolAnthropic, "/v1/messages")
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request, protocol, endpoint string) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		WriteError(w, types.NewError(types.SeriesEOTHER, types.CodeInvalidRequest,
			"read request body failed").
			WithKind(types.KindBadRequest).
			WithRequestID(requestID).
			WithCause(err), g.logger)
		return
	}

	routeKey := ClassifyRouteKey(r.Header, body, g.longContextBytes)
	req := failover.Request{
		Protocol:  protocol,
		Endpoint:  endpoint,
		RouteKey:  routeKey,
		RequestID: requestID,
		Body:      body,
	}

	g.maybeShadow(req)

	dto, execErr := g.exec.Execute(r.Context(), req)
	if execErr != nil {
		WriteError(w, types.AsError(execErr).WithRequestID(requestID), g.logger)
		return
	}

	if dto.Response != nil && dto.Response.Stream != nil {
		g.relayStream(w, r, dto, requestID)
		return
	}
	WriteRaw(w, http.StatusOK, dto.Body)
}

// maybeShadow 按采样率旁路一个影子副本。
func (g *Gateway) maybeShadow(req failover.Request) {
	if g.shadow == nil || g.shadowSampleRate <= 0 {
		return
	}
	n := atomic.AddUint64(&g.requestCount, 1)
	if n%uint64(g.shadowSampleRate) != 0 {
		return
	}
	g.shadow.Submit(failover.Request{
		Protocol:  req.Protocol,
		Endpoint:  req.Endpoint,
		RouteKey:  req.RouteKey,
		RequestID: req.RequestID + "-shadow",
		Body:      req.Body,
	})
}

// relayStream 把上游事件流逐块转发给客户端。首字节一经写出，
// 失败只能以终端 error 事件收尾，不能再走故障切换。
func (g *Gateway) relayStream(w http.ResponseWriter, r *http.Request, dto *pipeline.DTO, requestID string) {
	defer dto.Response.Stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.SeriesEOTHER, types.CodeInvalidRequest,
			"streaming not supported by connection").
			WithKind(types.KindBadRequest).
			WithRequestID(requestID), g.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 32<<10)
	for {
		n, err := dto.Response.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// 客户端断开：中继段的尝试也要记到配额中心
				g.submitStreamError(types.NewError(types.SeriesENET, types.CodeRequestCancelled,
					"client disconnected during stream relay").
					WithKind(types.KindCancelled).
					WithProviderKey(dto.Route.ProviderKey).
					WithCause(werr), dto)
				return
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			te := types.AsError(err)
			g.submitStreamError(te, dto)
			if g.collector != nil {
				g.collector.RecordStreamTruncation()
			}
			g.logger.Error("stream truncated",
				zap.String("request_id", requestID),
				zap.String("provider_key", dto.Route.ProviderKey),
				zap.String("code", te.Code),
			)
			// SSE 终端错误事件 — json.Marshal 转义错误消息，防止注入
			payload, _ := json.Marshal(map[string]string{
				"type":    string(types.KindStreamTruncated),
				"code":    types.CodeStreamTruncated,
				"message": te.Message,
			})
			_, _ = w.Write([]byte("event: error\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}
	}
}

// submitStreamError 把流中继阶段的失败上报给配额中心。
func (g *Gateway) submitStreamError(te *types.Error, dto *pipeline.DTO) {
	if g.center == nil {
		return
	}
	key := te.ProviderKey
	if key == "" {
		key = dto.Route.ProviderKey
	}
	g.center.Submit(quota.ErrorEvent{
		ProviderKey: key,
		HTTPStatus:  te.HTTPStatus,
		Code:        te.Code,
		Message:     te.Message,
		Fatal:       te.Series == types.SeriesEFATAL,
		NowMs:       time.Now().UnixMilli(),
	})
}
