package failover

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/credentials"
	"github.com/BaSui01/routecodex/hub"
	"github.com/BaSui01/routecodex/internal/metrics"
	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/quota"
	"github.com/BaSui01/routecodex/router"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🔁 FailoverExecutor — 候选排除式重试闭环
// =============================================================================

// Request 一次客户端请求的执行描述。
type Request struct {
	Protocol  string
	Endpoint  string
	RouteKey  string
	RequestID string
	Body      []byte
}

// Options 执行器配置。
type Options struct {
	// MaxAttempts 单个请求最多尝试的候选数（默认 3）
	MaxAttempts int
	// Collector 上游派发指标（可空）
	Collector *metrics.Collector
	Logger    *zap.Logger
}

func normalizeOptions(opts Options) Options {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Executor 串起路由、流水线与配额中心：每次尝试前记账，尝试后
// 上报成败，失败候选单调排除，直到成功或额度用尽。
type Executor struct {
	router  *router.Router
	factory *hub.Factory
	center  *quota.Center
	creds   *credentials.Store
	opts    Options
}

// New 创建执行器。
func New(r *router.Router, f *hub.Factory, c *quota.Center, creds *credentials.Store, opts Options) *Executor {
	return &Executor{
		router:  r,
		factory: f,
		center:  c,
		creds:   creds,
		opts:    normalizeOptions(opts),
	}
}

// Execute 跑一次带故障切换的请求。返回的 DTO 要么携带缓冲结果，
// 要么携带未消费的流式字节源（生命周期归调用方）。
func (e *Executor) Execute(ctx context.Context, req Request) (*pipeline.DTO, error) {
	estimated := EstimateTokens(req.Body)
	excluded := make(map[string]struct{}, e.opts.MaxAttempts)
	var lastErr *types.Error

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		cand, err := e.router.Pick(req.RouteKey, excluded)
		if err != nil {
			if lastErr != nil {
				return nil, e.exhausted(lastErr, attempt-1, req.RequestID)
			}
			return nil, types.AsError(err).WithRequestID(req.RequestID)
		}

		// 派发前先解析凭证拿到 providerKey，Usage 记账先于派发
		mat, err := e.creds.Resolve(cand.ProviderID, req.RouteKey)
		if err != nil {
			te := types.AsError(err)
			te.Attempt = attempt
			te.RequestID = req.RequestID
			e.center.Submit(quota.ErrorEvent{
				ProviderKey: cand.ProviderID,
				Code:        te.Code,
				Message:     te.Message,
				Fatal:       true,
				NowMs:       time.Now().UnixMilli(),
			})
			// 凭证缺失对所有候选同样致命
			return nil, te
		}
		providerKey := mat.ScopeTag

		e.center.Submit(quota.UsageEvent{
			ProviderKey:     providerKey,
			RequestedTokens: estimated,
			NowMs:           time.Now().UnixMilli(),
		})

		start := time.Now()
		dto, err := e.dispatch(ctx, req, cand)
		if err == nil {
			used := usedTokens(dto, estimated)
			e.center.Submit(quota.SuccessEvent{
				ProviderKey: dto.Route.ProviderKey,
				UsedTokens:  used,
				NowMs:       time.Now().UnixMilli(),
			})
			if e.opts.Collector != nil {
				e.opts.Collector.RecordUpstream(cand.ProviderID, "success", time.Since(start))
				e.opts.Collector.RecordAttempts(attempt)
				e.opts.Collector.RecordTokens(cand.ProviderID, used)
			}
			return dto, nil
		}

		te := pipeline.ClassifyError(err)
		te.Attempt = attempt
		te.RequestID = req.RequestID
		if te.ProviderKey == "" {
			te.ProviderKey = providerKey
		}
		if e.opts.Collector != nil {
			e.opts.Collector.RecordUpstream(cand.ProviderID, string(te.Series), time.Since(start))
		}

		// 入站请求本身的问题不记 provider 惩罚，也不再尝试别的候选
		if te.Kind == types.KindBadRequest {
			return nil, te
		}

		e.center.Submit(quota.ErrorEvent{
			ProviderKey: te.ProviderKey,
			HTTPStatus:  te.HTTPStatus,
			Code:        te.Code,
			Message:     te.Message,
			Fatal:       te.Series == types.SeriesEFATAL,
			NowMs:       time.Now().UnixMilli(),
		})

		// 客户端断开：事件已入账（Usage 已预扣，尝试要被记到），但不再切换候选
		if te.Kind == types.KindCancelled || !te.Retryable() {
			return nil, te
		}

		excluded[te.ProviderKey] = struct{}{}
		lastErr = te
		e.opts.Logger.Warn("attempt failed, trying next candidate",
			zap.String("request_id", req.RequestID),
			zap.String("provider_key", te.ProviderKey),
			zap.String("series", string(te.Series)),
			zap.Int("attempt", attempt),
		)
	}

	return nil, e.exhausted(lastErr, e.opts.MaxAttempts, req.RequestID)
}

// dispatch 跑一条流水线。
func (e *Executor) dispatch(ctx context.Context, req Request, cand router.Candidate) (*pipeline.DTO, error) {
	pl, err := e.factory.Get(req.Protocol, cand.ProviderID)
	if err != nil {
		return nil, err
	}
	dto := &pipeline.DTO{
		Body: req.Body,
		Route: pipeline.RouteInfo{
			ProviderID: cand.ProviderID,
			ModelID:    cand.ModelID,
			RequestID:  req.RequestID,
			Timestamp:  time.Now(),
		},
		Metadata: pipeline.Metadata{
			Endpoint:      req.Endpoint,
			EntryProtocol: req.Protocol,
			RouteKey:      req.RouteKey,
		},
	}
	return pl.Execute(ctx, dto)
}

// usedTokens 成功后的记账量：缓冲结果用上游 usage，流式用预估值。
func usedTokens(dto *pipeline.DTO, estimated int64) int64 {
	if dto.Result != nil && dto.Result.Usage.TotalTokens > 0 {
		return int64(dto.Result.Usage.TotalTokens)
	}
	return estimated
}

// exhausted 把最后一次错误包装成额度用尽的终态错误。
func (e *Executor) exhausted(lastErr *types.Error, attempts int, requestID string) *types.Error {
	if e.opts.Collector != nil {
		e.opts.Collector.RecordAttempts(attempts)
	}
	kind := types.KindUpstreamUnavailable
	if lastErr.Series == types.SeriesE429 {
		kind = types.KindUpstreamRateLimited
	}
	out := types.NewError(lastErr.Series, types.CodeFailoverExhausted,
		"all candidates failed: "+lastErr.Message).
		WithKind(kind).
		WithProviderKey(lastErr.ProviderKey).
		WithRequestID(requestID).
		WithCause(lastErr)
	out.Attempt = attempts
	out.HTTPStatus = lastErr.HTTPStatus
	out.RetryAfter = lastErr.RetryAfter
	return out
}
