package failover

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 👥 影子执行 — 旁路复制请求做候选对比
// =============================================================================

// ShadowOutcome 一次影子执行的结果摘要。
type ShadowOutcome struct {
	RequestID   string        `json:"requestId"`
	RouteKey    string        `json:"routeKey"`
	ProviderKey string        `json:"providerKey,omitempty"`
	Elapsed     time.Duration `json:"elapsedMs"`
	Err         string        `json:"error,omitempty"`
	Series      types.Series  `json:"series,omitempty"`
	FinishedAt  time.Time     `json:"finishedAt"`
}

// ShadowOptions 影子执行配置。
type ShadowOptions struct {
	// Concurrency 并发上限（默认 4）
	Concurrency int
	// RingSize 结果环形缓冲容量（默认 128）
	RingSize int
	// Timeout 单次影子执行的时限（默认 60s）
	Timeout time.Duration
	Logger  *zap.Logger
}

func normalizeShadowOptions(opts ShadowOptions) ShadowOptions {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RingSize <= 0 {
		opts.RingSize = 128
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// ShadowRunner 用有界工作组旁路执行请求副本，结果写入环形缓冲。
// 影子结果不回客户端，只用于候选质量对比。
type ShadowRunner struct {
	exec *Executor
	opts ShadowOptions
	g    *errgroup.Group

	mu   sync.Mutex
	ring []ShadowOutcome
	next int
	full bool
}

// NewShadowRunner 创建影子执行器。
func NewShadowRunner(exec *Executor, opts ShadowOptions) *ShadowRunner {
	opts = normalizeShadowOptions(opts)
	g := &errgroup.Group{}
	g.SetLimit(opts.Concurrency)
	return &ShadowRunner{
		exec: exec,
		opts: opts,
		g:    g,
		ring: make([]ShadowOutcome, opts.RingSize),
	}
}

// Submit 投递一个影子请求。工作组满员时直接丢弃 —— 影子流量
// 永远不能反压主链路。
func (r *ShadowRunner) Submit(req Request) {
	ok := r.g.TryGo(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
		defer cancel()

		start := time.Now()
		dto, err := r.exec.Execute(ctx, req)

		outcome := ShadowOutcome{
			RequestID:  req.RequestID,
			RouteKey:   req.RouteKey,
			Elapsed:    time.Since(start),
			FinishedAt: time.Now(),
		}
		if err != nil {
			te := types.AsError(err)
			outcome.Err = te.Message
			outcome.Series = te.Series
			outcome.ProviderKey = te.ProviderKey
		} else {
			outcome.ProviderKey = dto.Route.ProviderKey
			drainShadow(dto)
		}
		r.record(outcome)
		return nil
	})
	if !ok {
		r.opts.Logger.Debug("shadow request dropped, worker pool saturated",
			zap.String("request_id", req.RequestID))
	}
}

// drainShadow 消费掉影子响应的流式字节源，释放连接。
func drainShadow(dto *pipeline.DTO) {
	if dto.Response != nil && dto.Response.Stream != nil {
		_ = dto.Response.Stream.Close()
	}
}

func (r *ShadowRunner) record(outcome ShadowOutcome) {
	r.mu.Lock()
	r.ring[r.next] = outcome
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent 返回最近的影子结果，新的在前。
func (r *ShadowRunner) Recent() []ShadowOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.ring)
	}
	out := make([]ShadowOutcome, 0, size)
	for i := 1; i <= size; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// Wait 等待在途影子执行结束（关停用）。
func (r *ShadowRunner) Wait() {
	_ = r.g.Wait()
}
