package quota

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🧭 ProviderQuotaCenter — 决定任一时刻哪些 provider 可被派发
// =============================================================================

// Event 是配额中心消费的事件。
type Event interface{ isQuotaEvent() }

// UsageEvent 派发前记账。
type UsageEvent struct {
	ProviderKey     string
	RequestedTokens int64
	NowMs           int64
}

// SuccessEvent 一次成功的上游调用。
type SuccessEvent struct {
	ProviderKey string
	UsedTokens  int64
	NowMs       int64
}

// ErrorEvent 一次失败的上游调用。
type ErrorEvent struct {
	ProviderKey string `json:"providerKey"`
	HTTPStatus  int    `json:"httpStatus,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Fatal       bool   `json:"fatal,omitempty"`
	NowMs       int64  `json:"nowMs"`
}

// TickEvent 周期性窗口/冷却到期扫描。
type TickEvent struct {
	NowMs int64
}

// BlacklistEvent 运维手工拉黑或解除（UntilMs <= NowMs 表示解除）。
type BlacklistEvent struct {
	ProviderKey string
	UntilMs     int64
	NowMs       int64
}

// flushEvent 是测试与关停用的屏障事件。
type flushEvent struct{ done chan struct{} }

func (UsageEvent) isQuotaEvent()     {}
func (SuccessEvent) isQuotaEvent()   {}
func (ErrorEvent) isQuotaEvent()     {}
func (TickEvent) isQuotaEvent()      {}
func (BlacklistEvent) isQuotaEvent() {}
func (flushEvent) isQuotaEvent()     {}

// ErrorRecord 是写入 NDJSON 错误日志的一行。
type ErrorRecord struct {
	Timestamp   time.Time    `json:"ts"`
	ProviderKey string       `json:"providerKey"`
	Series      types.Series `json:"series"`
	HTTPStatus  int          `json:"httpStatus,omitempty"`
	Code        string       `json:"code,omitempty"`
	Message     string       `json:"message,omitempty"`
	Consecutive int          `json:"consecutiveErrorCount"`
}

// Options 配额中心配置。
type Options struct {
	// TickInterval 内部 TickEvent 周期（默认 1 秒）
	TickInterval time.Duration
	// EventBuffer 事件通道容量（默认 1024）
	EventBuffer int
	// ErrorSink 每个 ErrorEvent 的落盘回调（C9 的 NDJSON 追加）
	ErrorSink func(ErrorRecord)
	Logger    *zap.Logger
}

func normalizeCenterOptions(opts Options) Options {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	return opts
}

// Center 是配额状态机的唯一所有者。所有变更由单个处理 goroutine
// 从事件通道串行消费，因此对状态的修改是线性化的；读方通过
// copy-on-read 获得一致快照。
type Center struct {
	opts   Options
	events chan Event

	mu     sync.RWMutex
	states map[string]*State
	view   *config.View
}

// NewCenter 创建配额中心。view 提供每个 provider 的限额与优先级。
func NewCenter(view *config.View, opts Options) *Center {
	opts = normalizeCenterOptions(opts)
	return &Center{
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		states: make(map[string]*State),
		view:   view,
	}
}

// SetView 切换配置投影（reload 时调用）。
func (c *Center) SetView(view *config.View) {
	c.mu.Lock()
	c.view = view
	c.mu.Unlock()
}

// Submit 投递一个事件。同一发送方的事件保持 FIFO。
func (c *Center) Submit(ev Event) {
	c.events <- ev
}

// Flush 等待此前投递的全部事件被处理完（屏障）。
func (c *Center) Flush() {
	done := make(chan struct{})
	c.events <- flushEvent{done: done}
	<-done
}

// Run 启动处理循环，直到 ctx 取消。内部以 TickInterval 周期注入
// TickEvent 做到期扫描。
func (c *Center) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// 退空通道后返回，保证关停前的事件不丢
			for {
				select {
				case ev := <-c.events:
					c.apply(ev)
				default:
					return
				}
			}
		case <-ticker.C:
			c.apply(TickEvent{NowMs: time.Now().UnixMilli()})
		case ev := <-c.events:
			c.apply(ev)
		}
	}
}

// apply 串行处理一个事件。仅处理循环（及测试）调用。
func (c *Center) apply(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case UsageEvent:
		c.stateFor(e.ProviderKey, e.NowMs).applyUsage(e.RequestedTokens, e.NowMs)

	case SuccessEvent:
		c.stateFor(e.ProviderKey, e.NowMs).applySuccess(e.UsedTokens, e.NowMs)

	case ErrorEvent:
		st := c.stateFor(e.ProviderKey, e.NowMs)
		series := NormalizeErrorSeries(e.HTTPStatus, e.Code, e.Message, e.Fatal)
		st.applyError(series, e.Code, e.NowMs)
		c.opts.Logger.Debug("provider error recorded",
			zap.String("provider_key", e.ProviderKey),
			zap.String("series", string(series)),
			zap.Int("http_status", e.HTTPStatus),
			zap.Int("consecutive", st.ConsecutiveErrorCount),
			zap.Int64("cooldown_until", st.CooldownUntil),
		)
		if c.opts.ErrorSink != nil {
			c.opts.ErrorSink(ErrorRecord{
				Timestamp:   time.UnixMilli(e.NowMs),
				ProviderKey: e.ProviderKey,
				Series:      series,
				HTTPStatus:  e.HTTPStatus,
				Code:        e.Code,
				Message:     e.Message,
				Consecutive: st.ConsecutiveErrorCount,
			})
		}

	case BlacklistEvent:
		c.stateFor(e.ProviderKey, e.NowMs).applyBlacklist(e.UntilMs, e.NowMs)
		c.opts.Logger.Info("provider blacklist updated",
			zap.String("provider_key", e.ProviderKey),
			zap.Int64("until_ms", e.UntilMs),
		)

	case TickEvent:
		for key, st := range c.states {
			st.applyTick(e.NowMs, c.dailyResetFor(key))
		}

	case flushEvent:
		close(e.done)
	}
}

// stateFor 取或建一个 providerKey 的状态，限额与优先级取自配置。
func (c *Center) stateFor(providerKey string, nowMs int64) *State {
	if st, ok := c.states[providerKey]; ok {
		return st
	}
	st := newState(nowMs)
	if p := c.providerFor(providerKey); p != nil {
		st.RateLimitPerMinute = p.Limits.RateLimitPerMinute
		st.TokenLimitPerMinute = p.Limits.TokenLimitPerMinute
		st.TotalTokenLimit = p.Limits.TotalTokenLimit
		st.PriorityTier = p.PriorityTier
		st.AuthType = authTypeOf(p.Auth.Type)
	}
	c.states[providerKey] = st
	return st
}

func (c *Center) providerFor(providerKey string) *config.ProviderConfig {
	id := ProviderID(providerKey)
	if c.view == nil {
		return nil
	}
	if p, ok := c.view.Provider(id); ok {
		return p
	}
	return nil
}

func (c *Center) dailyResetFor(providerKey string) string {
	if p := c.providerFor(providerKey); p != nil {
		return p.Limits.DailyResetTime
	}
	return ""
}

// ProviderID 从 providerKey（providerId[#credentialAlias]）剥出 providerId。
func ProviderID(providerKey string) string {
	if i := strings.IndexByte(providerKey, '#'); i > 0 {
		return providerKey[:i]
	}
	return providerKey
}

func authTypeOf(authType string) AuthType {
	switch authType {
	case "apikey", "bearer":
		return AuthAPIKey
	case "oauth", "deepseek-account", "antigravity-oauth":
		return AuthOAuth
	default:
		return AuthUnknown
	}
}

// Eligible 查询一个 providerKey 此刻可否派发（copy-on-read，不阻塞写方）。
func (c *Center) Eligible(providerKey string, nowMs int64) Eligibility {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.states[providerKey]
	if !ok {
		// 从未见过的 key 视为可用
		return Eligibility{OK: true}
	}
	return st.eligible(nowMs)
}

// ProviderEligible 查询一个 providerId 是否存在可派发的凭证分片。
// 路由在凭证解析之前只知道 providerId；状态可能按 providerId#alias
// 分片，任一分片可用即认为该 provider 可进入候选。
func (c *Center) ProviderEligible(providerID string, nowMs int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := false
	for key, st := range c.states {
		if ProviderID(key) != providerID {
			continue
		}
		seen = true
		if st.eligible(nowMs).OK {
			return true
		}
	}
	// 从未见过的 provider 视为可用
	return !seen
}

// Summary 返回全部状态的一致快照（深拷贝，凭证无关，可直接对外展示）。
func (c *Center) Summary() map[string]*State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]*State, len(c.states))
	for key, st := range c.states {
		out[key] = st.clone()
	}
	return out
}

// LoadStates 安装一份从快照恢复的状态表。调用方需随后跑一次
// TickEvent 修复 I1 再投入使用；Load 内部直接做掉这一步。
func (c *Center) LoadStates(states map[string]*State, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.states = make(map[string]*State, len(states))
	for key, st := range states {
		cp := st.clone()
		cp.applyTick(nowMs, c.dailyResetFor(key))
		c.states[key] = cp
	}
}
