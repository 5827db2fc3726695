package quota

import (
	"time"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 📋 ProviderQuotaState — 单个 provider key 的配额状态
// =============================================================================

// Reason 说明一个 provider key 当前为何在/不在池内。
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonCooldown      Reason = "cooldown"
	ReasonBlacklist     Reason = "blacklist"
	ReasonQuotaDepleted Reason = "quotaDepleted"
	ReasonFatal         Reason = "fatal"
	ReasonAuthVerify    Reason = "authVerify"
)

// AuthType 认证类别（用于运维排障展示）。
type AuthType string

const (
	AuthAPIKey  AuthType = "apikey"
	AuthOAuth   AuthType = "oauth"
	AuthUnknown AuthType = "unknown"
)

// 错误链窗口：同系列错误在该窗口内累计冷却档位。
const errorChainWindowMs = int64(10 * time.Minute / time.Millisecond)

// 一分钟配额窗口。
const quotaWindowMs = int64(time.Minute / time.Millisecond)

// State 是一个 providerKey（providerId[#credentialAlias]）的配额状态。
// 不变式 I1：InPool == true 当且仅当 Reason == ok 且无生效的
// CooldownUntil/BlacklistUntil；tick 会修复从快照加载的违例。
// 不变式 I2：同一条错误链内 CooldownUntil 单调不减。
// 不变式 I3：运维设置的 BlacklistUntil 不会被自动错误事件清除。
type State struct {
	InPool   bool     `json:"inPool"`
	Reason   Reason   `json:"reason"`
	AuthType AuthType `json:"authType"`

	RateLimitPerMinute  int64 `json:"rateLimitPerMinute,omitempty"`
	TokenLimitPerMinute int64 `json:"tokenLimitPerMinute,omitempty"`
	TotalTokenLimit     int64 `json:"totalTokenLimit,omitempty"`

	WindowStartMs      int64 `json:"windowStartMs"`
	RequestsThisWindow int64 `json:"requestsThisWindow"`
	TokensThisWindow   int64 `json:"tokensThisWindow"`
	TotalTokensUsed    int64 `json:"totalTokensUsed"`

	CooldownUntil  int64 `json:"cooldownUntil,omitempty"`
	BlacklistUntil int64 `json:"blacklistUntil,omitempty"`

	LastErrorSeries       types.Series `json:"lastErrorSeries,omitempty"`
	LastErrorCode         string       `json:"lastErrorCode,omitempty"`
	LastErrorAtMs         int64        `json:"lastErrorAtMs,omitempty"`
	ConsecutiveErrorCount int          `json:"consecutiveErrorCount,omitempty"`

	PriorityTier int `json:"priorityTier"`

	// LastDailyResetMs 上次按 DailyResetTime 清零 TotalTokensUsed 的时刻。
	LastDailyResetMs int64 `json:"lastDailyResetMs,omitempty"`
}

// newState 创建初始状态（入池）。
func newState(nowMs int64) *State {
	return &State{
		InPool:        true,
		Reason:        ReasonOK,
		AuthType:      AuthUnknown,
		WindowStartMs: nowMs,
	}
}

// clone 返回深拷贝（状态为纯值类型，浅拷贝即深拷贝）。
func (s *State) clone() *State {
	cp := *s
	return &cp
}

// tickWindow 滑动一分钟窗口。软性每分钟限额在窗口翻转时自愈；
// TotalTokenLimit 不自愈。
func (s *State) tickWindow(nowMs int64) {
	if nowMs-s.WindowStartMs < quotaWindowMs {
		return
	}
	s.WindowStartMs = nowMs
	s.RequestsThisWindow = 0
	s.TokensThisWindow = 0

	if s.Reason == ReasonQuotaDepleted && !s.totalExhausted() && !s.penaltyActive(nowMs) {
		s.Reason = ReasonOK
		s.InPool = true
	}
}

func (s *State) totalExhausted() bool {
	return s.TotalTokenLimit > 0 && s.TotalTokensUsed >= s.TotalTokenLimit
}

func (s *State) penaltyActive(nowMs int64) bool {
	return s.CooldownUntil > nowMs || s.BlacklistUntil > nowMs
}

// applyUsage 在派发前记账并检查硬限额。
func (s *State) applyUsage(requestedTokens, nowMs int64) {
	s.tickWindow(nowMs)
	s.RequestsThisWindow++
	s.TokensThisWindow += requestedTokens

	exceeded := (s.RateLimitPerMinute > 0 && s.RequestsThisWindow > s.RateLimitPerMinute) ||
		(s.TokenLimitPerMinute > 0 && s.TokensThisWindow > s.TokenLimitPerMinute) ||
		(s.TotalTokenLimit > 0 && s.TotalTokensUsed+s.TokensThisWindow > s.TotalTokenLimit)

	if exceeded {
		s.Reason = ReasonQuotaDepleted
		s.InPool = false
	}
}

// applySuccess 成功后清空错误链；黑名单生效期间只更新总量。
func (s *State) applySuccess(usedTokens, nowMs int64) {
	s.tickWindow(nowMs)
	s.TotalTokensUsed += usedTokens

	if s.BlacklistUntil > nowMs {
		return
	}

	s.ConsecutiveErrorCount = 0
	s.LastErrorSeries = ""
	s.LastErrorCode = ""
	s.LastErrorAtMs = 0

	if s.Reason == ReasonCooldown || s.Reason == ReasonFatal || s.CooldownUntil > 0 {
		s.CooldownUntil = 0
		if !s.totalExhausted() {
			s.Reason = ReasonOK
			s.InPool = true
		}
	}
}

// applyError 推进错误链并延长冷却。运维黑名单生效期间，
// 除错误链计数外不改动任何字段（I3 / P4）。
func (s *State) applyError(series types.Series, code string, nowMs int64) {
	sameChain := s.LastErrorSeries == series &&
		s.LastErrorAtMs > 0 &&
		nowMs-s.LastErrorAtMs <= errorChainWindowMs

	if sameChain {
		s.ConsecutiveErrorCount++
	} else {
		s.ConsecutiveErrorCount = 1
	}
	s.LastErrorSeries = series
	s.LastErrorCode = code
	s.LastErrorAtMs = nowMs

	if s.BlacklistUntil > nowMs {
		return
	}

	until := nowMs + int64(cooldownStep(series, s.ConsecutiveErrorCount)/time.Millisecond)
	// I2：同一错误链内冷却只延长不缩短
	if until > s.CooldownUntil {
		s.CooldownUntil = until
	}

	if series == types.SeriesEFATAL {
		s.Reason = ReasonFatal
	} else {
		s.Reason = ReasonCooldown
	}
	s.InPool = false
}

// applyBlacklist 运维手工拉黑（untilMs<=nowMs 表示解除）。
func (s *State) applyBlacklist(untilMs, nowMs int64) {
	if untilMs <= nowMs {
		s.BlacklistUntil = 0
		s.applyTick(nowMs, "")
		return
	}
	s.BlacklistUntil = untilMs
	s.Reason = ReasonBlacklist
	s.InPool = false
}

// applyTick 周期扫描：到期转换 + I1 修复 + 可选的每日总量清零。
// dailyResetTime 形如 "04:00"（本地时区）；为空不清零。
func (s *State) applyTick(nowMs int64, dailyResetTime string) {
	if dailyResetTime != "" {
		s.maybeDailyReset(nowMs, dailyResetTime)
	}

	s.tickWindow(nowMs)

	// 黑名单到期：清空错误链，重新入池
	if s.BlacklistUntil > 0 && nowMs >= s.BlacklistUntil {
		s.BlacklistUntil = 0
		s.ConsecutiveErrorCount = 0
		s.LastErrorSeries = ""
		s.LastErrorCode = ""
		s.LastErrorAtMs = 0
		if s.Reason == ReasonBlacklist {
			s.Reason = ReasonOK
		}
	}

	// 冷却到期
	if s.CooldownUntil > 0 && nowMs >= s.CooldownUntil {
		s.CooldownUntil = 0
		if s.Reason == ReasonCooldown || s.Reason == ReasonFatal {
			s.Reason = ReasonOK
		}
	}

	// 硬性总量仍然耗尽的保持 quotaDepleted
	if s.totalExhausted() {
		s.Reason = ReasonQuotaDepleted
	}

	// I1 修复：有生效惩罚必然不在池内；reason==ok 且无惩罚必然在池内
	if s.penaltyActive(nowMs) {
		s.InPool = false
		if s.Reason == ReasonOK {
			if s.BlacklistUntil > nowMs {
				s.Reason = ReasonBlacklist
			} else {
				s.Reason = ReasonCooldown
			}
		}
	} else {
		s.InPool = s.Reason == ReasonOK
	}
}

// maybeDailyReset 跨过每日重置时刻后清零 TotalTokensUsed。
func (s *State) maybeDailyReset(nowMs int64, resetAt string) {
	t, err := time.Parse("15:04", resetAt)
	if err != nil {
		return
	}
	now := time.UnixMilli(nowMs)
	boundary := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if boundary.After(now) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	boundaryMs := boundary.UnixMilli()
	if s.LastDailyResetMs >= boundaryMs {
		return
	}
	s.LastDailyResetMs = boundaryMs
	s.TotalTokensUsed = 0
	if s.Reason == ReasonQuotaDepleted && !s.penaltyActive(nowMs) {
		s.Reason = ReasonOK
		s.InPool = true
	}
}

// Eligibility 是一次资格查询的结果。
type Eligibility struct {
	OK           bool   `json:"ok"`
	Reason       Reason `json:"reason,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// eligible 判定当前时刻可否派发。
func (s *State) eligible(nowMs int64) Eligibility {
	if s.BlacklistUntil > nowMs {
		return Eligibility{OK: false, Reason: ReasonBlacklist, RetryAfterMs: s.BlacklistUntil - nowMs}
	}
	if s.CooldownUntil > nowMs {
		reason := s.Reason
		if reason != ReasonFatal {
			reason = ReasonCooldown
		}
		return Eligibility{OK: false, Reason: reason, RetryAfterMs: s.CooldownUntil - nowMs}
	}
	if s.Reason == ReasonQuotaDepleted {
		retry := int64(0)
		if !s.totalExhausted() {
			retry = s.WindowStartMs + quotaWindowMs - nowMs
			if retry < 0 {
				retry = 0
			}
		}
		return Eligibility{OK: false, Reason: ReasonQuotaDepleted, RetryAfterMs: retry}
	}
	if !s.InPool || s.Reason != ReasonOK {
		// 惩罚已过期但尚未被 tick 修复的场景：就地判定为可用
		if !s.penaltyActive(nowMs) && (s.Reason == ReasonCooldown || s.Reason == ReasonFatal || s.Reason == ReasonOK) {
			return Eligibility{OK: true}
		}
		return Eligibility{OK: false, Reason: s.Reason}
	}
	return Eligibility{OK: true}
}
