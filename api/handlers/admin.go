package handlers

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/failover"
	"github.com/BaSui01/routecodex/quota"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🛠️ 运维接口
// =============================================================================

// AdminHandler 暴露配额状态查询与手工拉黑操作。
type AdminHandler struct {
	center *quota.Center
	view   func() *config.View
	shadow *failover.ShadowRunner
	logger *zap.Logger
}

// NewAdminHandler 创建运维处理器。view 是当前配置投影的取用函数，
// reload 后自动看到新版本。
func NewAdminHandler(center *quota.Center, view func() *config.View, shadow *failover.ShadowRunner, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{center: center, view: view, shadow: shadow, logger: logger}
}

// providerStatus 一个 providerKey 的对外状态视图。
type providerStatus struct {
	ProviderKey string       `json:"providerKey"`
	InPool      bool         `json:"inPool"`
	Reason      quota.Reason `json:"reason"`
	RetryAfterMs int64       `json:"retryAfterMs,omitempty"`
	State       *quota.State `json:"state"`
}

// HandleProviders GET /admin/providers — 全部 provider 的配额状态。
func (h *AdminHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UnixMilli()
	states := h.center.Summary()

	out := make([]providerStatus, 0, len(states))
	for key, st := range states {
		elig := h.center.Eligible(key, now)
		out = append(out, providerStatus{
			ProviderKey:  key,
			InPool:       elig.OK,
			Reason:       elig.Reason,
			RetryAfterMs: elig.RetryAfterMs,
			State:        st,
		})
	}

	// 配置里声明但还没有状态的 provider 也要露出
	for _, p := range h.view().Providers() {
		if _, ok := states[p.ID]; ok {
			continue
		}
		if hasKeyWithPrefix(states, p.ID) {
			continue
		}
		out = append(out, providerStatus{
			ProviderKey: p.ID,
			InPool:      true,
			Reason:      quota.ReasonOK,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"configVersion": h.view().Version(),
		"providers":     out,
	})
}

func hasKeyWithPrefix(states map[string]*quota.State, providerID string) bool {
	for key := range states {
		if quota.ProviderID(key) == providerID {
			return true
		}
	}
	return false
}

// blacklistRequest 拉黑请求体。Clear 为 true 时解除拉黑。
type blacklistRequest struct {
	DurationMs int64 `json:"durationMs,omitempty"`
	UntilMs    int64 `json:"untilMs,omitempty"`
	Clear      bool  `json:"clear,omitempty"`
}

// HandleBlacklist POST /admin/providers/{key}/blacklist — 手工拉黑或解除。
func (h *AdminHandler) HandleBlacklist(w http.ResponseWriter, r *http.Request) {
	providerKey := r.PathValue("key")
	if providerKey == "" {
		providerKey = blacklistTarget(r.URL.Path)
	}
	if providerKey == "" {
		WriteError(w, types.NewError(types.SeriesEOTHER, types.CodeInvalidRequest,
			"provider key missing in path").
			WithKind(types.KindBadRequest), h.logger)
		return
	}

	var req blacklistRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	now := time.Now().UnixMilli()
	until := req.UntilMs
	if until == 0 && req.DurationMs > 0 {
		until = now + req.DurationMs
	}
	if req.Clear {
		until = now
	}
	if until == 0 {
		WriteError(w, types.NewError(types.SeriesEOTHER, types.CodeInvalidRequest,
			"one of durationMs, untilMs or clear is required").
			WithKind(types.KindBadRequest), h.logger)
		return
	}

	h.center.Submit(quota.BlacklistEvent{ProviderKey: providerKey, UntilMs: until, NowMs: now})
	h.center.Flush()

	h.logger.Info("manual blacklist applied",
		zap.String("provider_key", providerKey),
		zap.Int64("until_ms", until),
		zap.Bool("clear", req.Clear),
	)
	WriteJSON(w, http.StatusOK, map[string]any{
		"providerKey": providerKey,
		"untilMs":     until,
		"cleared":     req.Clear,
	})
}

// blacklistTarget 从 /admin/providers/{key}/blacklist 提取 key。
func blacklistTarget(path string) string {
	const prefix = "/admin/providers/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	key, ok := strings.CutSuffix(rest, "/blacklist")
	if !ok || key == "" || strings.Contains(key, "/") {
		return ""
	}
	return key
}

// HandleShadow GET /admin/shadow — 最近的影子执行结果。
func (h *AdminHandler) HandleShadow(w http.ResponseWriter, r *http.Request) {
	if h.shadow == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"enabled":  true,
		"outcomes": h.shadow.Recent(),
	})
}
