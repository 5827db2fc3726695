package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/routecodex/quota"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// ❤️ 健康检查
// =============================================================================

// HealthHandler 存活探针，附带配额池概况。
type HealthHandler struct {
	version   string
	center    *quota.Center
	startedAt time.Time
}

// NewHealthHandler 创建健康检查处理器。center 可空（裸探针）。
func NewHealthHandler(version string, center *quota.Center) *HealthHandler {
	return &HealthHandler{version: version, center: center, startedAt: time.Now()}
}

// HandleHealth GET /health
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"version":  h.version,
		"uptimeMs": time.Since(h.startedAt).Milliseconds(),
	}
	if h.center != nil {
		total, inPool := 0, 0
		for _, st := range h.center.Summary() {
			total++
			if st.InPool {
				inPool++
			}
		}
		body["providers"] = map[string]int{"tracked": total, "inPool": inPool}
	}
	WriteJSON(w, http.StatusOK, body)
}

// decodeJSON 解码请求体，失败映射为 bad_request。
func decodeJSON(r *http.Request, dst any) *types.Error {
	if r.Body == nil {
		return types.NewError(types.SeriesEOTHER, types.CodeInvalidRequest,
			"request body is empty").
			WithKind(types.KindBadRequest)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.NewError(types.SeriesEOTHER, types.CodeInvalidRequest,
			"invalid JSON body").
			WithKind(types.KindBadRequest).
			WithCause(err)
	}
	return nil
}
