package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// ErrorEnvelope 网关错误响应体。形状对 OpenAI 风格客户端友好：
// 顶层 error 对象带类型与错误码。
type ErrorEnvelope struct {
	Error ErrorInfo `json:"error"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Type         string `json:"type"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	ProviderID   string `json:"provider_id,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteRaw 写入已编码好的 JSON 载荷
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError 把规范化错误写成网关错误响应
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	kind := err.Kind
	if kind == "" {
		kind = types.KindUpstreamUnavailable
	}
	status := types.KindHTTPStatus(kind)

	if logger != nil {
		logger.Error("gateway error",
			zap.String("kind", string(kind)),
			zap.String("code", err.Code),
			zap.String("series", string(err.Series)),
			zap.String("provider_key", err.ProviderKey),
			zap.Int("attempt", err.Attempt),
			zap.Int("status", status),
			zap.Error(err.Cause),
		)
	}

	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((err.RetryAfter+999)/1000, 10))
	}
	WriteJSON(w, status, ErrorEnvelope{Error: ErrorInfo{
		Type:         string(kind),
		Code:         err.Code,
		Message:      err.Message,
		ProviderID:   providerIDOf(err.ProviderKey),
		Attempt:      err.Attempt,
		RetryAfterMs: err.RetryAfter,
	}})
}

// providerIDOf 错误信封对外只暴露 providerId，不泄漏凭证别名。
func providerIDOf(providerKey string) string {
	for i := 0; i < len(providerKey); i++ {
		if providerKey[i] == '#' {
			return providerKey[:i]
		}
	}
	return providerKey
}
