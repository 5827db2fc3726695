package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BaSui01/routecodex/quota"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🧯 上游错误归一化
// =============================================================================

// errorSnippetLimit 上游错误响应体最多读取的字节数。
const errorSnippetLimit = 8 << 10

// mapTransportError 把一次传输失败映射到枚举化的 ENET 错误码。
// 不保留自由文本指纹 —— 调用方只按 Code 分流。
func mapTransportError(err error, providerKey string) *types.Error {
	switch {
	case errors.Is(err, context.Canceled):
		// 取消终止了一次在途的网络交互，按 ENET 入账；Kind 仍标记
		// 客户端侧，执行器据此不再切换候选
		return types.NewError(types.SeriesENET, types.CodeRequestCancelled, "request cancelled by client").
			WithKind(types.KindCancelled).
			WithProviderKey(providerKey).
			WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return netError(types.CodeTimedOut, "upstream request deadline exceeded", providerKey, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return netError(types.CodeConnRefused, "upstream connection refused", providerKey, err)
	case errors.Is(err, syscall.ECONNRESET):
		return netError(types.CodeConnReset, "upstream connection reset", providerKey, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return netError(types.CodeDNSFailure, "upstream dns resolution failed", providerKey, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// ResponseHeaderTimeout 在标准库里只能从错误文本辨认
		if strings.Contains(err.Error(), "awaiting response headers") {
			return netError(types.CodeHeadersTimeout, "upstream response headers timeout", providerKey, err)
		}
		return netError(types.CodeTimedOut, "upstream request timed out", providerKey, err)
	}

	return netError(types.CodeStreamAborted, "upstream transport failure", providerKey, err)
}

func netError(code, msg, providerKey string, cause error) *types.Error {
	return types.NewError(types.SeriesENET, code, msg).
		WithKind(types.KindUpstreamUnavailable).
		WithProviderKey(providerKey).
		WithCause(cause)
}

// mapStatusError 把一个 >=400 的上游响应映射到规范化错误。
// 响应体快照是有界的，只用于提取结构化 code/message。
func mapStatusError(status int, snippet []byte, header map[string][]string, providerKey string) *types.Error {
	code := firstNonEmpty(
		gjson.GetBytes(snippet, "error.code").String(),
		gjson.GetBytes(snippet, "error.type").String(),
		gjson.GetBytes(snippet, "code").String(),
	)
	message := firstNonEmpty(
		gjson.GetBytes(snippet, "error.message").String(),
		gjson.GetBytes(snippet, "message").String(),
		strings.TrimSpace(string(snippet)),
	)
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", status)
	}
	if code == "" {
		code = "HTTP_" + strconv.Itoa(status)
	}

	// 401/403 是凭证问题；404/405 几乎总是端点打错，同样按致命归类
	// 但带 origin 标记，换候选仍值得一试
	fatal := status == 401 || status == 403 || status == 404 || status == 405
	series := quota.NormalizeErrorSeries(status, code, message, fatal)
	e := types.NewError(series, code, message).
		WithHTTPStatus(status).
		WithProviderKey(providerKey)

	if status == 429 {
		if ra := retryAfterMillis(header); ra > 0 {
			e.RetryAfter = ra
		}
	}
	if series == types.SeriesEFATAL && (status == 404 || status == 405) {
		e.WithDetail("scope", "origin")
	}
	if series == types.SeriesEFATAL && (status == 401 || status == 403) {
		e.WithKind(types.KindAuthFailure)
	}
	return e
}

// retryAfterMillis 解析 Retry-After 头（秒数或 HTTP 日期）。
func retryAfterMillis(header map[string][]string) int64 {
	values := header["Retry-After"]
	if len(values) == 0 {
		return 0
	}
	raw := strings.TrimSpace(values[0])
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return secs * 1000
	}
	if t, err := time.Parse(time.RFC1123, raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Milliseconds()
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
