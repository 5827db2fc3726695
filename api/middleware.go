// Package api 组装网关的 HTTP 路由与中间件链。
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/routecodex/api/handlers"
	"github.com/BaSui01/routecodex/internal/metrics"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🧱 中间件
// =============================================================================

// Middleware 标准中间件形态。
type Middleware func(http.Handler) http.Handler

// Chain 从外到内依次套用中间件。
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusRecorder 捕获响应状态码；透传 Flush 以免破坏 SSE。
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.status = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithRequestID 补齐 X-Request-Id。
func WithRequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Request-Id") == "" {
				r.Header.Set("X-Request-Id", uuid.NewString())
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithLogging 访问日志。
func WithLogging(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("request_id", r.Header.Get("X-Request-Id")),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// WithMetrics 入站请求指标。
func WithMetrics(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			collector.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}

// WithRateLimit 入站限流。rps <= 0 时直通。
func WithRateLimit(rps float64, burst int, logger *zap.Logger) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				handlers.WriteError(w, types.NewError(types.SeriesE429, "GATEWAY_RATE_LIMITED",
					"gateway rate limit exceeded").
					WithKind(types.KindUpstreamRateLimited), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithRecovery panic 兜底。
func WithRecovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", r.Header.Get("X-Request-Id")),
					)
					handlers.WriteError(w, types.NewError(types.SeriesEOTHER, "INTERNAL_PANIC",
						"internal server error").
						WithKind(types.KindConfigError), logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
