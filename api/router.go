package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/api/handlers"
	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/internal/metrics"
)

// =============================================================================
// 🗺️ 路由装配
// =============================================================================

// Deps 路由装配的依赖集合。
type Deps struct {
	Gateway   *handlers.Gateway
	Admin     *handlers.AdminHandler
	Health    *handlers.HealthHandler
	Collector *metrics.Collector
	Config    config.GatewayConfig
	Logger    *zap.Logger
}

// NewHandler 组装全部路由与中间件链。
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", deps.Gateway.HandleChatCompletions)
	mux.HandleFunc("POST /v1/responses", deps.Gateway.HandleResponses)
	mux.HandleFunc("POST /v1/messages", deps.Gateway.HandleMessages)

	mux.HandleFunc("GET /health", deps.Health.HandleHealth)
	mux.HandleFunc("GET /admin/providers", deps.Admin.HandleProviders)
	mux.HandleFunc("POST /admin/providers/{key}/blacklist", deps.Admin.HandleBlacklist)
	mux.HandleFunc("GET /admin/shadow", deps.Admin.HandleShadow)

	if deps.Collector != nil {
		mux.Handle("GET /metrics", deps.Collector.Handler())
	}

	mws := []Middleware{
		WithRecovery(deps.Logger),
		WithRequestID(),
		WithLogging(deps.Logger),
		WithRateLimit(deps.Config.RateLimitPerSecond, deps.Config.RateLimitBurst, deps.Logger),
	}
	if deps.Collector != nil {
		mws = append(mws, WithMetrics(deps.Collector))
	}
	return Chain(mux, mws...)
}
