// Package routecodex 把配置、凭证、配额、路由、流水线与网关组装成
// 一个可运行的多协议 LLM 网关。
package routecodex

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/api"
	"github.com/BaSui01/routecodex/api/handlers"
	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/credentials"
	"github.com/BaSui01/routecodex/failover"
	"github.com/BaSui01/routecodex/hub"
	"github.com/BaSui01/routecodex/internal/metrics"
	"github.com/BaSui01/routecodex/internal/server"
	"github.com/BaSui01/routecodex/quota"
	"github.com/BaSui01/routecodex/router"
)

// Version 构建时注入。
var Version = "dev"

// =============================================================================
// 🏗️ Runtime — 全组件装配
// =============================================================================

// Runtime 持有网关的全部长生命周期组件。
type Runtime struct {
	logger *zap.Logger

	mu   sync.RWMutex
	view *config.View

	creds     *credentials.Store
	center    *quota.Center
	snapStore *quota.SnapshotStore
	snapRun   *quota.SnapshotRunner
	router    *router.Router
	factory   *hub.Factory
	executor  *failover.Executor
	shadow    *failover.ShadowRunner
	collector *metrics.Collector
	handler   http.Handler
	manager   *server.Manager

	cancel  context.CancelFunc
	done    chan struct{}
	version int64
}

// NewRuntime 装配全部组件。配置须已通过 Validate。
// 快照损坏时返回 quota.ErrSnapshotCorrupt（包装后），调用方应拒绝启动。
func NewRuntime(cfg *config.CanonicalConfig, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	view, err := config.NewView(cfg, 1)
	if err != nil {
		return nil, fmt.Errorf("build config view: %w", err)
	}

	rt := &Runtime{logger: logger, view: view, version: 1, done: make(chan struct{})}

	rt.creds = credentials.NewStore(view, credentials.Options{Logger: logger})
	rt.snapStore = quota.NewSnapshotStore(cfg.QuotaDir, logger)
	rt.center = quota.NewCenter(view, quota.Options{
		ErrorSink: rt.snapStore.AppendError,
		Logger:    logger,
	})

	// 重启恢复：快照存在则装载，损坏则拒绝启动
	states, err := rt.snapStore.Load()
	if err != nil {
		return nil, fmt.Errorf("restore quota snapshot: %w", err)
	}
	if states != nil {
		rt.center.LoadStates(states, time.Now().UnixMilli())
		logger.Info("quota snapshot restored",
			zap.Int("providers", len(states)),
			zap.String("path", rt.snapStore.SnapshotPath()),
		)
	}

	rt.snapRun = quota.NewSnapshotRunner(rt.center, rt.snapStore, cfg.SnapshotInterval, logger)
	rt.router = router.New(view, rt.center, logger)
	rt.factory = hub.NewFactory(view, rt.creds, hub.Options{
		StripMetadata: cfg.Gateway.StripDebugMetadata,
		Logger:        logger,
	})
	rt.collector = metrics.NewCollector("routecodex", logger)
	rt.executor = failover.New(rt.router, rt.factory, rt.center, rt.creds, failover.Options{
		MaxAttempts: cfg.Failover.MaxAttempts,
		Collector:   rt.collector,
		Logger:      logger,
	})
	if cfg.Gateway.ShadowSampleRate > 0 {
		rt.shadow = failover.NewShadowRunner(rt.executor, failover.ShadowOptions{Logger: logger})
	}

	gateway := handlers.NewGateway(rt.executor, handlers.GatewayOptions{
		LongContextBytes: cfg.Gateway.LongContextBytes,
		ShadowSampleRate: cfg.Gateway.ShadowSampleRate,
		Shadow:           rt.shadow,
		Quota:            rt.center,
		Collector:        rt.collector,
		Logger:           logger,
	})
	admin := handlers.NewAdminHandler(rt.center, rt.View, rt.shadow, logger)
	health := handlers.NewHealthHandler(Version, rt.center)

	rt.handler = api.NewHandler(api.Deps{
		Gateway:   gateway,
		Admin:     admin,
		Health:    health,
		Collector: rt.collector,
		Config:    cfg.Gateway,
		Logger:    logger,
	})
	rt.manager = server.NewManager(rt.handler, cfg.Server, logger)

	return rt, nil
}

// VerifyCredentials 启动前探测每个 provider 的凭证可物化。
// token 文件缺失或损坏在这里暴露，调用方应拒绝启动。
func (rt *Runtime) VerifyCredentials() error {
	for _, p := range rt.View().Providers() {
		if _, err := rt.creds.Resolve(p.ID, ""); err != nil {
			return fmt.Errorf("provider %s: %w", p.ID, err)
		}
	}
	return nil
}

// View 返回当前配置投影。
func (rt *Runtime) View() *config.View {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.view
}

// Reload 安装新配置：产出新版本投影并广播给各组件。在途请求
// 继续使用旧投影跑完。
func (rt *Runtime) Reload(cfg *config.CanonicalConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	rt.mu.Lock()
	rt.version++
	view, err := config.NewView(cfg, rt.version)
	if err != nil {
		rt.version--
		rt.mu.Unlock()
		return fmt.Errorf("build config view: %w", err)
	}
	rt.view = view
	rt.mu.Unlock()

	rt.creds.SetView(view)
	rt.center.SetView(view)
	rt.router.SetView(view)
	rt.factory.SetView(view)

	rt.logger.Info("config reloaded", zap.Int64("version", view.Version()))
	return nil
}

// Start 启动配额中心、快照落盘与 HTTP 服务器。
func (rt *Runtime) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		rt.center.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		rt.snapRun.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		rt.runPoolGauges(ctx)
	}()
	go func() {
		wg.Wait()
		close(rt.done)
	}()

	return rt.manager.Start()
}

// runPoolGauges 周期刷新配额池规模仪表。
func (rt *Runtime) runPoolGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			eligible, penalized := 0, 0
			for key := range rt.center.Summary() {
				if rt.center.Eligible(key, now).OK {
					eligible++
				} else {
					penalized++
				}
			}
			rt.collector.SetPoolGauges(eligible, penalized)
		}
	}
}

// WaitForShutdown 阻塞到收到关闭信号，然后优雅关停。
func (rt *Runtime) WaitForShutdown() {
	rt.manager.WaitForShutdown()
	rt.stopBackground()
}

// Shutdown 程序化关停（测试用）。
func (rt *Runtime) Shutdown(ctx context.Context) error {
	err := rt.manager.Shutdown(ctx)
	rt.stopBackground()
	return err
}

func (rt *Runtime) stopBackground() {
	if rt.cancel != nil {
		rt.cancel()
		<-rt.done
	}
	if rt.shadow != nil {
		rt.shadow.Wait()
	}
	if err := rt.snapStore.Close(); err != nil {
		rt.logger.Warn("close snapshot store failed", zap.Error(err))
	}
}

// Handler 返回装配好的 HTTP 处理器（httptest 集成测试用）。
func (rt *Runtime) Handler() http.Handler {
	return rt.handler
}

// QuotaCenter 暴露配额中心（测试与运维工具用）。
func (rt *Runtime) QuotaCenter() *quota.Center {
	return rt.center
}
