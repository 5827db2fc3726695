// Package router 实现虚拟路由：把 route key 解析为具体的
// (provider, model) 候选，只在合格集合内选择。
package router

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/quota"
	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🧭 VirtualRouter — route key → (provider, model)
// =============================================================================

// Candidate 一次路由决策的产出。
type Candidate struct {
	ProviderID string
	ModelID    string
	PoolID     string
}

// Router 按路由表与配额资格选择候选。选择游标是 Router 自己的
// 唯一可变状态，受互斥锁保护。
type Router struct {
	center *quota.Center
	logger *zap.Logger

	mu      sync.Mutex
	view    *config.View
	cursors map[string]int
}

// New 创建路由器。
func New(view *config.View, center *quota.Center, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		center:  center,
		logger:  logger,
		view:    view,
		cursors: make(map[string]int),
	}
}

// SetView 切换配置投影（reload 时调用），游标保留。
func (r *Router) SetView(view *config.View) {
	r.mu.Lock()
	r.view = view
	r.mu.Unlock()
}

// Pick 为 route key 选出一个候选。excluded 是本次请求已试过的
// providerKey 集合。没有任何合格候选时返回 NO_ELIGIBLE_PROVIDER。
func (r *Router) Pick(routeKey string, excluded map[string]struct{}) (Candidate, error) {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	pools := r.view.Pools(routeKey)
	if len(pools) == 0 && routeKey != "default" {
		// 未配置的 route key 回退 default 路由
		pools = r.view.Pools("default")
	}

	for _, pool := range pools {
		eligible := r.eligibleTargets(pool.Targets, excluded, now)
		if len(eligible) == 0 {
			continue
		}
		cursorKey := routeKey + "|" + pool.PoolID

		switch pool.Mode {
		case config.PoolRoundRobin:
			return r.pickRoundRobin(cursorKey, pool, eligible), nil
		case config.PoolWeighted:
			return r.pickWeighted(cursorKey, pool, eligible), nil
		default:
			// priority：声明顺序里第一个合格者
			t := eligible[0]
			return Candidate{ProviderID: t.ProviderID, ModelID: t.ModelID, PoolID: pool.PoolID}, nil
		}
	}

	return Candidate{}, types.NewError(types.SeriesEOTHER, types.CodeNoEligibleProvider,
		"no eligible provider for route "+routeKey).
		WithKind(types.KindRouteUnavailable)
}

// eligibleTargets 过滤掉被排除与不合格的目标，保持声明顺序。
func (r *Router) eligibleTargets(targets []config.RouteTarget, excluded map[string]struct{}, nowMs int64) []config.RouteTarget {
	out := make([]config.RouteTarget, 0, len(targets))
	for _, t := range targets {
		if isExcluded(excluded, t.ProviderID) {
			continue
		}
		if !r.center.ProviderEligible(t.ProviderID, nowMs) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// isExcluded 排除集合里存的是 providerKey（可带 #alias），按
// providerId 归并后比对。
func isExcluded(excluded map[string]struct{}, providerID string) bool {
	if _, ok := excluded[providerID]; ok {
		return true
	}
	for key := range excluded {
		if quota.ProviderID(key) == providerID {
			return true
		}
	}
	return false
}

// pickRoundRobin 在合格目标间轮转。游标按池推进，不合格的目标
// 被跳过而不消耗轮次。
func (r *Router) pickRoundRobin(cursorKey string, pool config.RoutePool, eligible []config.RouteTarget) Candidate {
	idx := r.cursors[cursorKey] % len(eligible)
	r.cursors[cursorKey]++
	t := eligible[idx]
	return Candidate{ProviderID: t.ProviderID, ModelID: t.ModelID, PoolID: pool.PoolID}
}

// pickWeighted 确定性加权轮转：游标在权重展开序列上推进，
// 相同状态下的选择可复现。
func (r *Router) pickWeighted(cursorKey string, pool config.RoutePool, eligible []config.RouteTarget) Candidate {
	total := 0
	for _, t := range eligible {
		total += t.Weight
	}
	slot := r.cursors[cursorKey] % total
	r.cursors[cursorKey]++

	for _, t := range eligible {
		if slot < t.Weight {
			return Candidate{ProviderID: t.ProviderID, ModelID: t.ModelID, PoolID: pool.PoolID}
		}
		slot -= t.Weight
	}
	// total 覆盖全部权重，不可达
	t := eligible[len(eligible)-1]
	return Candidate{ProviderID: t.ProviderID, ModelID: t.ModelID, PoolID: pool.PoolID}
}
