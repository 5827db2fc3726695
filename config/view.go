package config

import "fmt"

// =============================================================================
// 🔭 ConfigView — 配置的只读投影
// =============================================================================

// PoolMode 路由池的选择模式。
type PoolMode string

const (
	PoolPriority   PoolMode = "priority"
	PoolRoundRobin PoolMode = "roundRobin"
	PoolWeighted   PoolMode = "weighted"
)

// RouteTarget 已解析的路由候选。
type RouteTarget struct {
	ProviderID string
	ModelID    string
	Weight     int
}

// RoutePool 已解析的路由池。
type RoutePool struct {
	PoolID  string
	Mode    PoolMode
	Targets []RouteTarget
}

// View 是加载完成的配置的只读投影。所有查询 O(1) 或 O(log n)；
// View 实际不可变 —— reload 产出新实例并递增版本号，旧引用在
// 在途请求存续期内保持有效。
type View struct {
	version     int64
	providers   map[string]*ProviderConfig
	order       []string
	credentials map[string]*CredentialConfig
	routes      map[string][]RoutePool
	templates   []PipelineTemplate
	cfg         *CanonicalConfig
}

// NewView 从规范化配置构建投影。调用方需保证 cfg 已通过 Validate。
func NewView(cfg *CanonicalConfig, version int64) (*View, error) {
	v := &View{
		version:     version,
		providers:   make(map[string]*ProviderConfig, len(cfg.Providers)),
		order:       make([]string, 0, len(cfg.Providers)),
		credentials: make(map[string]*CredentialConfig, len(cfg.Credentials)),
		routes:      make(map[string][]RoutePool, len(cfg.Routes)),
		templates:   cfg.Pipelines,
		cfg:         cfg,
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if _, dup := v.providers[p.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", p.ID)
		}
		v.providers[p.ID] = p
		v.order = append(v.order, p.ID)
	}

	for name := range cfg.Credentials {
		c := cfg.Credentials[name]
		v.credentials[name] = &c
	}

	for key, pools := range cfg.Routes {
		resolved := make([]RoutePool, 0, len(pools))
		for _, pool := range pools {
			rp := RoutePool{PoolID: pool.PoolID, Mode: PoolMode(pool.Mode)}
			if rp.Mode == "" {
				rp.Mode = PoolPriority
			}
			for _, t := range pool.Targets {
				pid, mid, ok := t.SplitTarget()
				if !ok {
					return nil, fmt.Errorf("route %q: malformed target %q", key, t.Target)
				}
				if _, exists := v.providers[pid]; !exists {
					return nil, fmt.Errorf("route %q: unknown provider %q", key, pid)
				}
				weight := t.Weight
				if weight <= 0 {
					weight = 1
				}
				rp.Targets = append(rp.Targets, RouteTarget{ProviderID: pid, ModelID: mid, Weight: weight})
			}
			resolved = append(resolved, rp)
		}
		v.routes[key] = resolved
	}

	return v, nil
}

// Version 返回投影版本（reload 时递增）。
func (v *View) Version() int64 {
	return v.version
}

// Providers 按配置顺序返回所有 provider。
func (v *View) Providers() []*ProviderConfig {
	out := make([]*ProviderConfig, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.providers[id])
	}
	return out
}

// Provider 按 id 查询。
func (v *View) Provider(id string) (*ProviderConfig, bool) {
	p, ok := v.providers[id]
	return p, ok
}

// Credential 按命名引用查询凭证描述符。
func (v *View) Credential(ref string) (*CredentialConfig, bool) {
	c, ok := v.credentials[ref]
	return c, ok
}

// Pools 返回 route key 对应的有序池列表；键不存在时返回空切片。
func (v *View) Pools(routeKey string) []RoutePool {
	return v.routes[routeKey]
}

// Template 按 (provider family, 客户端协议) 查询流水线模板。
// 匹配顺序：精确 → (family, *) → (*, protocol) → (*, *)。
func (v *View) Template(family, protocol string) (PipelineTemplate, bool) {
	type pair struct{ f, p string }
	for _, want := range []pair{{family, protocol}, {family, "*"}, {"*", protocol}, {"*", "*"}} {
		for i := range v.templates {
			t := &v.templates[i]
			tf, tp := t.Family, t.Protocol
			if tf == "" {
				tf = "*"
			}
			if tp == "" {
				tp = "*"
			}
			if tf == want.f && tp == want.p {
				return *t, true
			}
		}
	}
	return PipelineTemplate{}, false
}

// Snapshot 返回底层规范化配置（只读使用）。
func (v *View) Snapshot() *CanonicalConfig {
	return v.cfg
}
