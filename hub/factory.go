// Package hub 按 (入口协议, provider) 组装并缓存四阶段流水线。
package hub

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/credentials"
	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/pipeline/compat"
	"github.com/BaSui01/routecodex/pipeline/llmswitch"
	"github.com/BaSui01/routecodex/pipeline/upstream"
	"github.com/BaSui01/routecodex/types"
)

// Options Factory 配置。
type Options struct {
	// StripMetadata 响应回程剥离 _metadata
	StripMetadata bool
	Logger        *zap.Logger
}

// Factory 按 (协议, provider) 惰性组装流水线并缓存。
// 流水线无请求级状态，可被并发请求复用。
type Factory struct {
	creds *credentials.Store
	opts  Options

	mu    sync.RWMutex
	view  *config.View
	cache map[string]*pipeline.Pipeline
}

// NewFactory 创建流水线工厂。
func NewFactory(view *config.View, creds *credentials.Store, opts Options) *Factory {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Factory{
		creds: creds,
		opts:  opts,
		view:  view,
		cache: make(map[string]*pipeline.Pipeline),
	}
}

// SetView 切换配置投影并废弃整个缓存（reload 时调用）。
// 在途请求继续使用旧流水线跑完。
func (f *Factory) SetView(view *config.View) {
	f.mu.Lock()
	f.view = view
	f.cache = make(map[string]*pipeline.Pipeline)
	f.mu.Unlock()
}

// Get 返回该 (协议, provider) 组合的流水线。
func (f *Factory) Get(protocol, providerID string) (*pipeline.Pipeline, error) {
	key := protocol + "|" + providerID

	f.mu.RLock()
	p, ok := f.cache[key]
	view := f.view
	f.mu.RUnlock()
	if ok {
		return p, nil
	}

	provider, exists := view.Provider(providerID)
	if !exists {
		return nil, types.NewError(types.SeriesEFATAL, types.CodeConfigInvalid,
			fmt.Sprintf("provider %q not in config", providerID)).
			WithKind(types.KindConfigError)
	}

	template, _ := view.Template(provider.Family, protocol)
	streamBuffered := template.StreamBuffered || provider.StreamBuffered

	sw, err := llmswitch.New(protocol, llmswitch.Options{
		StripMetadata:  f.opts.StripMetadata,
		UpstreamFamily: provider.Family,
		Logger:         f.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	cm, err := compat.New(provider.Family, provider.CompatProfile, streamBuffered, f.opts.Logger)
	if err != nil {
		return nil, err
	}
	pm := pipeline.NewProviderModule(view, f.creds, f.opts.Logger)
	hm := upstream.NewHTTPModule(template.HTTP, f.opts.Logger)

	p = pipeline.New([]pipeline.Module{sw, cm, pm, hm}, streamBuffered, f.opts.Logger)

	f.mu.Lock()
	// 并发装配时后到者复用先到者的实例
	if cached, ok := f.cache[key]; ok {
		p = cached
	} else {
		f.cache[key] = p
	}
	f.mu.Unlock()
	return p, nil
}
