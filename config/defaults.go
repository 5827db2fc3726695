package config

import "time"

// =============================================================================
// 🎯 默认值
// =============================================================================

// DefaultConfig 返回带默认值的配置。加载顺序：默认值 → YAML 文件 → 环境变量。
func DefaultConfig() *CanonicalConfig {
	return &CanonicalConfig{
		Server: ServerConfig{
			Addr:            ":5506",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    0, // 流式响应不能设置写超时
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		SnapshotInterval: 5 * time.Second,
		Failover: FailoverConfig{
			MaxAttempts: 3,
		},
		Gateway: GatewayConfig{
			RateLimitPerSecond: 0,
			RateLimitBurst:     0,
			StripDebugMetadata: true,
			LongContextBytes:   64 * 1024,
		},
		Credentials: map[string]CredentialConfig{},
		Routes:      map[string][]RoutePoolConfig{},
	}
}

// applyDefaults 补齐缺省字段（零值回填）。
func applyDefaults(c *CanonicalConfig) {
	def := DefaultConfig()

	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if c.Server.MaxHeaderBytes <= 0 {
		c.Server.MaxHeaderBytes = def.Server.MaxHeaderBytes
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if len(c.Log.OutputPaths) == 0 {
		c.Log.OutputPaths = def.Log.OutputPaths
	}

	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	if c.Failover.MaxAttempts <= 0 {
		c.Failover.MaxAttempts = def.Failover.MaxAttempts
	}
	if c.Gateway.LongContextBytes <= 0 {
		c.Gateway.LongContextBytes = def.Gateway.LongContextBytes
	}
	if c.Credentials == nil {
		c.Credentials = map[string]CredentialConfig{}
	}
	if c.Routes == nil {
		c.Routes = map[string][]RoutePoolConfig{}
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.RequestTimeout <= 0 {
			p.RequestTimeout = 120 * time.Second
		}
	}
	for i := range c.Pipelines {
		t := &c.Pipelines[i]
		if t.HTTP.ConnectTimeout <= 0 {
			t.HTTP.ConnectTimeout = 10 * time.Second
		}
		if t.HTTP.HeadersTimeout <= 0 {
			t.HTTP.HeadersTimeout = 30 * time.Second
		}
		if t.HTTP.StreamIdleTimeout <= 0 {
			t.HTTP.StreamIdleTimeout = 60 * time.Second
		}
	}
}
