package config

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// 📦 规范化配置结构（CanonicalConfig）
// =============================================================================

// CanonicalConfig 是加载器产出的规范化配置。核心组件只消费该结构，
// 不关心它来自哪个文件或环境变量。
type CanonicalConfig struct {
	// Server HTTP 服务器配置
	Server ServerConfig `yaml:"server"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// UserDir 数据目录（默认 ~/.routecodex，可被 ROUTECODEX_USER_DIR 覆盖）
	UserDir string `yaml:"user_dir"`

	// QuotaDir 配额快照目录（默认 <UserDir>/quota，可被 ROUTECODEX_QUOTA_DIR 覆盖）
	QuotaDir string `yaml:"quota_dir"`

	// SnapshotInterval 快照写盘周期
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// Failover 重试策略
	Failover FailoverConfig `yaml:"failover"`

	// Gateway 入站网关配置
	Gateway GatewayConfig `yaml:"gateway"`

	// Providers 上游服务清单
	Providers []ProviderConfig `yaml:"providers"`

	// Credentials 命名凭证表
	Credentials map[string]CredentialConfig `yaml:"credentials"`

	// Routes 路由表：route key -> 有序池列表
	Routes map[string][]RoutePoolConfig `yaml:"routes"`

	// Pipelines 流水线模板（按 provider family + 客户端协议参数化）
	Pipelines []PipelineTemplate `yaml:"pipelines"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string   `yaml:"level"`  // debug/info/warn/error
	Format      string   `yaml:"format"` // json/console
	OutputPaths []string `yaml:"output_paths"`
}

// FailoverConfig 重试策略
type FailoverConfig struct {
	// MaxAttempts 单个请求最多尝试的 provider 次数
	MaxAttempts int `yaml:"max_attempts"`
}

// GatewayConfig 入站网关配置
type GatewayConfig struct {
	// RateLimitPerSecond 入站限流（0 表示不限）
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	// RateLimitBurst 突发额度
	RateLimitBurst int `yaml:"rate_limit_burst"`
	// StripDebugMetadata 是否从客户端响应中剥离 _metadata
	StripDebugMetadata bool `yaml:"strip_debug_metadata"`
	// LongContextBytes 超过该字节数的请求归入 longcontext 路由（默认 64KB）
	LongContextBytes int `yaml:"long_context_bytes"`
	// ShadowSampleRate 每 N 个请求旁路一个影子副本做候选对比（0 关闭）
	ShadowSampleRate int `yaml:"shadow_sample_rate"`
}

// ProviderConfig 一个上游服务的身份。启动时从配置加载，运行期不可变；
// 变更需要 reload 产出新的 View 版本。
type ProviderConfig struct {
	ID             string        `yaml:"id"`
	Family         string        `yaml:"family"` // openai / anthropic / glm / qwen / iflow / deepseek / lmstudio / antigravity
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Streaming 上游是否支持 SSE
	Streaming bool `yaml:"streaming"`
	// StreamBuffered 流式响应是否先缓冲再走 outgoing 变换
	StreamBuffered bool `yaml:"stream_buffered"`

	// CompatProfile 兼容性 profile id（shape filter 注册表的键）
	CompatProfile string `yaml:"compat_profile"`

	// Auth 认证描述符
	Auth AuthDescriptor `yaml:"auth"`

	// Models 模型目录：model id -> 标志位
	Models map[string]ModelConfig `yaml:"models"`

	// Limits 配额上限（零值表示不限）
	Limits QuotaLimits `yaml:"limits"`

	// PriorityTier 越小越优先
	PriorityTier int `yaml:"priority_tier"`
}

// AuthDescriptor 命名凭证引用或内联 key。
type AuthDescriptor struct {
	Type       string `yaml:"type"`       // apikey / bearer / oauth / cookie / deepseek-account / antigravity-oauth
	Credential string `yaml:"credential"` // Credentials 表中的命名引用
	APIKey     string `yaml:"api_key"`    // 内联 key（仅 apikey 类型）
}

// ModelConfig 单模型标志位。
type ModelConfig struct {
	MaxContext int  `yaml:"max_context"`
	MaxTokens  int  `yaml:"max_tokens"`
	Thinking   bool `yaml:"thinking"`
	Vision     bool `yaml:"vision"`
}

// QuotaLimits 配额上限。
type QuotaLimits struct {
	RateLimitPerMinute  int64 `yaml:"rate_limit_per_minute"`
	TokenLimitPerMinute int64 `yaml:"token_limit_per_minute"`
	TotalTokenLimit     int64 `yaml:"total_token_limit"`
	// DailyResetTime 形如 "04:00"；设置后 totalTokensUsed 在每天该时刻清零
	DailyResetTime string `yaml:"daily_reset_time"`
}

// CredentialConfig 凭证材料。oauth/cookie 变体按请求从磁盘读取，
// 以 (path, mtime) 为键做内存缓存，外部刷新无需重启即可被观察到。
type CredentialConfig struct {
	Type string `yaml:"type"`

	// apikey 变体
	Header string `yaml:"header"`
	Prefix string `yaml:"prefix"`
	Value  string `yaml:"value"`

	// bearer 变体
	Token     string    `yaml:"token"`
	ExpiresAt time.Time `yaml:"expires_at"`

	// oauth / deepseek-account / antigravity-oauth 变体
	TokenFile string `yaml:"token_file"`
	Alias     string `yaml:"alias"`

	// cookie 变体
	CookieFile string `yaml:"cookie_file"`

	// RefreshSkew 距过期多近时发出刷新提示（默认 2 分钟）
	RefreshSkew time.Duration `yaml:"refresh_skew"`
}

// RoutePoolConfig 一个路由池。
type RoutePoolConfig struct {
	PoolID  string              `yaml:"pool_id"`
	Mode    string              `yaml:"mode"` // priority / roundRobin / weighted
	Targets []RouteTargetConfig `yaml:"targets"`
}

// RouteTargetConfig 池中的一个候选，Target 形如 "providerId.modelId"。
type RouteTargetConfig struct {
	Target string `yaml:"target"`
	Weight int    `yaml:"weight"`
}

// SplitTarget 拆出 providerId 与 modelId。modelId 本身可以含点号，
// 只在第一个点处拆分。
func (t RouteTargetConfig) SplitTarget() (providerID, modelID string, ok bool) {
	i := strings.Index(t.Target, ".")
	if i <= 0 || i == len(t.Target)-1 {
		return "", "", false
	}
	return t.Target[:i], t.Target[i+1:], true
}

// PipelineTemplate 四个模块槽位的有序模板。
type PipelineTemplate struct {
	// Family provider family；"*" 表示通配
	Family string `yaml:"family"`
	// Protocol 客户端入口协议：openai-chat / openai-responses / anthropic-messages；"*" 通配
	Protocol string `yaml:"protocol"`

	LLMSwitch     string `yaml:"llmswitch"`
	Compatibility string `yaml:"compatibility"`
	Provider      string `yaml:"provider"`
	ProviderHTTP  string `yaml:"provider_http"`

	// StreamBuffered 为 true 时流式响应组装完再走 outgoing 变换
	StreamBuffered bool `yaml:"stream_buffered"`

	HTTP HTTPTimeouts `yaml:"http"`
}

// HTTPTimeouts ProviderHTTP 的三个独立超时。
type HTTPTimeouts struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeadersTimeout    time.Duration `yaml:"headers_timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
}

// Validate 校验配置的内部一致性。
func (c *CanonicalConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("provider[%d]: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("provider %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", p.ID)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q: at least one model is required", p.ID)
		}
		if p.Auth.Type == "" {
			return fmt.Errorf("provider %q: auth.type is required", p.ID)
		}
		if p.Auth.Credential != "" {
			if _, ok := c.Credentials[p.Auth.Credential]; !ok {
				return fmt.Errorf("provider %q: unknown credential ref %q", p.ID, p.Auth.Credential)
			}
		} else if p.Auth.Type == "apikey" && p.Auth.APIKey == "" {
			return fmt.Errorf("provider %q: apikey auth requires credential ref or inline api_key", p.ID)
		}
	}

	// 路由表中的每个 target 必须解析到存在的 (provider, model) 对
	for key, pools := range c.Routes {
		for _, pool := range pools {
			for _, target := range pool.Targets {
				pid, mid, ok := target.SplitTarget()
				if !ok {
					return fmt.Errorf("route %q pool %q: malformed target %q", key, pool.PoolID, target.Target)
				}
				p := c.providerByID(pid)
				if p == nil {
					return fmt.Errorf("route %q pool %q: unknown provider %q", key, pool.PoolID, pid)
				}
				if _, ok := p.Models[mid]; !ok {
					return fmt.Errorf("route %q pool %q: model %q not in catalog of provider %q", key, pool.PoolID, mid, pid)
				}
			}
			switch pool.Mode {
			case "", "priority", "roundRobin", "weighted":
			default:
				return fmt.Errorf("route %q pool %q: unknown mode %q", key, pool.PoolID, pool.Mode)
			}
		}
	}

	if _, ok := c.Routes["default"]; !ok {
		return fmt.Errorf("route table must define a %q route", "default")
	}

	return nil
}

func (c *CanonicalConfig) providerByID(id string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}
