// =============================================================================
// 📦 RouteCodex 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("routecodex.yaml").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// 环境变量（ROUTECODEX_WASM_MODE 为保留变量，核心忽略）。
const (
	EnvUserDir  = "ROUTECODEX_USER_DIR"
	EnvQuotaDir = "ROUTECODEX_QUOTA_DIR"
	EnvAddr     = "ROUTECODEX_ADDR"
	EnvLogLevel = "ROUTECODEX_LOG_LEVEL"
)

// Loader 配置加载器
type Loader struct {
	configPath string
}

// NewLoader 创建加载器
func NewLoader() *Loader {
	return &Loader{}
}

// WithConfigPath 指定配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load 加载并规范化配置
func (l *Loader) Load() (*CanonicalConfig, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", l.configPath, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	resolveDirs(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖（最高优先级）。
func applyEnvOverrides(cfg *CanonicalConfig) {
	if v := os.Getenv(EnvUserDir); v != "" {
		cfg.UserDir = v
	}
	if v := os.Getenv(EnvQuotaDir); v != "" {
		cfg.QuotaDir = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ROUTECODEX_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SnapshotInterval = d
		}
	}
	if v := os.Getenv("ROUTECODEX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Failover.MaxAttempts = n
		}
	}
}

// resolveDirs 解析数据目录：UserDir 默认 ~/.routecodex，QuotaDir 默认其下 quota/。
func resolveDirs(cfg *CanonicalConfig) {
	if cfg.UserDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.UserDir = filepath.Join(home, ".routecodex")
	}
	if cfg.QuotaDir == "" {
		cfg.QuotaDir = filepath.Join(cfg.UserDir, "quota")
	}
}
