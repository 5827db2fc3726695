// =============================================================================
// RouteCodex 主入口
// =============================================================================
// 多协议 LLM 网关：OpenAI Chat / Responses 与 Anthropic Messages 客户端
// 复用同一批异构上游，带配额状态机与跨 provider 故障切换
//
// 使用方法:
//
//	routecodex serve                       # 启动网关
//	routecodex serve --config config.yaml  # 指定配置文件
//	routecodex check --config config.yaml  # 只校验配置
//	routecodex version                     # 显示版本信息
//	routecodex health                      # 健康检查
// =============================================================================
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/routecodex"
	"github.com/BaSui01/routecodex/config"
	"github.com/BaSui01/routecodex/quota"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码约定：配置错误 2，凭证错误 3，快照损坏 10。
const (
	exitConfig     = 2
	exitCredential = 3
	exitSnapshot   = 10
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "check":
		runCheck(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	routecodex.Version = Version
	logger.Info("Starting RouteCodex",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("addr", cfg.Server.Addr),
	)

	rt, err := routecodex.NewRuntime(cfg, logger)
	if err != nil {
		if errors.Is(err, quota.ErrSnapshotCorrupt) {
			// 凭空恢复错误的配额资格比不启动更危险
			fmt.Fprintf(os.Stderr, "Quota snapshot is corrupt, refusing to start: %v\n", err)
			os.Exit(exitSnapshot)
		}
		fmt.Fprintf(os.Stderr, "Failed to assemble runtime: %v\n", err)
		os.Exit(exitConfig)
	}

	if err := rt.VerifyCredentials(); err != nil {
		fmt.Fprintf(os.Stderr, "Required credential missing: %v\n", err)
		os.Exit(exitCredential)
	}

	if err := rt.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	rt.WaitForShutdown()
	logger.Info("RouteCodex stopped")
}

// =============================================================================
// ✅ check 命令
// =============================================================================

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	fmt.Printf("OK: %d providers, %d routes\n", len(cfg.Providers), len(cfg.Routes))
}

func loadConfig(configPath string) *config.CanonicalConfig {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(exitConfig)
	}
	return cfg
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:5506", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("RouteCodex %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`RouteCodex - Multi-protocol LLM Gateway

Usage:
  routecodex <command> [options]

Commands:
  serve     Start the gateway
  check     Validate configuration and exit
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve' and 'check':
  --config <path>   Path to configuration file (YAML)

Examples:
  routecodex serve
  routecodex serve --config /etc/routecodex/config.yaml
  routecodex check --config config.yaml
  routecodex health --addr http://localhost:5506
  routecodex version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
