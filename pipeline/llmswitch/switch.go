// Package llmswitch 实现 LLMSwitch 槽位：客户端线格式与规范化载体
// 之间的双向桥接。每个客户端协议一个实现，转换保形。
package llmswitch

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/types"
)

// Options 各协议桥共享的配置。
type Options struct {
	// StripMetadata 响应回程时剥离 _metadata 戳记
	StripMetadata bool
	// UpstreamFamily 本条流水线上游的 provider family，流式装饰器
	// 据此判断事件流是否需要跨协议改写
	UpstreamFamily string
	Logger         *zap.Logger
}

func normalizeOptions(opts Options) Options {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// New 按客户端入口协议创建 LLMSwitch 模块。
func New(protocol string, opts Options) (pipeline.Module, error) {
	opts = normalizeOptions(opts)
	switch protocol {
	case pipeline.ProtocolOpenAIChat:
		return &openAIChatSwitch{opts: opts}, nil
	case pipeline.ProtocolOpenAIResponses:
		return &responsesSwitch{opts: opts}, nil
	case pipeline.ProtocolAnthropic:
		return &anthropicSwitch{opts: opts}, nil
	default:
		return nil, types.NewError(types.SeriesEFATAL, types.CodeConfigInvalid,
			fmt.Sprintf("unknown entry protocol %q", protocol)).
			WithKind(types.KindConfigError)
	}
}

// stampMetadata 在规范化载体上盖入口协议与请求 id 戳记。
// 戳记随 _metadata 透传，供调试端观察请求走过的路径。
func stampMetadata(env *types.ChatEnvelope, dto *pipeline.DTO, protocol string) {
	if env.Metadata == nil {
		env.Metadata = make(map[string]string, 2)
	}
	env.Metadata["entryProtocol"] = protocol
	if dto.Route.RequestID != "" {
		env.Metadata["requestId"] = dto.Route.RequestID
	}
}

// resultMetadata 响应回程的 _metadata：保留请求戳记并补充路由落点。
func resultMetadata(result *types.ChatResult, dto *pipeline.DTO, strip bool) {
	if strip {
		result.Metadata = nil
		return
	}
	if result.Metadata == nil {
		result.Metadata = make(map[string]string, 3)
	}
	if dto.Route.RequestID != "" {
		result.Metadata["requestId"] = dto.Route.RequestID
	}
	if dto.Route.ProviderKey != "" {
		result.Metadata["providerKey"] = dto.Route.ProviderKey
	}
	result.Metadata["entryProtocol"] = dto.Metadata.EntryProtocol
}
