package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🧩 PipelineModule — Hub 四阶段的统一接口
// =============================================================================

// 四个槽位的约定 id。
const (
	SlotLLMSwitch     = "llmswitch"
	SlotCompatibility = "compatibility"
	SlotProvider      = "provider"
	SlotProviderHTTP  = "providerHttp"
)

// 客户端入口协议。
const (
	ProtocolOpenAIChat      = "openai-chat"
	ProtocolOpenAIResponses = "openai-responses"
	ProtocolAnthropic       = "anthropic-messages"
)

// RouteInfo 请求的路由定位。
type RouteInfo struct {
	ProviderID  string
	ModelID     string
	ProviderKey string // providerId[#credentialAlias]，由 Provider 阶段落定
	RequestID   string
	Timestamp   time.Time
}

// Metadata 请求级元数据。路由逻辑只读取这里的类型化字段，
// 未知字段落在 DTO.Extra，永不参与路由。
type Metadata struct {
	Endpoint      string
	EntryProtocol string
	Stream        bool
	RouteKey      string
	Excluded      map[string]struct{}
}

// DebugInfo 调试模式开关与各阶段留痕。
type DebugInfo struct {
	Enabled bool
	Stages  map[string]json.RawMessage
}

// UpstreamRequest 由 Provider 阶段盖章的出站请求描述。
type UpstreamRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Stream  bool
	Timeout time.Duration
}

// UpstreamResponse ProviderHTTP 的产出：缓冲 JSON 或流式字节源，二选一。
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage // 缓冲响应
	Stream     io.ReadCloser   // SSE 字节源（流式时非 nil）
}

// DTO 是在流水线各阶段之间传递的请求载体。
type DTO struct {
	// Body 当前阶段的线格式载荷
	Body json.RawMessage
	// Chat 规范化聊天载体（LLMSwitch incoming 落定）
	Chat *types.ChatEnvelope
	// Result 规范化响应（outgoing 方向落定）
	Result *types.ChatResult

	Route    RouteInfo
	Metadata Metadata
	Debug    DebugInfo

	Upstream *UpstreamRequest
	Response *UpstreamResponse

	// Extra 容纳协议特有但路由不读取的字段
	Extra map[string]any
}

// Clone 返回浅拷贝（流水线阶段可安全改写自己的副本）。
func (d *DTO) Clone() *DTO {
	cp := *d
	return &cp
}

// Module 是 Hub 流水线四个阶段的统一接口。除声明的副作用外
// （ProviderHTTP 发起一次上游调用），模块不得触碰外部状态。
type Module interface {
	// ID 返回模块 id（用于错误归因与调试留痕）
	ID() string

	// Initialize 在流水线装配时调用一次
	Initialize(ctx context.Context) error

	// ProcessIncoming 请求方向变换
	ProcessIncoming(ctx context.Context, dto *DTO) (*DTO, error)

	// ProcessOutgoing 响应方向变换（与 incoming 互逆）
	ProcessOutgoing(ctx context.Context, dto *DTO) (*DTO, error)

	// Cleanup 流水线销毁时调用
	Cleanup() error
}

// StreamDecorator 由 LLMSwitch 可选实现：为非缓冲流式响应提供
// 逐事件过滤器。未实现时流按字节级原样转发。
type StreamDecorator interface {
	DecorateStream(src io.ReadCloser) io.ReadCloser
}

// moduleInitError 构造 ModuleInit 失败。
func moduleInitError(moduleID string, cause error) *types.Error {
	return types.NewError(types.SeriesEFATAL, types.CodeModuleInit, "module initialization failed").
		WithKind(types.KindConfigError).
		WithStage(moduleID).
		WithCause(cause)
}
