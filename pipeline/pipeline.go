package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🔗 HubPipeline — 四阶段线性组合
// =============================================================================

// ExecutionError 携带出错阶段与该阶段的半成品 DTO，供上层分类。
type ExecutionError struct {
	Stage string
	DTO   *DTO
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Pipeline 是一个 (协议, provider, model, 凭证) 元组的线性流水线。
// 顺序执行 [LLMSwitch, Compatibility, Provider, ProviderHTTP] 的
// incoming，再逆序执行 outgoing。
type Pipeline struct {
	modules        []Module
	streamBuffered bool
	logger         *zap.Logger
	initialized    bool
}

// New 组装流水线。streamBuffered 为 true 时流式响应先组装成缓冲
// 响应再走 outgoing 变换；否则流原样上交，outgoing 只通过 LLMSwitch
// 的可选逐事件过滤器生效。
func New(modules []Module, streamBuffered bool, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		modules:        modules,
		streamBuffered: streamBuffered,
		logger:         logger,
	}
}

// Initialize 初始化全部模块（一次性）。
func (p *Pipeline) Initialize(ctx context.Context) error {
	if p.initialized {
		return nil
	}
	for _, m := range p.modules {
		if err := m.Initialize(ctx); err != nil {
			return moduleInitError(m.ID(), err)
		}
	}
	p.initialized = true
	return nil
}

// Execute 跑完一次请求。出错时错误携带阶段 id 与半成品 DTO。
func (p *Pipeline) Execute(ctx context.Context, dto *DTO) (*DTO, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, &ExecutionError{Stage: "initialize", DTO: dto, Cause: err}
	}

	// incoming：正序
	var err error
	for _, m := range p.modules {
		dto, err = m.ProcessIncoming(ctx, dto)
		if err != nil {
			return nil, &ExecutionError{Stage: m.ID(), DTO: dto, Cause: err}
		}
	}

	// 非缓冲流式：流原样上交，只做 Provider 阶段的 de-stamp 与
	// LLMSwitch 的可选逐事件装饰
	if dto.Response != nil && dto.Response.Stream != nil && !p.streamBuffered {
		for i := len(p.modules) - 1; i >= 0; i-- {
			m := p.modules[i]
			if m.ID() == SlotProvider || m.ID() == SlotProviderHTTP {
				dto, err = m.ProcessOutgoing(ctx, dto)
				if err != nil {
					return nil, &ExecutionError{Stage: m.ID(), DTO: dto, Cause: err}
				}
			}
		}
		if dec, ok := p.modules[0].(StreamDecorator); ok {
			dto.Response.Stream = dec.DecorateStream(dto.Response.Stream)
		}
		return dto, nil
	}

	// outgoing：逆序
	for i := len(p.modules) - 1; i >= 0; i-- {
		m := p.modules[i]
		dto, err = m.ProcessOutgoing(ctx, dto)
		if err != nil {
			return nil, &ExecutionError{Stage: m.ID(), DTO: dto, Cause: err}
		}
	}

	return dto, nil
}

// Cleanup 逆序清理全部模块。
func (p *Pipeline) Cleanup() {
	for i := len(p.modules) - 1; i >= 0; i-- {
		if err := p.modules[i].Cleanup(); err != nil {
			p.logger.Warn("module cleanup failed",
				zap.String("module", p.modules[i].ID()),
				zap.Error(err),
			)
		}
	}
}

// ClassifyError 从流水线错误中提取规范化错误信封。
func ClassifyError(err error) *types.Error {
	var execErr *ExecutionError
	if ok := asExecutionError(err, &execErr); ok {
		te := types.AsError(execErr.Cause)
		if te.Stage == "" {
			te.Stage = execErr.Stage
		}
		return te
	}
	return types.AsError(err)
}

func asExecutionError(err error, target **ExecutionError) bool {
	for err != nil {
		if e, ok := err.(*ExecutionError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
