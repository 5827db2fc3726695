package llmswitch

import (
	"context"
	"encoding/json"
	"io"

	"github.com/tidwall/gjson"

	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/pipeline/wire"
)

// =============================================================================
// 🔁 openai-responses 协议桥
// =============================================================================

// responsesSwitch 桥接 /v1/responses 客户端：input 项展开为聊天轮次，
// 结果重组为 output 项列表。
type responsesSwitch struct {
	opts Options
}

func (s *responsesSwitch) ID() string { return pipeline.SlotLLMSwitch }

func (s *responsesSwitch) Initialize(ctx context.Context) error { return nil }

func (s *responsesSwitch) ProcessIncoming(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	env, err := wire.DecodeResponsesRequest(dto.Body)
	if err != nil {
		return dto, err
	}
	stampMetadata(env, dto, pipeline.ProtocolOpenAIResponses)
	dto.Chat = env
	dto.Metadata.EntryProtocol = pipeline.ProtocolOpenAIResponses
	dto.Metadata.Stream = env.Stream
	return dto, nil
}

func (s *responsesSwitch) ProcessOutgoing(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	if dto.Result == nil {
		return dto, nil
	}
	resultMetadata(dto.Result, dto, s.opts.StripMetadata)
	body, err := wire.EncodeResponsesResponse(dto.Result)
	if err != nil {
		return dto, err
	}
	dto.Body = body
	return dto, nil
}

func (s *responsesSwitch) Cleanup() error { return nil }

// DecorateStream 把上游分片流改写成 Responses 语义事件流。
func (s *responsesSwitch) DecorateStream(src io.ReadCloser) io.ReadCloser {
	if s.opts.UpstreamFamily == "anthropic" {
		// 先回到 chat 分片形态，再走统一的 Responses 改写
		src = transformSSE(src, &chatChunkTransformer{})
	}
	return transformSSE(src, &responsesStreamTransformer{})
}

// responsesStreamTransformer 把 chat.completion.chunk 流翻译成
// Responses 语义事件流。
type responsesStreamTransformer struct{}

func (t *responsesStreamTransformer) start() [][]byte {
	payload, _ := json.Marshal(map[string]any{"type": "response.created"})
	return [][]byte{sseFrame("response.created", payload)}
}

func (t *responsesStreamTransformer) event(data []byte) [][]byte {
	text := gjson.GetBytes(data, "choices.0.delta.content")
	if !text.Exists() || text.String() == "" {
		return nil
	}
	payload, _ := json.Marshal(map[string]any{
		"type":  "response.output_text.delta",
		"delta": text.String(),
	})
	return [][]byte{sseFrame("response.output_text.delta", payload)}
}

func (t *responsesStreamTransformer) done() [][]byte {
	payload, _ := json.Marshal(map[string]any{"type": "response.completed"})
	return [][]byte{sseFrame("response.completed", payload)}
}
