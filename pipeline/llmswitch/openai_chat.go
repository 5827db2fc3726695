package llmswitch

import (
	"context"
	"encoding/json"
	"io"

	"github.com/BaSui01/routecodex/pipeline"
	"github.com/BaSui01/routecodex/pipeline/wire"
)

// =============================================================================
// 🔁 openai-chat 协议桥
// =============================================================================

// openAIChatSwitch 桥接 /v1/chat/completions 客户端。规范化载体
// 本身就是 chat 形态，转换接近透传。
type openAIChatSwitch struct {
	opts Options
}

func (s *openAIChatSwitch) ID() string { return pipeline.SlotLLMSwitch }

func (s *openAIChatSwitch) Initialize(ctx context.Context) error { return nil }

func (s *openAIChatSwitch) ProcessIncoming(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	env, err := wire.DecodeOpenAIChatRequest(dto.Body)
	if err != nil {
		return dto, err
	}
	stampMetadata(env, dto, pipeline.ProtocolOpenAIChat)
	dto.Chat = env
	dto.Metadata.EntryProtocol = pipeline.ProtocolOpenAIChat
	dto.Metadata.Stream = env.Stream
	return dto, nil
}

func (s *openAIChatSwitch) ProcessOutgoing(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	if dto.Result == nil {
		return dto, nil
	}
	resultMetadata(dto.Result, dto, s.opts.StripMetadata)
	body, err := wire.EncodeOpenAIChatResponse(dto.Result)
	if err != nil {
		return dto, err
	}
	dto.Body = body
	return dto, nil
}

func (s *openAIChatSwitch) Cleanup() error { return nil }

// DecorateStream 上游为 anthropic 家族时把事件流改写成 chat 分片；
// 其余家族的分片流原样转发。
func (s *openAIChatSwitch) DecorateStream(src io.ReadCloser) io.ReadCloser {
	if s.opts.UpstreamFamily != "anthropic" {
		return src
	}
	return transformSSE(src, &chatChunkTransformer{})
}

// chatChunkTransformer 把 Anthropic 事件流翻译成 chat.completion.chunk 流。
type chatChunkTransformer struct{}

func (t *chatChunkTransformer) start() [][]byte {
	return [][]byte{sseFrame("", chunkPayload(map[string]any{"role": "assistant"}, ""))}
}

func (t *chatChunkTransformer) event(data []byte) [][]byte {
	payload := parseAnthropicEvent(data)
	if payload == nil {
		return nil
	}
	return [][]byte{sseFrame("", payload)}
}

func (t *chatChunkTransformer) done() [][]byte {
	return [][]byte{
		sseFrame("", chunkPayload(map[string]any{}, "stop")),
		[]byte("data: [DONE]\n\n"),
	}
}

// parseAnthropicEvent 翻译一个 Anthropic 事件载荷；无对应分片时返回 nil。
func parseAnthropicEvent(data []byte) []byte {
	var evt struct {
		Type  string `json:"type"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil
	}
	switch evt.Type {
	case "content_block_delta":
		if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
			return chunkPayload(map[string]any{"content": evt.Delta.Text}, "")
		}
	case "message_delta":
		if evt.Delta.StopReason != "" && evt.Delta.StopReason != "end_turn" {
			return chunkPayload(map[string]any{}, mapAnthropicStop(evt.Delta.StopReason))
		}
	}
	return nil
}

func mapAnthropicStop(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func chunkPayload(delta map[string]any, finish string) []byte {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	payload, _ := json.Marshal(map[string]any{
		"object":  "chat.completion.chunk",
		"choices": []any{choice},
	})
	return payload
}
