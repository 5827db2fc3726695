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
// 🔁 anthropic-messages 协议桥
// =============================================================================

// anthropicSwitch 桥接 /v1/messages 客户端。
type anthropicSwitch struct {
	opts Options
}

func (s *anthropicSwitch) ID() string { return pipeline.SlotLLMSwitch }

func (s *anthropicSwitch) Initialize(ctx context.Context) error { return nil }

func (s *anthropicSwitch) ProcessIncoming(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	env, err := wire.DecodeAnthropicRequest(dto.Body)
	if err != nil {
		return dto, err
	}
	stampMetadata(env, dto, pipeline.ProtocolAnthropic)
	dto.Chat = env
	dto.Metadata.EntryProtocol = pipeline.ProtocolAnthropic
	dto.Metadata.Stream = env.Stream
	return dto, nil
}

func (s *anthropicSwitch) ProcessOutgoing(ctx context.Context, dto *pipeline.DTO) (*pipeline.DTO, error) {
	if dto.Result == nil {
		return dto, nil
	}
	resultMetadata(dto.Result, dto, s.opts.StripMetadata)
	body, err := wire.EncodeAnthropicResponse(dto.Result)
	if err != nil {
		return dto, err
	}
	dto.Body = body
	return dto, nil
}

func (s *anthropicSwitch) Cleanup() error { return nil }

// DecorateStream 上游为 anthropic 家族时事件流原样转发；chat 分片流
// 改写成 Messages 事件流。跨协议流式只覆盖文本增量，工具调用的
// 流式增量需要走 stream_buffered 模板。
func (s *anthropicSwitch) DecorateStream(src io.ReadCloser) io.ReadCloser {
	if s.opts.UpstreamFamily == "anthropic" {
		return src
	}
	return transformSSE(src, &anthropicStreamTransformer{})
}

// anthropicStreamTransformer 把 chat.completion.chunk 流翻译成
// Messages 事件流。
type anthropicStreamTransformer struct {
	blockOpen  bool
	stopReason string
}

func (t *anthropicStreamTransformer) start() [][]byte {
	payload, _ := json.Marshal(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"type":    "message",
			"role":    "assistant",
			"content": []any{},
		},
	})
	return [][]byte{sseFrame("message_start", payload)}
}

func (t *anthropicStreamTransformer) event(data []byte) [][]byte {
	var frames [][]byte

	if finish := gjson.GetBytes(data, "choices.0.finish_reason"); finish.Exists() && finish.String() != "" {
		t.stopReason = finishToAnthropicStop(finish.String())
	}

	text := gjson.GetBytes(data, "choices.0.delta.content")
	if !text.Exists() || text.String() == "" {
		return frames
	}

	if !t.blockOpen {
		startPayload, _ := json.Marshal(map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		frames = append(frames, sseFrame("content_block_start", startPayload))
		t.blockOpen = true
	}

	deltaPayload, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text.String()},
	})
	frames = append(frames, sseFrame("content_block_delta", deltaPayload))
	return frames
}

func (t *anthropicStreamTransformer) done() [][]byte {
	var frames [][]byte
	if t.blockOpen {
		stopPayload, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": 0})
		frames = append(frames, sseFrame("content_block_stop", stopPayload))
	}
	stop := t.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	deltaPayload, _ := json.Marshal(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop},
	})
	frames = append(frames, sseFrame("message_delta", deltaPayload))
	msgStop, _ := json.Marshal(map[string]any{"type": "message_stop"})
	frames = append(frames, sseFrame("message_stop", msgStop))
	return frames
}

func finishToAnthropicStop(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}
