package compat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🧵 流式响应组装（stream_buffered 模板）
// =============================================================================

// assembleStream 消费整条事件流并组装成缓冲结果。文本增量拼接、
// 工具调用参数增量拼接、usage 取末尾块。
func assembleStream(src io.ReadCloser, family, providerKey string) (*types.ChatResult, error) {
	defer src.Close()

	var asm streamAssembler
	switch family {
	case "anthropic":
		asm = &anthropicAssembler{}
	default:
		asm = &chatChunkAssembler{}
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		asm.feed(data)
	}
	if err := scanner.Err(); err != nil {
		return nil, types.AsError(err).WithProviderKey(providerKey)
	}
	return asm.result(), nil
}

type streamAssembler interface {
	feed(data []byte)
	result() *types.ChatResult
}

// chatChunkAssembler 组装 chat.completion.chunk 流。
type chatChunkAssembler struct {
	id      string
	model   string
	created int64
	content strings.Builder
	finish  string
	usage   types.Usage
	calls   []partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

type chatChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Delta        struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage"`
}

func (a *chatChunkAssembler) feed(data []byte) {
	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}
	if chunk.ID != "" {
		a.id = chunk.ID
	}
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.Created != 0 {
		a.created = chunk.Created
	}
	if chunk.Usage != nil {
		a.usage = *chunk.Usage
	}
	for _, c := range chunk.Choices {
		if c.FinishReason != "" {
			a.finish = c.FinishReason
		}
		a.content.WriteString(c.Delta.Content)
		for _, tc := range c.Delta.ToolCalls {
			for tc.Index >= len(a.calls) {
				a.calls = append(a.calls, partialCall{})
			}
			slot := &a.calls[tc.Index]
			if tc.ID != "" {
				slot.id = tc.ID
			}
			if tc.Function.Name != "" {
				slot.name = tc.Function.Name
			}
			slot.args.WriteString(tc.Function.Arguments)
		}
	}
}

func (a *chatChunkAssembler) result() *types.ChatResult {
	msg := types.Message{Role: types.RoleAssistant, Content: a.content.String()}
	for i := range a.calls {
		c := &a.calls[i]
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:        c.id,
			Name:      c.name,
			Arguments: json.RawMessage(c.args.String()),
		})
	}
	finish := a.finish
	if finish == "" {
		finish = "stop"
	}
	return &types.ChatResult{
		ID:      a.id,
		Model:   a.model,
		Created: a.created,
		Choices: []types.ChatChoice{{Index: 0, FinishReason: finish, Message: msg}},
		Usage:   a.usage,
	}
}

// anthropicAssembler 组装 Messages 事件流。
type anthropicAssembler struct {
	id         string
	model      string
	content    strings.Builder
	stopReason string
	usage      types.Usage
	calls      []partialCall
	blockKinds map[int]string
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string          `json:"type"`
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *anthropicAssembler) feed(data []byte) {
	var evt anthropicEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return
	}
	if a.blockKinds == nil {
		a.blockKinds = make(map[int]string)
	}
	switch evt.Type {
	case "message_start":
		a.id = evt.Message.ID
		a.model = evt.Message.Model
		a.usage.PromptTokens = evt.Message.Usage.InputTokens
	case "content_block_start":
		a.blockKinds[evt.Index] = evt.ContentBlock.Type
		if evt.ContentBlock.Type == "tool_use" {
			a.calls = append(a.calls, partialCall{id: evt.ContentBlock.ID, name: evt.ContentBlock.Name})
		}
	case "content_block_delta":
		switch evt.Delta.Type {
		case "text_delta":
			a.content.WriteString(evt.Delta.Text)
		case "input_json_delta":
			if len(a.calls) > 0 {
				a.calls[len(a.calls)-1].args.WriteString(evt.Delta.PartialJSON)
			}
		}
	case "message_delta":
		if evt.Delta.StopReason != "" {
			a.stopReason = evt.Delta.StopReason
		}
		if evt.Usage.OutputTokens > 0 {
			a.usage.CompletionTokens = evt.Usage.OutputTokens
		}
	}
}

func (a *anthropicAssembler) result() *types.ChatResult {
	msg := types.Message{Role: types.RoleAssistant, Content: a.content.String()}
	for i := range a.calls {
		c := &a.calls[i]
		args := c.args.String()
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:        c.id,
			Name:      c.name,
			Arguments: json.RawMessage(args),
		})
	}

	finish := "stop"
	switch a.stopReason {
	case "max_tokens":
		finish = "length"
	case "tool_use":
		finish = "tool_calls"
	}

	a.usage.TotalTokens = a.usage.PromptTokens + a.usage.CompletionTokens
	return &types.ChatResult{
		ID:      a.id,
		Model:   a.model,
		Choices: []types.ChatChoice{{Index: 0, FinishReason: finish, Message: msg}},
		Usage:   a.usage,
	}
}
