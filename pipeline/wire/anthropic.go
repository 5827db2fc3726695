package wire

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🔤 Anthropic Messages 线格式
// =============================================================================

var anthropicRequestKnownKeys = []string{
	"model", "max_tokens", "system", "messages", "tools", "tool_choice",
	"temperature", "top_p", "stop_sequences", "stream", "metadata", "_metadata",
}

type antContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// image
	Source *struct {
		Type string `json:"type"`
		URL  string `json:"url,omitempty"`
	} `json:"source,omitempty"`
}

type antMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type antTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// DecodeAnthropicRequest 把 Messages 请求解码为规范化载体。
// system 提示成为首条 system 消息；tool_use / tool_result 块展开为
// 规范化工具调用与工具结果轮次。
func DecodeAnthropicRequest(body []byte) (*types.ChatEnvelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, invalidRequest("malformed json body", err)
	}

	env := &types.ChatEnvelope{}
	if err := pick(raw, "model", &env.Model); err != nil {
		return nil, err
	}
	if env.Model == "" {
		return nil, invalidRequest("model is required", nil)
	}
	if err := pick(raw, "max_tokens", &env.MaxTokens); err != nil {
		return nil, err
	}

	if system, ok := raw["system"]; ok && string(system) != "null" {
		text, err := decodeAntSystem(system)
		if err != nil {
			return nil, err
		}
		if text != "" {
			env.Messages = append(env.Messages, types.Message{Role: types.RoleSystem, Content: text})
		}
	}

	var msgs []antMessage
	if err := pick(raw, "messages", &msgs); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, invalidRequest("messages must be non-empty", nil)
	}
	for _, m := range msgs {
		expanded, err := decodeAntMessage(m)
		if err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, expanded...)
	}

	var tools []antTool
	if err := pick(raw, "tools", &tools); err != nil {
		return nil, err
	}
	for _, t := range tools {
		env.Tools = append(env.Tools, types.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	if tc, ok := raw["tool_choice"]; ok && string(tc) != "null" {
		var choice struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(tc, &choice); err != nil {
			return nil, invalidRequest("invalid tool_choice", err)
		}
		switch choice.Type {
		case "auto":
			env.ToolChoice = "auto"
		case "any":
			env.ToolChoice = "required"
		default:
			if env.Extra == nil {
				env.Extra = map[string]json.RawMessage{}
			}
			env.Extra["tool_choice"] = tc
		}
	}

	if err := pick(raw, "temperature", &env.Temperature); err != nil {
		return nil, err
	}
	if err := pick(raw, "top_p", &env.TopP); err != nil {
		return nil, err
	}
	if err := pick(raw, "stop_sequences", &env.Stop); err != nil {
		return nil, err
	}
	if err := pick(raw, "stream", &env.Stream); err != nil {
		return nil, err
	}
	if err := pick(raw, "_metadata", &env.Metadata); err != nil {
		return nil, err
	}

	for _, k := range anthropicRequestKnownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		if env.Extra == nil {
			env.Extra = make(map[string]json.RawMessage, len(raw))
		}
		for k, v := range raw {
			env.Extra[k] = v
		}
	}
	return env, nil
}

func decodeAntSystem(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var blocks []antContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", invalidRequest("system must be string or block array", err)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// decodeAntMessage 展开一条 Anthropic 消息。tool_result 块各自成为
// 一条 tool 轮次，其余块合并为一条常规轮次。
func decodeAntMessage(m antMessage) ([]types.Message, error) {
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []types.Message{{Role: types.Role(m.Role), Content: text}}, nil
	}

	var blocks []antContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, invalidRequest("message content must be string or block array", err)
	}

	var out []types.Message
	main := types.Message{Role: types.Role(m.Role)}
	var textParts []string
	hasMain := false

	for _, b := range blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
			hasMain = true
		case "image":
			cp := types.ContentPart{Type: "image_url"}
			if b.Source != nil {
				cp.ImageURL = b.Source.URL
			}
			main.Parts = append(main.Parts, cp)
			hasMain = true
		case "tool_use":
			main.ToolCalls = append(main.ToolCalls, types.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.Input,
			})
			hasMain = true
		case "tool_result":
			out = append(out, types.Message{
				Role:       types.RoleTool,
				ToolCallID: b.ToolUseID,
				Content:    decodeToolResultContent(b.Content),
			})
		}
	}

	if hasMain {
		if len(main.Parts) > 0 {
			for _, t := range textParts {
				main.Parts = append([]types.ContentPart{{Type: "text", Text: t}}, main.Parts...)
			}
		} else {
			main.Content = strings.Join(textParts, "\n")
		}
		out = append(out, main)
	}
	return out, nil
}

func decodeToolResultContent(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []antContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// EncodeAnthropicRequest 把规范化载体编码为 Messages 请求。
func EncodeAnthropicRequest(env *types.ChatEnvelope) ([]byte, error) {
	out := make(map[string]any, 10)
	out["model"] = env.Model

	maxTokens := env.MaxTokens
	if maxTokens <= 0 {
		// Anthropic 要求显式 max_tokens
		maxTokens = 4096
	}
	out["max_tokens"] = maxTokens

	var system []string
	msgs := make([]any, 0, len(env.Messages))
	for _, m := range env.Messages {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleTool:
			msgs = append(msgs, map[string]any{
				"role": "user",
				"content": []any{map[string]any{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		default:
			msgs = append(msgs, encodeAntMessage(m))
		}
	}
	if len(system) > 0 {
		out["system"] = strings.Join(system, "\n")
	}
	out["messages"] = msgs

	if len(env.Tools) > 0 {
		tools := make([]any, 0, len(env.Tools))
		for _, t := range env.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		out["tools"] = tools
	}
	switch env.ToolChoice {
	case "auto":
		out["tool_choice"] = map[string]any{"type": "auto"}
	case "required":
		out["tool_choice"] = map[string]any{"type": "any"}
	}

	if env.Temperature != 0 {
		out["temperature"] = env.Temperature
	}
	if env.TopP != 0 {
		out["top_p"] = env.TopP
	}
	if len(env.Stop) > 0 {
		out["stop_sequences"] = env.Stop
	}
	if env.Stream {
		out["stream"] = true
	}
	if len(env.Metadata) > 0 {
		out["_metadata"] = env.Metadata
	}
	for k, v := range env.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

func encodeAntMessage(m types.Message) map[string]any {
	blocks := make([]any, 0, 2)
	if m.Content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
	}
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case "image_url", "input_image":
			blocks = append(blocks, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "url", "url": p.ImageURL},
			})
		}
	}
	for _, tc := range m.ToolCalls {
		input := tc.Arguments
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}
	if len(blocks) == 1 && m.Content != "" {
		return map[string]any{"role": string(m.Role), "content": m.Content}
	}
	return map[string]any{"role": string(m.Role), "content": blocks}
}

// antResponse Messages 响应线格式。
type antResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Model      string            `json:"model"`
	Content    []antContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// DecodeAnthropicResponse 把 Messages 缓冲响应解码为规范结果。
func DecodeAnthropicResponse(body []byte) (*types.ChatResult, error) {
	var resp antResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, badResponse("malformed anthropic response", err)
	}

	msg := types.Message{Role: types.RoleAssistant}
	var textParts []string
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.Input,
			})
		}
	}
	msg.Content = strings.Join(textParts, "")

	return &types.ChatResult{
		ID:    resp.ID,
		Model: resp.Model,
		Choices: []types.ChatChoice{{
			Index:        0,
			FinishReason: stopReasonToFinish(resp.StopReason),
			Message:      msg,
		}},
		Usage: types.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// EncodeAnthropicResponse 把规范结果编码为 Messages 响应。
func EncodeAnthropicResponse(result *types.ChatResult) ([]byte, error) {
	var msg types.Message
	var finish string
	if len(result.Choices) > 0 {
		msg = result.Choices[0].Message
		finish = result.Choices[0].FinishReason
	}

	blocks := make([]any, 0, 2)
	if msg.Content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		input := tc.Arguments
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}

	out := map[string]any{
		"id":          result.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       result.Model,
		"content":     blocks,
		"stop_reason": finishToStopReason(finish),
		"usage": map[string]any{
			"input_tokens":  result.Usage.PromptTokens,
			"output_tokens": result.Usage.CompletionTokens,
		},
	}
	if len(result.Metadata) > 0 {
		out["_metadata"] = result.Metadata
	}
	return json.Marshal(out)
}

func stopReasonToFinish(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func finishToStopReason(finish string) string {
	switch finish {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return finish
	}
}
