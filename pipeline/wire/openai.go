// Package wire 实现各协议线格式与规范化载体之间的双向编解码。
// 编解码必须保形：decode 后 encode 与原载荷等价（允许附加 _metadata）。
// LLMSwitch 用它桥接客户端协议，Compatibility 用它生成 provider 家族线格式。
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🔤 OpenAI Chat Completions 线格式
// =============================================================================

// chatRequestKnownKeys 是解码时消费掉的字段；其余字段原样落入 Extra。
var chatRequestKnownKeys = []string{
	"model", "messages", "tools", "tool_choice", "max_tokens",
	"max_completion_tokens", "temperature", "top_p", "stop", "stream",
	"reasoning_effort", "_metadata",
}

type oaiMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []oaiToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// DecodeOpenAIChatRequest 把 Chat Completions 请求解码为规范化载体。
func DecodeOpenAIChatRequest(body []byte) (*types.ChatEnvelope, error) {
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

	var msgs []oaiMessage
	if err := pick(raw, "messages", &msgs); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, invalidRequest("messages must be non-empty", nil)
	}
	for _, m := range msgs {
		cm, err := decodeOAIMessage(m)
		if err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, cm)
	}

	var tools []oaiTool
	if err := pick(raw, "tools", &tools); err != nil {
		return nil, err
	}
	for _, t := range tools {
		env.Tools = append(env.Tools, types.ToolSchema{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	// tool_choice：字符串形式进规范字段，对象形式原样透传
	if tc, ok := raw["tool_choice"]; ok {
		var s string
		if err := json.Unmarshal(tc, &s); err == nil {
			env.ToolChoice = s
		} else {
			if env.Extra == nil {
				env.Extra = map[string]json.RawMessage{}
			}
			env.Extra["tool_choice"] = tc
		}
	}

	if err := pick(raw, "max_tokens", &env.MaxTokens); err != nil {
		return nil, err
	}
	if env.MaxTokens == 0 {
		if err := pick(raw, "max_completion_tokens", &env.MaxTokens); err != nil {
			return nil, err
		}
	}
	if err := pick(raw, "temperature", &env.Temperature); err != nil {
		return nil, err
	}
	if err := pick(raw, "top_p", &env.TopP); err != nil {
		return nil, err
	}
	if err := pick(raw, "stream", &env.Stream); err != nil {
		return nil, err
	}
	if err := pick(raw, "reasoning_effort", &env.ReasoningEffort); err != nil {
		return nil, err
	}
	if err := pick(raw, "_metadata", &env.Metadata); err != nil {
		return nil, err
	}

	if stop, ok := raw["stop"]; ok {
		env.Stop = decodeStop(stop)
	}

	for _, k := range chatRequestKnownKeys {
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

func decodeOAIMessage(m oaiMessage) (types.Message, error) {
	cm := types.Message{
		Role:       types.Role(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		cm.ToolCalls = append(cm.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	if len(m.Content) == 0 || string(m.Content) == "null" {
		return cm, nil
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		cm.Content = text
		return cm, nil
	}
	var parts []oaiContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return cm, invalidRequest("message content must be string or part array", err)
	}
	for _, p := range parts {
		cp := types.ContentPart{Type: p.Type, Text: p.Text}
		if p.ImageURL != nil {
			cp.ImageURL = p.ImageURL.URL
		}
		cm.Parts = append(cm.Parts, cp)
	}
	return cm, nil
}

// EncodeOpenAIChatRequest 把规范化载体编码为 Chat Completions 请求。
func EncodeOpenAIChatRequest(env *types.ChatEnvelope) ([]byte, error) {
	out := make(map[string]any, 12)
	out["model"] = env.Model

	msgs := make([]any, 0, len(env.Messages))
	for _, m := range env.Messages {
		msgs = append(msgs, encodeOAIMessage(m))
	}
	out["messages"] = msgs

	if len(env.Tools) > 0 {
		tools := make([]any, 0, len(env.Tools))
		for _, t := range env.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		out["tools"] = tools
	}
	if env.ToolChoice != "" {
		out["tool_choice"] = env.ToolChoice
	}
	if env.MaxTokens > 0 {
		out["max_tokens"] = env.MaxTokens
	}
	if env.Temperature != 0 {
		out["temperature"] = env.Temperature
	}
	if env.TopP != 0 {
		out["top_p"] = env.TopP
	}
	if len(env.Stop) > 0 {
		out["stop"] = env.Stop
	}
	if env.Stream {
		out["stream"] = true
	}
	if env.ReasoningEffort != "" {
		out["reasoning_effort"] = env.ReasoningEffort
	}
	if len(env.Metadata) > 0 {
		out["_metadata"] = env.Metadata
	}
	for k, v := range env.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

func encodeOAIMessage(m types.Message) map[string]any {
	out := map[string]any{"role": string(m.Role)}
	if len(m.Parts) > 0 {
		parts := make([]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			wp := map[string]any{"type": p.Type}
			if p.Text != "" {
				wp["text"] = p.Text
			}
			if p.ImageURL != "" {
				wp["image_url"] = map[string]any{"url": p.ImageURL}
			}
			parts = append(parts, wp)
		}
		out["content"] = parts
	} else if m.Content != "" || len(m.ToolCalls) == 0 {
		out["content"] = m.Content
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.ToolCallID != "" {
		out["tool_call_id"] = m.ToolCallID
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]any, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": string(tc.Arguments),
				},
			})
		}
		out["tool_calls"] = calls
	}
	return out
}

// oaiResponse Chat Completions 响应线格式。
type oaiResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		FinishReason string     `json:"finish_reason"`
		Message      oaiMessage `json:"message"`
	} `json:"choices"`
	Usage types.Usage `json:"usage"`
}

// DecodeOpenAIChatResponse 把 Chat Completions 缓冲响应解码为规范结果。
func DecodeOpenAIChatResponse(body []byte) (*types.ChatResult, error) {
	var resp oaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, badResponse("malformed chat completion response", err)
	}
	result := &types.ChatResult{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.Created,
		Usage:   resp.Usage,
	}
	for _, c := range resp.Choices {
		msg, err := decodeOAIMessage(c.Message)
		if err != nil {
			return nil, badResponse("malformed choice message", err)
		}
		result.Choices = append(result.Choices, types.ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      msg,
		})
	}
	return result, nil
}

// EncodeOpenAIChatResponse 把规范结果编码为 Chat Completions 响应。
func EncodeOpenAIChatResponse(result *types.ChatResult) ([]byte, error) {
	choices := make([]any, 0, len(result.Choices))
	for _, c := range result.Choices {
		choices = append(choices, map[string]any{
			"index":         c.Index,
			"finish_reason": c.FinishReason,
			"message":       encodeOAIMessage(c.Message),
		})
	}
	out := map[string]any{
		"id":      result.ID,
		"object":  "chat.completion",
		"created": result.Created,
		"model":   result.Model,
		"choices": choices,
		"usage":   result.Usage,
	}
	if len(result.Metadata) > 0 {
		out["_metadata"] = result.Metadata
	}
	return json.Marshal(out)
}

// ---- shared helpers ----

func decodeStop(raw json.RawMessage) []string {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func pick(raw map[string]json.RawMessage, key string, dst any) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return invalidRequest(fmt.Sprintf("invalid field %q", key), err)
	}
	return nil
}

func invalidRequest(msg string, cause error) *types.Error {
	return types.NewError(types.SeriesEOTHER, types.CodeInvalidRequest, msg).
		WithKind(types.KindBadRequest).
		WithCause(cause)
}

func badResponse(msg string, cause error) *types.Error {
	return types.NewError(types.SeriesE5XX, types.CodeUpstreamBadResponse, msg).
		WithKind(types.KindUpstreamUnavailable).
		WithCause(cause)
}
