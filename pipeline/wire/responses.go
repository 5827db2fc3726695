package wire

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// 🔤 OpenAI Responses 线格式
// =============================================================================

var responsesRequestKnownKeys = []string{
	"model", "input", "instructions", "max_output_tokens", "temperature",
	"top_p", "stream", "tools", "tool_choice", "reasoning", "_metadata",
}

type respInputItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call / function_call_output
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type respContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type respTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// DecodeResponsesRequest 把 Responses 请求解码为规范化载体。
// instructions 成为首条 system 消息，input 项展开为聊天轮次。
func DecodeResponsesRequest(body []byte) (*types.ChatEnvelope, error) {
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

	var instructions string
	if err := pick(raw, "instructions", &instructions); err != nil {
		return nil, err
	}
	if instructions != "" {
		env.Messages = append(env.Messages, types.Message{Role: types.RoleSystem, Content: instructions})
	}

	input, ok := raw["input"]
	if !ok {
		return nil, invalidRequest("input is required", nil)
	}
	msgs, err := decodeResponsesInput(input)
	if err != nil {
		return nil, err
	}
	env.Messages = append(env.Messages, msgs...)
	if len(env.Messages) == 0 {
		return nil, invalidRequest("input must be non-empty", nil)
	}

	var tools []respTool
	if err := pick(raw, "tools", &tools); err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		env.Tools = append(env.Tools, types.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

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

	if err := pick(raw, "max_output_tokens", &env.MaxTokens); err != nil {
		return nil, err
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
	if err := pick(raw, "_metadata", &env.Metadata); err != nil {
		return nil, err
	}

	var reasoning struct {
		Effort string `json:"effort"`
	}
	if err := pick(raw, "reasoning", &reasoning); err != nil {
		return nil, err
	}
	env.ReasoningEffort = reasoning.Effort

	for _, k := range responsesRequestKnownKeys {
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

func decodeResponsesInput(raw json.RawMessage) ([]types.Message, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []types.Message{{Role: types.RoleUser, Content: text}}, nil
	}

	var items []respInputItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, invalidRequest("input must be string or item array", err)
	}

	var out []types.Message
	for _, item := range items {
		switch item.Type {
		case "", "message":
			msg, err := decodeResponsesMessage(item)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		case "function_call":
			out = append(out, types.Message{
				Role: types.RoleAssistant,
				ToolCalls: []types.ToolCall{{
					ID:        item.CallID,
					Name:      item.Name,
					Arguments: json.RawMessage(item.Arguments),
				}},
			})
		case "function_call_output":
			out = append(out, types.Message{
				Role:       types.RoleTool,
				ToolCallID: item.CallID,
				Content:    item.Output,
			})
		default:
			return nil, invalidRequest(fmt.Sprintf("unsupported input item type %q", item.Type), nil)
		}
	}
	return out, nil
}

func decodeResponsesMessage(item respInputItem) (types.Message, error) {
	msg := types.Message{Role: types.Role(item.Role)}
	if msg.Role == "" {
		msg.Role = types.RoleUser
	}

	var text string
	if err := json.Unmarshal(item.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}
	var parts []respContentPart
	if err := json.Unmarshal(item.Content, &parts); err != nil {
		return msg, invalidRequest("message content must be string or part array", err)
	}
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			msg.Parts = append(msg.Parts, types.ContentPart{Type: "text", Text: p.Text})
		case "input_image":
			msg.Parts = append(msg.Parts, types.ContentPart{Type: "input_image", ImageURL: p.ImageURL})
		}
	}
	return msg, nil
}

// EncodeResponsesResponse 把规范结果编码为 Responses 响应。
// 助手文本成为 message 输出项，工具调用成为 function_call 输出项。
func EncodeResponsesResponse(result *types.ChatResult) ([]byte, error) {
	output := make([]any, 0, 2)
	status := "completed"

	for _, c := range result.Choices {
		msg := c.Message
		if msg.Content != "" {
			output = append(output, map[string]any{
				"type": "message",
				"id":   "msg_" + result.ID,
				"role": "assistant",
				"content": []any{map[string]any{
					"type": "output_text",
					"text": msg.Content,
				}},
			})
		}
		for _, tc := range msg.ToolCalls {
			output = append(output, map[string]any{
				"type":      "function_call",
				"call_id":   tc.ID,
				"name":      tc.Name,
				"arguments": string(tc.Arguments),
			})
		}
		if c.FinishReason == "length" {
			status = "incomplete"
		}
	}

	out := map[string]any{
		"id":         result.ID,
		"object":     "response",
		"created_at": result.Created,
		"model":      result.Model,
		"status":     status,
		"output":     output,
		"usage": map[string]any{
			"input_tokens":  result.Usage.PromptTokens,
			"output_tokens": result.Usage.CompletionTokens,
			"total_tokens":  result.Usage.TotalTokens,
		},
	}
	if len(result.Metadata) > 0 {
		out["_metadata"] = result.Metadata
	}
	return json.Marshal(out)
}
