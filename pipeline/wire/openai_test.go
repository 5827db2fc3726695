package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/BaSui01/routecodex/types"
)

func TestDecodeOpenAIChatRequest_Basic(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		],
		"max_tokens": 256,
		"temperature": 0.7,
		"stop": "END",
		"stream": true
	}`)

	env, err := DecodeOpenAIChatRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", env.Model)
	require.Len(t, env.Messages, 2)
	assert.Equal(t, types.RoleSystem, env.Messages[0].Role)
	assert.Equal(t, "hello", env.Messages[1].Content)
	assert.Equal(t, 256, env.MaxTokens)
	assert.InDelta(t, 0.7, env.Temperature, 1e-9)
	assert.Equal(t, []string{"END"}, env.Stop, "字符串 stop 归一为单元素数组")
	assert.True(t, env.Stream)
}

func TestDecodeOpenAIChatRequest_ToolCallsAndParts(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "describe"},
				{"type": "image_url", "image_url": {"url": "https://x/img.png"}}
			]},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\":\"sf\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		],
		"tools": [
			{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object"}}}
		],
		"tool_choice": "auto"
	}`)

	env, err := DecodeOpenAIChatRequest(body)
	require.NoError(t, err)

	require.Len(t, env.Messages, 3)
	require.Len(t, env.Messages[0].Parts, 2)
	assert.Equal(t, "https://x/img.png", env.Messages[0].Parts[1].ImageURL)

	require.Len(t, env.Messages[1].ToolCalls, 1)
	assert.Equal(t, "get_weather", env.Messages[1].ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"sf"}`, string(env.Messages[1].ToolCalls[0].Arguments))

	assert.Equal(t, types.RoleTool, env.Messages[2].Role)
	assert.Equal(t, "call_1", env.Messages[2].ToolCallID)

	require.Len(t, env.Tools, 1)
	assert.Equal(t, "auto", env.ToolChoice)
}

func TestDecodeOpenAIChatRequest_UnknownFieldsGoToExtra(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"logit_bias": {"50256": -100},
		"seed": 42
	}`)

	env, err := DecodeOpenAIChatRequest(body)
	require.NoError(t, err)
	assert.Contains(t, env.Extra, "logit_bias")
	assert.Contains(t, env.Extra, "seed")

	// 回程编码必须携带未知字段
	encoded, err := EncodeOpenAIChatRequest(env)
	require.NoError(t, err)
	assert.Equal(t, int64(42), gjson.GetBytes(encoded, "seed").Int())
	assert.Equal(t, int64(-100), gjson.GetBytes(encoded, "logit_bias.50256").Int())
}

func TestDecodeOpenAIChatRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"非 JSON", `{broken`},
		{"缺 model", `{"messages":[{"role":"user","content":"x"}]}`},
		{"空 messages", `{"model":"m","messages":[]}`},
		{"content 类型错误", `{"model":"m","messages":[{"role":"user","content":42}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOpenAIChatRequest([]byte(tt.body))
			require.Error(t, err)
			te := types.AsError(err)
			assert.Equal(t, types.CodeInvalidRequest, te.Code)
			assert.Equal(t, types.KindBadRequest, te.Kind)
		})
	}
}

func TestOpenAIChatRequest_RoundTrip(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi there"}
		],
		"max_tokens": 128,
		"temperature": 0.5,
		"top_p": 0.9,
		"stop": ["a", "b"],
		"reasoning_effort": "high"
	}`)

	env, err := DecodeOpenAIChatRequest(body)
	require.NoError(t, err)
	encoded, err := EncodeOpenAIChatRequest(env)
	require.NoError(t, err)

	assert.JSONEq(t, string(body), string(encoded))
}

func TestDecodeOpenAIChatResponse(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1724500000,
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": null,
				"tool_calls": [{
					"id": "call_9",
					"type": "function",
					"function": {"name": "lookup", "arguments": "{}"}
				}]
			}
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)

	result, err := DecodeOpenAIChatResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", result.ID)
	require.Len(t, result.Choices, 1)
	assert.Equal(t, "tool_calls", result.Choices[0].FinishReason)
	require.Len(t, result.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "lookup", result.Choices[0].Message.ToolCalls[0].Name)
	assert.Equal(t, 15, result.Usage.TotalTokens)
}

func TestEncodeOpenAIChatResponse_MetadataStamp(t *testing.T) {
	result := &types.ChatResult{
		ID:      "resp-1",
		Model:   "glm-4.6",
		Created: 1724500000,
		Choices: []types.ChatChoice{{
			FinishReason: "stop",
			Message:      types.Message{Role: types.RoleAssistant, Content: "done"},
		}},
		Usage:    types.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		Metadata: map[string]string{"requestId": "req-1", "providerKey": "glm#main"},
	}

	encoded, err := EncodeOpenAIChatResponse(result)
	require.NoError(t, err)
	assert.Equal(t, "chat.completion", gjson.GetBytes(encoded, "object").String())
	assert.Equal(t, "done", gjson.GetBytes(encoded, "choices.0.message.content").String())
	assert.Equal(t, "req-1", gjson.GetBytes(encoded, "_metadata.requestId").String())
}

func TestDecodeStop(t *testing.T) {
	assert.Equal(t, []string{"x"}, decodeStop(json.RawMessage(`"x"`)))
	assert.Equal(t, []string{"a", "b"}, decodeStop(json.RawMessage(`["a","b"]`)))
	assert.Nil(t, decodeStop(json.RawMessage(`42`)))
}
