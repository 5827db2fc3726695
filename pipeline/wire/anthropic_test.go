package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/BaSui01/routecodex/types"
)

func TestDecodeAnthropicRequest_SystemAndBlocks(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": "you are terse",
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "let me check"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "sf"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"}
			]}
		],
		"stop_sequences": ["\n\n"],
		"stream": true
	}`)

	env, err := DecodeAnthropicRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", env.Model)
	assert.Equal(t, 1024, env.MaxTokens)
	assert.True(t, env.Stream)
	assert.Equal(t, []string{"\n\n"}, env.Stop)

	require.Len(t, env.Messages, 4)
	assert.Equal(t, types.RoleSystem, env.Messages[0].Role)
	assert.Equal(t, "you are terse", env.Messages[0].Content)
	assert.Equal(t, "hello", env.Messages[1].Content)

	asst := env.Messages[2]
	assert.Equal(t, types.RoleAssistant, asst.Role)
	assert.Equal(t, "let me check", asst.Content)
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "toolu_1", asst.ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"sf"}`, string(asst.ToolCalls[0].Arguments))

	toolTurn := env.Messages[3]
	assert.Equal(t, types.RoleTool, toolTurn.Role)
	assert.Equal(t, "toolu_1", toolTurn.ToolCallID)
	assert.Equal(t, "sunny", toolTurn.Content)
}

func TestDecodeAnthropicRequest_ToolChoiceMapping(t *testing.T) {
	env, err := DecodeAnthropicRequest([]byte(`{"model":"claude-sonnet-4","max_tokens":100,
		"messages":[{"role":"user","content":"x"}],"tool_choice":{"type":"auto"}}`))
	require.NoError(t, err)
	assert.Equal(t, "auto", env.ToolChoice)

	env, err = DecodeAnthropicRequest([]byte(`{"model":"claude-sonnet-4","max_tokens":100,
		"messages":[{"role":"user","content":"x"}],"tool_choice":{"type":"any"}}`))
	require.NoError(t, err)
	assert.Equal(t, "required", env.ToolChoice, "any 映射为 required")

	// 指名工具的形式原样透传
	env, err = DecodeAnthropicRequest([]byte(`{"model":"claude-sonnet-4","max_tokens":100,
		"messages":[{"role":"user","content":"x"}],"tool_choice":{"type":"tool","name":"lookup"}}`))
	require.NoError(t, err)
	assert.Empty(t, env.ToolChoice)
	assert.Contains(t, env.Extra, "tool_choice")
}

func TestEncodeAnthropicRequest_DefaultMaxTokens(t *testing.T) {
	env := &types.ChatEnvelope{
		Model:    "claude-sonnet-4",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}
	encoded, err := EncodeAnthropicRequest(env)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), gjson.GetBytes(encoded, "max_tokens").Int(),
		"max_tokens 缺省时补默认值")
}

func TestEncodeAnthropicRequest_SystemAndToolTurns(t *testing.T) {
	env := &types.ChatEnvelope{
		Model:     "claude-sonnet-4",
		MaxTokens: 512,
		Messages: []types.Message{
			{Role: types.RoleSystem, Content: "be terse"},
			{Role: types.RoleUser, Content: "weather?"},
			{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{
				{ID: "toolu_1", Name: "get_weather", Arguments: []byte(`{"city":"sf"}`)},
			}},
			{Role: types.RoleTool, ToolCallID: "toolu_1", Content: "sunny"},
		},
		Tools: []types.ToolSchema{
			{Name: "get_weather", Parameters: []byte(`{"type":"object"}`)},
		},
		ToolChoice: "required",
	}

	encoded, err := EncodeAnthropicRequest(env)
	require.NoError(t, err)

	assert.Equal(t, "be terse", gjson.GetBytes(encoded, "system").String(),
		"system 轮次上提为顶层 system 字段")
	assert.Equal(t, "any", gjson.GetBytes(encoded, "tool_choice.type").String())
	assert.Equal(t, "get_weather", gjson.GetBytes(encoded, "tools.0.name").String())

	msgs := gjson.GetBytes(encoded, "messages").Array()
	require.Len(t, msgs, 3, "system 不占 messages 轮次")
	assert.Equal(t, "tool_use", msgs[1].Get("content.0.type").String())
	assert.Equal(t, "user", msgs[2].Get("role").String(), "tool 轮次编码为 user 的 tool_result 块")
	assert.Equal(t, "tool_result", msgs[2].Get("content.0.type").String())
	assert.Equal(t, "toolu_1", msgs[2].Get("content.0.tool_use_id").String())
}

func TestAnthropicRequest_RoundTripThroughCanonical(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 256,
		"system": "be terse",
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi"}
		],
		"temperature": 0.3
	}`)

	env, err := DecodeAnthropicRequest(body)
	require.NoError(t, err)
	encoded, err := EncodeAnthropicRequest(env)
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(encoded))
}

func TestDecodeAnthropicResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4",
		"content": [
			{"type": "text", "text": "the weather is "},
			{"type": "text", "text": "sunny"},
			{"type": "tool_use", "id": "toolu_2", "name": "log", "input": {}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 20, "output_tokens": 10}
	}`)

	result, err := DecodeAnthropicResponse(body)
	require.NoError(t, err)
	require.Len(t, result.Choices, 1)
	assert.Equal(t, "the weather is sunny", result.Choices[0].Message.Content)
	assert.Equal(t, "tool_calls", result.Choices[0].FinishReason)
	require.Len(t, result.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, 30, result.Usage.TotalTokens)
}

func TestEncodeAnthropicResponse(t *testing.T) {
	result := &types.ChatResult{
		ID:    "resp-2",
		Model: "glm-4.6",
		Choices: []types.ChatChoice{{
			FinishReason: "length",
			Message:      types.Message{Role: types.RoleAssistant, Content: "truncat"},
		}},
		Usage: types.Usage{PromptTokens: 8, CompletionTokens: 100, TotalTokens: 108},
	}

	encoded, err := EncodeAnthropicResponse(result)
	require.NoError(t, err)
	assert.Equal(t, "message", gjson.GetBytes(encoded, "type").String())
	assert.Equal(t, "max_tokens", gjson.GetBytes(encoded, "stop_reason").String())
	assert.Equal(t, "truncat", gjson.GetBytes(encoded, "content.0.text").String())
	assert.Equal(t, int64(100), gjson.GetBytes(encoded, "usage.output_tokens").Int())
}

func TestStopReasonMapping(t *testing.T) {
	assert.Equal(t, "stop", stopReasonToFinish("end_turn"))
	assert.Equal(t, "stop", stopReasonToFinish("stop_sequence"))
	assert.Equal(t, "length", stopReasonToFinish("max_tokens"))
	assert.Equal(t, "tool_calls", stopReasonToFinish("tool_use"))

	assert.Equal(t, "end_turn", finishToStopReason("stop"))
	assert.Equal(t, "end_turn", finishToStopReason(""))
	assert.Equal(t, "max_tokens", finishToStopReason("length"))
	assert.Equal(t, "tool_use", finishToStopReason("tool_calls"))
}
