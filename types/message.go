package types

import "encoding/json"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation emitted by a model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     string `json:"type"` // text / image_url / input_image
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is one turn of the canonical chat envelope.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ToolSchema describes one tool offered to the model (JSON Schema parameters).
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Usage is the token accounting block of an upstream response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatEnvelope 是 Hub 流水线内部的协议无关聊天载体。
// LLMSwitch 在 incoming 阶段把客户端线格式转换为该载体，outgoing 阶段再逆转换；
// 转换必须保形：outgoing(incoming(x)) 与 x 等价（允许附加 _metadata 戳记）。
type ChatEnvelope struct {
	Model           string            `json:"model"`
	Messages        []Message         `json:"messages"`
	Tools           []ToolSchema      `json:"tools,omitempty"`
	ToolChoice      string            `json:"tool_choice,omitempty"`
	MaxTokens       int               `json:"max_tokens,omitempty"`
	Temperature     float64           `json:"temperature,omitempty"`
	TopP            float64           `json:"top_p,omitempty"`
	Stop            []string          `json:"stop,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
	Metadata        map[string]string `json:"_metadata,omitempty"`
	// Extra 保留各协议特有但路由不关心的字段，原样透传。
	Extra map[string]json.RawMessage `json:"-"`
}

// ChatChoice is one completion alternative in canonical form.
type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

// ChatResult 是上游缓冲响应的规范形式，由 LLMSwitch 在 outgoing 阶段
// 转换回客户端协议。
type ChatResult struct {
	ID       string            `json:"id,omitempty"`
	Model    string            `json:"model,omitempty"`
	Choices  []ChatChoice      `json:"choices"`
	Usage    Usage             `json:"usage,omitempty"`
	Created  int64             `json:"created,omitempty"`
	Metadata map[string]string `json:"_metadata,omitempty"`
}
