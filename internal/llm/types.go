package llm

import "context"

// Message roles understood by chat-completion backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a chat-completion request.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested invocation. Arguments are opaque JSON text.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its raw arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model. Provider, when set,
// routes execution to the named MCP provider.
type ToolDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters"`
	Provider    string         `json:"-" yaml:"-"`
}

// Sampling carries optional generation parameters.
type Sampling struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Seed        *int     `json:"seed,omitempty" yaml:"seed"`
}

// CompletionRequest is a single chat-completion request.
type CompletionRequest struct {
	Model      string
	Messages   []Message
	Tools      []ToolDefinition
	ToolChoice string
	Sampling   Sampling
}

// Usage reports token consumption for a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if u == nil || other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Chunk is one streamed completion delta.
type Chunk struct {
	Model   string        `json:"model,omitempty"`
	Usage   *Usage        `json:"usage,omitempty"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice holds the delta for one choice of a chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Delta is the incremental part of a streamed message.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a tool call, keyed by Index.
type ToolCallDelta struct {
	Index    int            `json:"index"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function *FunctionDelta `json:"function,omitempty"`
}

// FunctionDelta is a fragment of a function name and arguments.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// AssistantMessage is a fully reconstructed model reply. Content is nil when
// the model produced no content bytes.
type AssistantMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// Text returns the content or an empty string.
func (m AssistantMessage) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// ToMessage converts the reply into a request message.
func (m AssistantMessage) ToMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   m.Text(),
		ToolCalls: append([]ToolCall(nil), m.ToolCalls...),
	}
}

// CompletionResponse is the result of a non-streaming request.
type CompletionResponse struct {
	Model   string
	Message AssistantMessage
	Usage   *Usage
}

// Client talks to a chat-completion backend.
type Client interface {
	// Stream opens a streamed completion. Transport and status failures are
	// returned directly; failures after the response started arrive as
	// events on the stream.
	Stream(ctx context.Context, req CompletionRequest) (*Stream, error)
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
