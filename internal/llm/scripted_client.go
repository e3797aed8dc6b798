package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptStep is one scripted reply: either a stream of events or an error
// returned when the stream is opened.
type ScriptStep struct {
	Events []StreamEvent
	Err    error
}

// ReplyText scripts a plain text reply.
func ReplyText(text string) ScriptStep {
	return ScriptStep{Events: ChunkEvents(Chunk{Choices: []ChunkChoice{{Delta: Delta{Content: text}}}})}
}

// ReplyToolCalls scripts a reply requesting the given tool calls, optionally
// preceded by content.
func ReplyToolCalls(content string, calls ...ToolCall) ScriptStep {
	fragments := make([]ToolCallDelta, 0, len(calls))
	for i, call := range calls {
		fragments = append(fragments, ToolCallDelta{
			Index:    i,
			ID:       call.ID,
			Type:     "function",
			Function: &FunctionDelta{Name: call.Function.Name, Arguments: call.Function.Arguments},
		})
	}
	return ScriptStep{Events: ChunkEvents(Chunk{Choices: []ChunkChoice{{Delta: Delta{Content: content, ToolCalls: fragments}}}})}
}

// FailWith scripts an error when the stream is opened.
func FailWith(err error) ScriptStep {
	return ScriptStep{Err: err}
}

// NewToolCall builds a function tool call.
func NewToolCall(id, name, arguments string) ToolCall {
	return ToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: arguments}}
}

// ScriptedClient replays a fixed sequence of replies. It records every
// request it receives and fails once the script is exhausted.
type ScriptedClient struct {
	mu       sync.Mutex
	steps    []ScriptStep
	requests []CompletionRequest
}

var _ Client = (*ScriptedClient)(nil)

// NewScriptedClient creates a client replaying steps in order.
func NewScriptedClient(steps ...ScriptStep) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

// Push appends more steps to the script.
func (c *ScriptedClient) Push(steps ...ScriptStep) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, steps...)
}

func (c *ScriptedClient) next(req CompletionRequest) (ScriptStep, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.steps) == 0 {
		return ScriptStep{}, fmt.Errorf("scripted client: no reply for request %d", len(c.requests))
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	return step, nil
}

// Stream implements Client.
func (c *ScriptedClient) Stream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step, err := c.next(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return StreamOf(step.Events...), nil
}

// Complete implements Client by folding the next scripted stream.
func (c *ScriptedClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	stream, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	turn, err := Accumulate(ctx, stream, nil)
	if err != nil {
		return nil, err
	}
	return &CompletionResponse{Model: turn.Model, Message: turn.Message, Usage: turn.Usage}, nil
}

// Calls returns how many requests were made.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns a copy of every recorded request.
func (c *ScriptedClient) Requests() []CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CompletionRequest(nil), c.requests...)
}
