package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ContentObserver receives content deltas as they arrive.
type ContentObserver interface {
	OnContent(delta string)
}

// ObserverFunc adapts a function to ContentObserver.
type ObserverFunc func(delta string)

// OnContent implements ContentObserver.
func (f ObserverFunc) OnContent(delta string) {
	f(delta)
}

// Turn is the outcome of folding a stream.
type Turn struct {
	Message AssistantMessage
	Usage   *Usage
	Model   string
	// Empty is set when the stream carried neither content nor tool calls.
	Empty bool
}

type toolSlot struct {
	call      ToolCall
	arguments strings.Builder
}

// Accumulate folds every event of stream into one assistant message. Content
// deltas are echoed to observer in arrival order. Tool-call fragments are
// merged by index: id, type and name overwrite, arguments append. The stream
// is closed before returning.
func Accumulate(ctx context.Context, stream *Stream, observer ContentObserver) (*Turn, error) {
	defer stream.Close()

	var (
		content    strings.Builder
		sawContent bool
		slots      = make(map[int]*toolSlot)
		turn       = &Turn{}
	)

	slotFor := func(index int) *toolSlot {
		slot, ok := slots[index]
		if !ok {
			slot = &toolSlot{call: ToolCall{Type: "function"}}
			slots[index] = slot
		}
		return slot
	}

	for {
		ev, ok, err := stream.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("receive stream: %w", err)
		}
		if !ok {
			break
		}
		if ev.Err != nil {
			return nil, ev.Err
		}
		chunk := ev.Chunk
		if chunk == nil {
			continue
		}

		if turn.Model == "" && chunk.Model != "" {
			turn.Model = chunk.Model
		}
		if chunk.Usage != nil {
			usage := *chunk.Usage
			turn.Usage = &usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			sawContent = true
			content.WriteString(delta.Content)
			if observer != nil {
				observer.OnContent(delta.Content)
			}
		}

		for _, fragment := range delta.ToolCalls {
			slot := slotFor(fragment.Index)
			if fragment.ID != "" {
				slot.call.ID = fragment.ID
			}
			if fragment.Type != "" {
				slot.call.Type = fragment.Type
			}
			if fragment.Function != nil {
				if fragment.Function.Name != "" {
					slot.call.Function.Name = fragment.Function.Name
				}
				slot.arguments.WriteString(fragment.Function.Arguments)
			}
		}
	}

	indexes := make([]int, 0, len(slots))
	for index := range slots {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(indexes))
	for _, index := range indexes {
		slot := slots[index]
		call := slot.call
		call.Function.Arguments = slot.arguments.String()
		calls = append(calls, call)
	}

	turn.Message = AssistantMessage{Role: RoleAssistant, ToolCalls: calls}
	if sawContent {
		turn.Message.Content = StringPtr(content.String())
	}
	turn.Empty = !sawContent && len(calls) == 0
	return turn, nil
}
