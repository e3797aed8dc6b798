package agent

import (
	"taskflow/internal/llm"
	"taskflow/internal/task"
	"taskflow/internal/tools"
)

// Observer receives progress of a run. Calls are made synchronously from
// the single run goroutine.
type Observer interface {
	llm.ContentObserver
	OnTaskStart(id string, kind task.Kind, depth int)
	OnToolCall(call llm.ToolCall)
	OnToolResult(call llm.ToolCall, result tools.Result)
	OnTaskEnd(result *TaskResult)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnContent(string)                        {}
func (NopObserver) OnTaskStart(string, task.Kind, int)      {}
func (NopObserver) OnToolCall(llm.ToolCall)                 {}
func (NopObserver) OnToolResult(llm.ToolCall, tools.Result) {}
func (NopObserver) OnTaskEnd(*TaskResult)                   {}
