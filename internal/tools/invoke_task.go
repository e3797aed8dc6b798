package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"taskflow/internal/llm"
	"taskflow/internal/logging"
	"taskflow/internal/memory"
)

// InvokeTaskName is the built-in sub-task tool.
const InvokeTaskName = "invoke_task"

// InvokeTaskDefinition describes invoke_task to the model.
func InvokeTaskDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        InvokeTaskName,
		Description: "Run another task from the task list by id and return its final message. Use input to override the task's input.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"taskId": map[string]any{
					"type":        "string",
					"description": "Id of the task to run",
				},
				"input": map[string]any{
					"type":        "string",
					"description": "Optional input replacing the task's declared input",
				},
			},
			"required": []any{"taskId"},
		},
	}
}

type invokeTaskResponse struct {
	OK          bool   `json:"ok"`
	TaskID      string `json:"taskId"`
	LastMessage string `json:"lastMessage"`
}

// invokeTask runs a sub-task after checking, in order, the depth bound, the
// active chain and the task index.
func (d *Dispatcher) invokeTask(ctx context.Context, scope Scope, args map[string]any, invoking *memory.Memory) Result {
	logger := logging.FromContext(ctx, d.logger)

	targetID, _ := args["taskId"].(string)
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return Failure(KindInvalidArguments, fmt.Errorf("%s requires a string taskId", InvokeTaskName))
	}
	if scope == nil {
		return Failure(KindSubtaskFailed, fmt.Errorf("%s is unavailable outside a task run", InvokeTaskName))
	}

	if depth := scope.Depth(); depth >= d.config.MaxDepth {
		return Failure(KindDepthExceeded, fmt.Errorf("max task depth %d exceeded invoking %s", d.config.MaxDepth, targetID))
	}

	chain := scope.Chain()
	for _, id := range chain {
		if id == targetID {
			path := strings.Join(append(chain, targetID), " -> ")
			return Failure(KindCycleDetected, fmt.Errorf("cycle detected: %s", path))
		}
	}

	target, ok := scope.Lookup(targetID)
	if !ok {
		return Failure(KindTaskNotFound, fmt.Errorf("task not found: %s", targetID))
	}

	target = target.Clone()
	if input, ok := args["input"].(string); ok && strings.TrimSpace(input) != "" {
		target = target.WithInput(input)
	}

	var inherited memory.Config
	if invoking != nil {
		inherited = invoking.ToConfig()
	}

	logger.Info("Invoking sub-task %s at depth %d", targetID, scope.Depth()+1)
	lastMessage, err := scope.RunSubtask(ctx, target, inherited)
	if err != nil {
		return Failure(KindSubtaskFailed, fmt.Errorf("sub-task %s failed: %w", targetID, err))
	}

	data, err := json.Marshal(invokeTaskResponse{OK: true, TaskID: targetID, LastMessage: lastMessage})
	if err != nil {
		return Failure(KindSubtaskFailed, fmt.Errorf("encode sub-task result: %w", err))
	}
	return Success(string(data))
}
