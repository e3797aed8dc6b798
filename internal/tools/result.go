package tools

import (
	"encoding/json"
	"errors"

	tferrors "taskflow/internal/errors"
)

// ResultKind tags the outcome of one tool dispatch.
type ResultKind string

const (
	KindOK               ResultKind = "ok"
	KindInvalidArguments ResultKind = "invalid_arguments"
	KindUnknownTool      ResultKind = "unknown_tool"
	KindToolFailure      ResultKind = "tool_failure"
	KindDepthExceeded    ResultKind = "depth_exceeded"
	KindCycleDetected    ResultKind = "cycle_detected"
	KindTaskNotFound     ResultKind = "task_not_found"
	KindSubtaskFailed    ResultKind = "subtask_failed"
)

// Result is the outcome of dispatching a tool call. Failures are values fed
// back to the model, never panics or returned errors.
type Result struct {
	Kind    ResultKind
	Content string
	Err     error
	// Suggestion is a repaired form of malformed arguments, when one exists.
	Suggestion string
}

// Success wraps tool output.
func Success(content string) Result {
	return Result{Kind: KindOK, Content: content}
}

// Failure builds a failed result of the given kind.
func Failure(kind ResultKind, err error) Result {
	if err == nil {
		err = errors.New(string(kind))
	}
	return Result{Kind: kind, Err: err}
}

// IsError reports whether the dispatch failed.
func (r Result) IsError() bool {
	return r.Kind != KindOK
}

// Fatal reports whether the failure ends the invoking agent loop. Only
// failures raised by a local handler or provider are fatal; argument,
// lookup and sub-task problems are left for the model to correct.
func (r Result) Fatal() bool {
	return r.Kind == KindToolFailure
}

// Rejected reports whether invoke_task refused to run its target.
func (r Result) Rejected() bool {
	switch r.Kind {
	case KindDepthExceeded, KindCycleDetected, KindTaskNotFound:
		return true
	default:
		return false
	}
}

type wireError struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Wire renders the content the model sees as the tool message.
func (r Result) Wire() string {
	if !r.IsError() {
		return r.Content
	}
	payload := wireError{Kind: string(r.Kind), Suggestion: r.Suggestion}
	switch {
	case r.Err == nil:
	case r.Kind == KindToolFailure || r.Kind == KindSubtaskFailed:
		payload.Error = tferrors.FormatForLLM(r.Err)
	default:
		payload.Error = r.Err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"error":"unencodable tool error"}`
	}
	return string(data)
}
