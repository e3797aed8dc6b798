package ids

import "context"

type contextKey string

const (
	runKey     contextKey = "taskflow_run_id"
	taskKey    contextKey = "taskflow_task_id"
	taskRunKey contextKey = "taskflow_task_run_id"
	parentKey  contextKey = "taskflow_parent_task_run_id"
)

// IDs captures the identifiers attached to a task execution.
type IDs struct {
	RunID           string
	TaskID          string
	TaskRunID       string
	ParentTaskRunID string
}

// WithRunID stores the run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// WithTaskID stores the declared task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithTaskRunID stores the identifier of one task execution on the context.
// Any task run already present becomes the parent.
func WithTaskRunID(ctx context.Context, taskRunID string) context.Context {
	if taskRunID == "" {
		return ctx
	}
	if parent := TaskRunIDFromContext(ctx); parent != "" {
		ctx = context.WithValue(ctx, parentKey, parent)
	}
	return context.WithValue(ctx, taskRunKey, taskRunID)
}

// RunIDFromContext extracts the run identifier from context.
func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runKey)
}

// TaskIDFromContext extracts the task identifier from context.
func TaskIDFromContext(ctx context.Context) string {
	return stringValue(ctx, taskKey)
}

// TaskRunIDFromContext extracts the task run identifier from context.
func TaskRunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, taskRunKey)
}

// ParentTaskRunIDFromContext extracts the invoking task run identifier, if any.
func ParentTaskRunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, parentKey)
}

// FromContext returns every identifier present on the context.
func FromContext(ctx context.Context) IDs {
	return IDs{
		RunID:           RunIDFromContext(ctx),
		TaskID:          TaskIDFromContext(ctx),
		TaskRunID:       TaskRunIDFromContext(ctx),
		ParentTaskRunID: ParentTaskRunIDFromContext(ctx),
	}
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
