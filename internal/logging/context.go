package logging

import (
	"context"
	"strings"

	"taskflow/internal/ids"
)

// FromContext returns a logger that prefixes each line with the run, task
// and task-run identifiers found in ctx. Without identifiers it returns
// logger unchanged. A component logger keeps writing to its sink directly
// so the reported caller stays the logging call site.
func FromContext(ctx context.Context, logger Logger) Logger {
	logger = OrNop(logger)
	prefix := contextPrefix(ids.FromContext(ctx))
	if prefix == "" {
		return logger
	}
	switch l := logger.(type) {
	case *ComponentLogger:
		scoped := *l
		scoped.prefix = prefix
		return &scoped
	case *prefixLogger:
		return FromContext(ctx, l.logger)
	default:
		return &prefixLogger{logger: logger, prefix: prefix}
	}
}

func contextPrefix(v ids.IDs) string {
	var parts []string
	if v.RunID != "" {
		parts = append(parts, "run="+v.RunID)
	}
	if v.TaskID != "" {
		parts = append(parts, "task="+v.TaskID)
	}
	if v.TaskRunID != "" {
		parts = append(parts, "taskrun="+v.TaskRunID)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ") + " "
}

type prefixLogger struct {
	logger Logger
	prefix string
}

func (l *prefixLogger) Debug(format string, args ...any) {
	l.logger.Debug(l.prefix+format, args...)
}

func (l *prefixLogger) Info(format string, args ...any) {
	l.logger.Info(l.prefix+format, args...)
}

func (l *prefixLogger) Warn(format string, args ...any) {
	l.logger.Warn(l.prefix+format, args...)
}

func (l *prefixLogger) Error(format string, args ...any) {
	l.logger.Error(l.prefix+format, args...)
}
