package tools

import (
	"context"
	"fmt"
	"time"

	"taskflow/internal/llm"
)

// CurrentTimeDefinition describes the current_time local tool.
func CurrentTimeDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "current_time",
		Description: "Returns the current time in RFC 3339 format, optionally in an IANA time zone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{"type": "string"},
			},
		},
	}
}

// CurrentTime returns a current_time handler reading from now.
func CurrentTime(now func() time.Time) Handler {
	if now == nil {
		now = time.Now
	}
	return func(_ context.Context, args map[string]any) (string, error) {
		t := now()
		if zone, ok := args["timezone"].(string); ok && zone != "" {
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q: %w", zone, err)
			}
			t = t.In(loc)
		}
		return t.Format(time.RFC3339), nil
	}
}

// EchoDefinition describes the echo local tool.
func EchoDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "echo",
		Description: "Returns the given text unchanged.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
	}
}

// Echo returns its text argument.
func Echo(_ context.Context, args map[string]any) (string, error) {
	text, ok := args["text"].(string)
	if !ok {
		return "", fmt.Errorf("echo requires a string text argument")
	}
	return text, nil
}

// RegisterBuiltins binds the bundled local handlers.
func (d *Dispatcher) RegisterBuiltins() error {
	if err := d.RegisterLocal(CurrentTimeDefinition().Name, CurrentTime(nil)); err != nil {
		return err
	}
	return d.RegisterLocal(EchoDefinition().Name, Echo)
}
