// Package task defines the two task shapes the engine runs: a one-shot chat
// task and an iterative agent task. Task is a closed sum type; callers switch
// exhaustively over *ChatTask and *AgentTask.
package task

import (
	"fmt"
	"maps"

	"taskflow/internal/llm"
	"taskflow/internal/mcp"
	"taskflow/internal/memory"
)

// Kind discriminates task shapes in task files.
type Kind string

const (
	KindChat  Kind = "chat"
	KindAgent Kind = "agent"
)

// Task is implemented only by *ChatTask and *AgentTask.
type Task interface {
	Base() *Common
	Kind() Kind
	Clone() Task
	// WithInput returns a copy with input applied to the seed field.
	WithInput(input string) Task
	isTask()
}

// Common holds fields shared by every task shape.
type Common struct {
	ID         string               `yaml:"id"`
	Model      string               `yaml:"model"`
	Sampling   llm.Sampling         `yaml:",inline"`
	MCPServers []mcp.ProviderConfig `yaml:"mcp_servers"`
	Tools      []string             `yaml:"tools"`
	Tool       *llm.ToolDefinition  `yaml:"tool"`
}

// Base returns the shared fields.
func (c *Common) Base() *Common {
	return c
}

// UsesTools reports whether the task declares an explicit tool or any
// provider allow-list entries.
func (c *Common) UsesTools() bool {
	return c.Tool != nil || len(c.Tools) > 0
}

// Provider returns the MCP provider config with the given name.
func (c *Common) Provider(name string) (mcp.ProviderConfig, bool) {
	for _, p := range c.MCPServers {
		if p.Name == name {
			return p, true
		}
	}
	return mcp.ProviderConfig{}, false
}

func (c Common) clone() Common {
	out := c
	out.Sampling = cloneSampling(c.Sampling)
	out.Tools = append([]string(nil), c.Tools...)
	if c.MCPServers != nil {
		out.MCPServers = make([]mcp.ProviderConfig, len(c.MCPServers))
		for i, p := range c.MCPServers {
			p.Args = append([]string(nil), p.Args...)
			p.Env = maps.Clone(p.Env)
			out.MCPServers[i] = p
		}
	}
	if c.Tool != nil {
		tool := *c.Tool
		tool.Parameters = cloneValue(c.Tool.Parameters).(map[string]any)
		out.Tool = &tool
	}
	return out
}

// ChatTask issues exactly one model call.
type ChatTask struct {
	Common       `yaml:",inline"`
	SystemPrompt string `yaml:"system_prompt"`
	Description  string `yaml:"description"`
}

func (*ChatTask) isTask() {}

// Kind implements Task.
func (*ChatTask) Kind() Kind { return KindChat }

// Clone implements Task.
func (t *ChatTask) Clone() Task {
	out := *t
	out.Common = t.Common.clone()
	return &out
}

// WithInput replaces the user description.
func (t *ChatTask) WithInput(input string) Task {
	out := t.Clone().(*ChatTask)
	out.Description = input
	return out
}

// AgentTask iterates model calls and tool executions.
type AgentTask struct {
	Common  `yaml:",inline"`
	Memory  memory.Config `yaml:"memory"`
	Input   string        `yaml:"input"`
	Outcome string        `yaml:"outcome"`
}

func (*AgentTask) isTask() {}

// Kind implements Task.
func (*AgentTask) Kind() Kind { return KindAgent }

// Clone implements Task.
func (t *AgentTask) Clone() Task {
	out := *t
	out.Common = t.Common.clone()
	out.Memory = t.Memory.Clone()
	return &out
}

// WithInput replaces the seed input.
func (t *AgentTask) WithInput(input string) Task {
	out := t.Clone().(*AgentTask)
	out.Input = input
	return out
}

// UnknownKindError is returned for a task shape the engine cannot run.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown task kind: %q", e.Kind)
}

func cloneSampling(s llm.Sampling) llm.Sampling {
	out := llm.Sampling{}
	if s.Temperature != nil {
		v := *s.Temperature
		out.Temperature = &v
	}
	if s.TopP != nil {
		v := *s.TopP
		out.TopP = &v
	}
	if s.MaxTokens != nil {
		v := *s.MaxTokens
		out.MaxTokens = &v
	}
	if s.Seed != nil {
		v := *s.Seed
		out.Seed = &v
	}
	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		if value == nil {
			return value
		}
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
