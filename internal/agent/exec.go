package agent

import (
	"context"

	"taskflow/internal/memory"
	"taskflow/internal/task"
	"taskflow/internal/tools"
)

// Chain is the immutable set of task ids active along one invocation path,
// kept in the order they were entered.
type Chain struct {
	ids []string
}

// NewChain creates a chain holding ids.
func NewChain(ids ...string) Chain {
	return Chain{ids: append([]string(nil), ids...)}
}

// With returns a new chain extended by id. c is left untouched.
func (c Chain) With(id string) Chain {
	next := make([]string, len(c.ids), len(c.ids)+1)
	copy(next, c.ids)
	return Chain{ids: append(next, id)}
}

// Contains reports whether id is active in the chain.
func (c Chain) Contains(id string) bool {
	for _, existing := range c.ids {
		if existing == id {
			return true
		}
	}
	return false
}

// IDs returns a copy of the chain in entry order.
func (c Chain) IDs() []string {
	return append([]string(nil), c.ids...)
}

// Len returns the number of active ids.
func (c Chain) Len() int {
	return len(c.ids)
}

// ExecContext is the immutable bundle threaded through one invocation path.
type ExecContext struct {
	Tasks        map[string]task.Task
	DefaultModel string
	Runtime      *Runtime
	Depth        int
	Chain        Chain
}

// Descend returns the context of a nested invocation of id.
func (e ExecContext) Descend(id string) ExecContext {
	e.Depth++
	e.Chain = e.Chain.With(id)
	return e
}

// Lookup finds a task by id.
func (e ExecContext) Lookup(id string) (task.Task, bool) {
	t, ok := e.Tasks[id]
	return t, ok
}

// taskScope exposes an ExecContext to the dispatcher's invoke_task tool.
type taskScope struct {
	runner *Runner
	exec   ExecContext
}

var _ tools.Scope = taskScope{}

func (s taskScope) Depth() int      { return s.exec.Depth }
func (s taskScope) Chain() []string { return s.exec.Chain.IDs() }

func (s taskScope) Lookup(id string) (task.Task, bool) {
	return s.exec.Lookup(id)
}

func (s taskScope) RunSubtask(ctx context.Context, target task.Task, inherited memory.Config) (string, error) {
	child := s.exec.Descend(target.Base().ID)
	result, err := s.runner.RunTask(ctx, child, target, inherited)
	if err != nil {
		return "", err
	}
	return result.LastMessage, nil
}
