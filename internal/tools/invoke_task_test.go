package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	tferrors "taskflow/internal/errors"
	"taskflow/internal/llm"
	"taskflow/internal/memory"
	"taskflow/internal/task"
)

func invokeCall(args string) llm.ToolCall {
	return llm.NewToolCall("call-1", InvokeTaskName, args)
}

func resolvedSet(t *testing.T, d *Dispatcher) *Toolset {
	t.Helper()
	set, err := d.Resolve(context.Background(), agentTask("caller"))
	require.NoError(t, err)
	return set
}

func TestInvokeTaskRunsClonedTargetWithInheritedMemory(t *testing.T) {
	d := newTestDispatcher(&fakeProviders{}, DefaultConfig())
	target := &task.AgentTask{Common: task.Common{ID: "child"}, Input: "declared"}
	scope := &fakeScope{
		depth: 0,
		chain: []string{"caller"},
		tasks: map[string]task.Task{"child": target},
		reply: "done",
	}
	invoking := memory.New(memory.Config{Context: []string{"parent ctx"}})
	invoking.AppendUser("parent question")

	result := d.Dispatch(context.Background(), scope, resolvedSet(t, d), invokeCall(`{"taskId":"child","input":"override"}`), invoking)
	require.Equal(t, KindOK, result.Kind)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Wire()), &payload))
	require.Equal(t, true, payload["ok"])
	require.Equal(t, "child", payload["taskId"])
	require.Equal(t, "done", payload["lastMessage"])

	require.Len(t, scope.ran, 1)
	require.Equal(t, "override", scope.ran[0].(*task.AgentTask).Input)
	require.Equal(t, "declared", target.Input)
	require.Equal(t, []string{"parent ctx"}, scope.inherit[0].Context)
	require.Equal(t, "parent question", scope.inherit[0].History[0].Content)
}

func TestInvokeTaskChecksRunInOrder(t *testing.T) {
	d := newTestDispatcher(&fakeProviders{}, DefaultConfig())
	set := resolvedSet(t, d)
	tasks := map[string]task.Task{"a": agentTask("a"), "b": agentTask("b")}

	cases := []struct {
		name  string
		scope *fakeScope
		args  string
		kind  ResultKind
		msg   string
	}{
		{
			name:  "depth checked before cycle",
			scope: &fakeScope{depth: 3, chain: []string{"a"}, tasks: tasks},
			args:  `{"taskId":"a"}`,
			kind:  KindDepthExceeded,
			msg:   "max task depth 3",
		},
		{
			name:  "self invocation",
			scope: &fakeScope{chain: []string{"a"}, tasks: tasks},
			args:  `{"taskId":"a"}`,
			kind:  KindCycleDetected,
			msg:   "cycle detected: a -> a",
		},
		{
			name:  "cycle through chain",
			scope: &fakeScope{depth: 2, chain: []string{"a", "b", "c"}, tasks: tasks},
			args:  `{"taskId":"b"}`,
			kind:  KindCycleDetected,
			msg:   "cycle detected: a -> b -> c -> b",
		},
		{
			name:  "cycle checked before lookup",
			scope: &fakeScope{chain: []string{"ghost"}, tasks: tasks},
			args:  `{"taskId":"ghost"}`,
			kind:  KindCycleDetected,
		},
		{
			name:  "unknown target",
			scope: &fakeScope{chain: []string{"a"}, tasks: tasks},
			args:  `{"taskId":"ghost"}`,
			kind:  KindTaskNotFound,
			msg:   "task not found: ghost",
		},
		{
			name:  "missing task id",
			scope: &fakeScope{chain: []string{"a"}, tasks: tasks},
			args:  `{"input":"x"}`,
			kind:  KindInvalidArguments,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := d.Dispatch(context.Background(), tc.scope, set, invokeCall(tc.args), nil)
			require.Equal(t, tc.kind, result.Kind)
			require.False(t, result.Fatal())
			require.Empty(t, tc.scope.ran)
			if tc.msg != "" {
				require.Contains(t, result.Err.Error(), tc.msg)
			}
		})
	}
}

func TestInvokeTaskSurfacesNestedFailure(t *testing.T) {
	d := newTestDispatcher(&fakeProviders{}, DefaultConfig())
	scope := &fakeScope{
		chain:  []string{"a"},
		tasks:  map[string]task.Task{"b": agentTask("b")},
		runErr: errors.New("model exploded"),
	}
	result := d.Dispatch(context.Background(), scope, resolvedSet(t, d), invokeCall(`{"taskId":"b"}`), nil)
	require.Equal(t, KindSubtaskFailed, result.Kind)
	require.False(t, result.Fatal())
	require.False(t, result.Rejected())
	require.Contains(t, result.Wire(), "model exploded")
}

func TestInvokeTaskHonoursConfiguredDepth(t *testing.T) {
	d := newTestDispatcher(&fakeProviders{}, Config{MaxDepth: 1, EnableInvokeTask: true})
	scope := &fakeScope{depth: 1, chain: []string{"a"}, tasks: map[string]task.Task{"b": agentTask("b")}}
	result := d.Dispatch(context.Background(), scope, resolvedSet(t, d), invokeCall(`{"taskId":"b"}`), nil)
	require.Equal(t, KindDepthExceeded, result.Kind)
	require.True(t, result.Rejected())
}

func TestResultWire(t *testing.T) {
	require.Equal(t, "plain", Success("plain").Wire())
	require.JSONEq(t, `{"error":"boom","kind":"tool_failure"}`, Failure(KindToolFailure, errors.New("boom")).Wire())
	require.JSONEq(t, `{"error":"unknown_tool","kind":"unknown_tool"}`, Failure(KindUnknownTool, nil).Wire())
}

func TestResultWireFormatsUpstreamFailures(t *testing.T) {
	limited := &tferrors.HTTPStatusError{StatusCode: 429, Body: "secret quota details"}
	wire := Failure(KindToolFailure, limited).Wire()
	require.Contains(t, wire, "Rate limit reached upstream")
	require.NotContains(t, wire, "secret quota details")

	nested := fmt.Errorf("sub-task b failed: %w", &tferrors.HTTPStatusError{StatusCode: 502})
	require.Contains(t, Failure(KindSubtaskFailed, nested).Wire(), "temporarily unavailable")

	// Argument problems keep the raw message so the model can correct them.
	rejected := Failure(KindInvalidArguments, &tferrors.HTTPStatusError{StatusCode: 429})
	require.Contains(t, rejected.Wire(), "http status 429")
}
