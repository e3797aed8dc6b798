package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tferrors "taskflow/internal/errors"
	"taskflow/internal/llm"
	"taskflow/internal/logging"
	"taskflow/internal/mcp"
	"taskflow/internal/memory"
	"taskflow/internal/task"
	"taskflow/internal/tools"
)

type stubProviders struct {
	mu        sync.Mutex
	tools     map[string][]llm.ToolDefinition
	results   map[string]*mcp.ToolCallResult
	shutdowns int
}

func (p *stubProviders) ListTools(_ context.Context, config mcp.ProviderConfig) ([]llm.ToolDefinition, error) {
	return p.tools[config.Name], nil
}

func (p *stubProviders) CallTool(_ context.Context, _ mcp.ProviderConfig, name string, _ map[string]any) (*mcp.ToolCallResult, error) {
	return p.results[name], nil
}

func (p *stubProviders) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	return nil
}

type recordingObserver struct {
	NopObserver
	content []string
	ended   []*TaskResult
	calls   []llm.ToolCall
}

func (o *recordingObserver) OnContent(delta string)       { o.content = append(o.content, delta) }
func (o *recordingObserver) OnToolCall(call llm.ToolCall) { o.calls = append(o.calls, call) }
func (o *recordingObserver) OnTaskEnd(result *TaskResult) { o.ended = append(o.ended, result) }

func (o *recordingObserver) result(id string) *TaskResult {
	for _, r := range o.ended {
		if r.TaskID == id {
			return r
		}
	}
	return nil
}

type harness struct {
	client    *llm.ScriptedClient
	providers *stubProviders
	observer  *recordingObserver
	runtime   *Runtime
	runner    *Runner
}

func newHarness(t *testing.T, config Config, toolsConfig tools.Config, steps ...llm.ScriptStep) *harness {
	t.Helper()
	client := llm.NewScriptedClient(steps...)
	transport := llm.NewRetryingTransport(client, llm.TransportConfig{
		Retry: tferrors.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
		DefectRetries: 1,
	}, logging.Nop())

	providers := &stubProviders{}
	dispatcher := tools.NewDispatcher(providers, toolsConfig, tools.WithLogger(logging.Nop()))
	require.NoError(t, dispatcher.RegisterBuiltins())

	observer := &recordingObserver{}
	rt, err := NewRuntime(context.Background(), config, Deps{
		Transport:  transport,
		Providers:  providers,
		Dispatcher: dispatcher,
		Logger:     logging.Nop(),
		Observer:   observer,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	return &harness{
		client:    client,
		providers: providers,
		observer:  observer,
		runtime:   rt,
		runner:    NewRunner(rt),
	}
}

func defaultHarness(t *testing.T, steps ...llm.ScriptStep) *harness {
	return newHarness(t, DefaultConfig(), tools.DefaultConfig(), steps...)
}

func (h *harness) run(t *testing.T, tasks ...task.Task) *Report {
	t.Helper()
	file, err := task.NewFile("", tasks, nil)
	require.NoError(t, err)
	report, err := h.runner.RunAll(h.runtime.Context(), file)
	require.NoError(t, err)
	return report
}

func agentWithInput(id, input string) *task.AgentTask {
	return &task.AgentTask{Common: task.Common{ID: id}, Input: input}
}

func withEcho(t *task.AgentTask) *task.AgentTask {
	echo := tools.EchoDefinition()
	t.Tool = &echo
	return t
}

func echoCall(id, text string) llm.ToolCall {
	return llm.NewToolCall(id, "echo", `{"text":"`+text+`"}`)
}

func invoke(id, target string) llm.ToolCall {
	return llm.NewToolCall(id, tools.InvokeTaskName, `{"taskId":"`+target+`"}`)
}

func lastHistory(result *TaskResult) memory.Entry {
	return result.Memory.History[len(result.Memory.History)-1]
}
