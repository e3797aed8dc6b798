package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskflow/internal/llm"
	"taskflow/internal/logging"
	"taskflow/internal/mcp"
	"taskflow/internal/memory"
	"taskflow/internal/task"
)

type fakeProviders struct {
	tools   map[string][]llm.ToolDefinition
	listErr error
	results map[string]*mcp.ToolCallResult
	callErr error
	calls   []string
	lastArg map[string]any
}

func (f *fakeProviders) ListTools(_ context.Context, config mcp.ProviderConfig) ([]llm.ToolDefinition, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools[config.Name], nil
}

func (f *fakeProviders) CallTool(_ context.Context, config mcp.ProviderConfig, name string, arguments map[string]any) (*mcp.ToolCallResult, error) {
	f.calls = append(f.calls, config.Name+"/"+name)
	f.lastArg = arguments
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.results[name], nil
}

func (f *fakeProviders) Shutdown() error { return nil }

type fakeScope struct {
	depth   int
	chain   []string
	tasks   map[string]task.Task
	ran     []task.Task
	inherit []memory.Config
	reply   string
	runErr  error
}

func (s *fakeScope) Depth() int      { return s.depth }
func (s *fakeScope) Chain() []string { return append([]string(nil), s.chain...) }
func (s *fakeScope) Lookup(id string) (task.Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}
func (s *fakeScope) RunSubtask(_ context.Context, target task.Task, inherited memory.Config) (string, error) {
	s.ran = append(s.ran, target)
	s.inherit = append(s.inherit, inherited)
	return s.reply, s.runErr
}

func textResult(text string) *mcp.ToolCallResult {
	return &mcp.ToolCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

func newTestDispatcher(providers Providers, config Config) *Dispatcher {
	return NewDispatcher(providers, config, WithLogger(logging.Nop()))
}

func agentTask(id string) *task.AgentTask {
	return &task.AgentTask{Common: task.Common{ID: id}, Input: "go"}
}

func TestResolveOrdersAndDeduplicatesTools(t *testing.T) {
	providers := &fakeProviders{tools: map[string][]llm.ToolDefinition{
		"web":  {{Name: "search"}, {Name: "lookup"}},
		"docs": {{Name: "search"}, {Name: "read"}},
	}}
	d := newTestDispatcher(providers, DefaultConfig())

	tk := agentTask("a")
	tk.Tool = &llm.ToolDefinition{Name: "lookup", Description: "local lookup"}
	tk.Tools = []string{"web", "missing", "docs"}
	tk.MCPServers = []mcp.ProviderConfig{
		{Name: "web", Command: "web-mcp"},
		{Name: "docs", Command: "docs-mcp"},
	}

	set, err := d.Resolve(context.Background(), tk)
	require.NoError(t, err)

	var names []string
	for _, def := range set.Definitions() {
		names = append(names, def.Name)
	}
	require.Equal(t, []string{"lookup", "search", "read", InvokeTaskName}, names)

	lookup, _ := set.Lookup("lookup")
	require.Equal(t, "local lookup", lookup.Description)
	require.Empty(t, lookup.Provider)
	search, _ := set.Lookup("search")
	require.Equal(t, "web", search.Provider)
	read, _ := set.Lookup("read")
	require.Equal(t, "docs", read.Provider)
}

func TestResolveKeepsExistingInvokeTaskAndHonoursDisable(t *testing.T) {
	d := newTestDispatcher(&fakeProviders{}, DefaultConfig())
	tk := agentTask("a")
	tk.Tool = &llm.ToolDefinition{Name: InvokeTaskName, Description: "custom"}
	set, err := d.Resolve(context.Background(), tk)
	require.NoError(t, err)
	require.Len(t, set.Definitions(), 1)
	def, _ := set.Lookup(InvokeTaskName)
	require.Equal(t, "custom", def.Description)

	disabled := newTestDispatcher(&fakeProviders{}, Config{EnableInvokeTask: false})
	set, err = disabled.Resolve(context.Background(), agentTask("b"))
	require.NoError(t, err)
	require.True(t, set.Empty())
}

func TestResolveFailsOnProviderErrors(t *testing.T) {
	providers := &fakeProviders{listErr: mcp.ErrUnsupportedTransport}
	d := newTestDispatcher(providers, DefaultConfig())
	tk := agentTask("a")
	tk.Tools = []string{"remote"}
	tk.MCPServers = []mcp.ProviderConfig{{Name: "remote", URL: "https://example.invalid"}}

	_, err := d.Resolve(context.Background(), tk)
	require.ErrorIs(t, err, mcp.ErrUnsupportedTransport)
}

func TestDispatchRejectsMalformedArgumentsWithSuggestion(t *testing.T) {
	d := newTestDispatcher(&fakeProviders{}, DefaultConfig())
	require.NoError(t, d.RegisterBuiltins())
	tk := agentTask("a")
	tk.Tool = &llm.ToolDefinition{Name: "echo"}
	set, err := d.Resolve(context.Background(), tk)
	require.NoError(t, err)

	result := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("1", "echo", `{"text": "hi"`), nil)
	require.Equal(t, KindInvalidArguments, result.Kind)
	require.False(t, result.Fatal())
	require.Contains(t, result.Err.Error(), "echo")

	var wire map[string]string
	require.NoError(t, json.Unmarshal([]byte(result.Wire()), &wire))
	require.Contains(t, wire["error"], "invalid arguments for tool echo")
	require.JSONEq(t, `{"text":"hi"}`, wire["suggestion"])
}

func TestDispatchLocalHandlers(t *testing.T) {
	d := newTestDispatcher(&fakeProviders{}, DefaultConfig())
	require.NoError(t, d.RegisterBuiltins())
	require.NoError(t, d.RegisterLocal("boom", func(context.Context, map[string]any) (string, error) {
		panic("kaboom")
	}))
	require.Error(t, d.RegisterLocal("echo", Echo))
	require.Error(t, d.RegisterLocal(InvokeTaskName, Echo))

	tk := agentTask("a")
	tk.Tool = &llm.ToolDefinition{Name: "echo"}
	set, err := d.Resolve(context.Background(), tk)
	require.NoError(t, err)

	ok := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("1", "echo", `{"text":"hi"}`), nil)
	require.Equal(t, KindOK, ok.Kind)
	require.Equal(t, "hi", ok.Wire())

	failed := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("2", "echo", `{}`), nil)
	require.Equal(t, KindToolFailure, failed.Kind)
	require.True(t, failed.Fatal())

	tk.Tool = &llm.ToolDefinition{Name: "boom"}
	set, err = d.Resolve(context.Background(), tk)
	require.NoError(t, err)
	panicked := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("3", "boom", ``), nil)
	require.Equal(t, KindToolFailure, panicked.Kind)
	require.Contains(t, panicked.Err.Error(), "kaboom")
}

func TestDispatchUnknownTools(t *testing.T) {
	d := newTestDispatcher(&fakeProviders{}, DefaultConfig())
	tk := agentTask("a")
	tk.Tool = &llm.ToolDefinition{Name: "unbound"}
	set, err := d.Resolve(context.Background(), tk)
	require.NoError(t, err)

	notOffered := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("1", "nope", `{}`), nil)
	require.Equal(t, KindUnknownTool, notOffered.Kind)
	require.False(t, notOffered.Fatal())
	require.Contains(t, notOffered.Wire(), "unknown tool: nope")

	noHandler := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("2", "unbound", `{}`), nil)
	require.Equal(t, KindUnknownTool, noHandler.Kind)
}

func TestDispatchProviderTools(t *testing.T) {
	providers := &fakeProviders{
		tools: map[string][]llm.ToolDefinition{"web": {{Name: "search"}, {Name: "flaky"}}},
		results: map[string]*mcp.ToolCallResult{
			"search": textResult("3 results"),
			"flaky":  {IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: "quota exceeded"}}},
		},
	}
	d := newTestDispatcher(providers, DefaultConfig())
	tk := agentTask("a")
	tk.Tools = []string{"web"}
	tk.MCPServers = []mcp.ProviderConfig{{Name: "web", Command: "web-mcp"}}
	set, err := d.Resolve(context.Background(), tk)
	require.NoError(t, err)

	ok := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("1", "search", `{"q":"go"}`), nil)
	require.Equal(t, KindOK, ok.Kind)
	require.Equal(t, "3 results", ok.Content)
	require.Equal(t, []string{"web/search"}, providers.calls)
	require.Equal(t, "go", providers.lastArg["q"])

	toolErr := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("2", "flaky", `{}`), nil)
	require.Equal(t, KindToolFailure, toolErr.Kind)
	require.True(t, toolErr.Fatal())
	require.Contains(t, toolErr.Wire(), "quota exceeded")

	providers.callErr = errors.New("provider crashed")
	crashed := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("3", "search", `{}`), nil)
	require.Equal(t, KindToolFailure, crashed.Kind)
	require.Contains(t, crashed.Wire(), "provider crashed")
}

func TestCurrentTimeHandler(t *testing.T) {
	d := newTestDispatcher(&fakeProviders{}, DefaultConfig())
	fixed := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, d.RegisterLocal("clock", CurrentTime(fixed)))

	tk := agentTask("a")
	tk.Tool = &llm.ToolDefinition{Name: "clock"}
	set, err := d.Resolve(context.Background(), tk)
	require.NoError(t, err)

	result := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("1", "clock", `{}`), nil)
	require.Equal(t, "2024-05-01T12:00:00Z", result.Content)

	bad := d.Dispatch(context.Background(), &fakeScope{}, set, llm.NewToolCall("2", "clock", `{"timezone":"Mars/Olympus"}`), nil)
	require.Equal(t, KindToolFailure, bad.Kind)
}
