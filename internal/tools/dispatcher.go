// Package tools resolves the tool set offered to a task and executes the
// tool calls the model requests: local handlers, MCP provider tools and the
// built-in invoke_task sub-task tool.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"taskflow/internal/async"
	"taskflow/internal/llm"
	"taskflow/internal/logging"
	"taskflow/internal/mcp"
	"taskflow/internal/memory"
	"taskflow/internal/observability"
	"taskflow/internal/task"
)

// DefaultMaxDepth bounds nested invoke_task calls.
const DefaultMaxDepth = 3

// Providers is the MCP surface the dispatcher consumes.
type Providers interface {
	ListTools(ctx context.Context, config mcp.ProviderConfig) ([]llm.ToolDefinition, error)
	CallTool(ctx context.Context, config mcp.ProviderConfig, name string, arguments map[string]any) (*mcp.ToolCallResult, error)
	Shutdown() error
}

// Handler executes a local tool.
type Handler func(ctx context.Context, arguments map[string]any) (string, error)

// Scope is the position of the calling task in the invocation tree.
type Scope interface {
	Depth() int
	// Chain lists the active task ids in the order they were entered.
	Chain() []string
	Lookup(id string) (task.Task, bool)
	// RunSubtask runs target one level deeper with inherited memory ahead of
	// its own, returning the content of its final memory entry.
	RunSubtask(ctx context.Context, target task.Task, inherited memory.Config) (string, error)
}

// Config tunes the dispatcher.
type Config struct {
	MaxDepth         int
	EnableInvokeTask bool
}

// DefaultConfig returns the default dispatcher settings.
func DefaultConfig() Config {
	return Config{MaxDepth: DefaultMaxDepth, EnableInvokeTask: true}
}

// Dispatcher resolves and executes tools.
type Dispatcher struct {
	providers Providers
	config    Config
	logger    logging.Logger
	metrics   *observability.MetricsCollector
	tracer    *observability.TracerProvider

	mu    sync.RWMutex
	local map[string]Handler
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger logging.Logger) Option {
	return func(d *Dispatcher) {
		if !logging.IsNil(logger) {
			d.logger = logger
		}
	}
}

// WithObservability records tool metrics and spans.
func WithObservability(metrics *observability.MetricsCollector, tracer *observability.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
		d.tracer = tracer
	}
}

// NewDispatcher creates a dispatcher over providers.
func NewDispatcher(providers Providers, config Config, opts ...Option) *Dispatcher {
	if config.MaxDepth <= 0 {
		config.MaxDepth = DefaultMaxDepth
	}
	d := &Dispatcher{
		providers: providers,
		config:    config,
		logger:    logging.NewComponentLogger("tools"),
		local:     make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterLocal binds a handler to a local tool name.
func (d *Dispatcher) RegisterLocal(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" || handler == nil {
		return fmt.Errorf("local tool requires a name and a handler")
	}
	if name == InvokeTaskName {
		return fmt.Errorf("tool name %s is reserved", InvokeTaskName)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.local[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	d.local[name] = handler
	return nil
}

func (d *Dispatcher) handler(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.local[name]
	return h, ok
}

// Toolset is the resolved tool set of one task.
type Toolset struct {
	defs      []llm.ToolDefinition
	byName    map[string]llm.ToolDefinition
	providers map[string]mcp.ProviderConfig
}

// Definitions returns the tools in resolution order.
func (s *Toolset) Definitions() []llm.ToolDefinition {
	if s == nil {
		return nil
	}
	return append([]llm.ToolDefinition(nil), s.defs...)
}

// Lookup returns the definition of the named tool.
func (s *Toolset) Lookup(name string) (llm.ToolDefinition, bool) {
	if s == nil {
		return llm.ToolDefinition{}, false
	}
	def, ok := s.byName[name]
	return def, ok
}

// Empty reports whether no tool is available.
func (s *Toolset) Empty() bool {
	return s == nil || len(s.defs) == 0
}

func (s *Toolset) add(def llm.ToolDefinition) bool {
	if _, exists := s.byName[def.Name]; exists {
		return false
	}
	s.defs = append(s.defs, def)
	s.byName[def.Name] = def
	return true
}

// Resolve builds the tool set for t: the explicit local tool, then the
// tools of every allow-listed provider not already present by name, then
// invoke_task unless a tool of that name exists. An allow-listed provider
// without a config is skipped with a warning.
func (d *Dispatcher) Resolve(ctx context.Context, t task.Task) (*Toolset, error) {
	ctx, span := d.tracer.StartSpan(ctx, observability.SpanResolve)
	set, err := d.resolve(ctx, t)
	observability.EndSpan(span, err)
	return set, err
}

func (d *Dispatcher) resolve(ctx context.Context, t task.Task) (*Toolset, error) {
	logger := logging.FromContext(ctx, d.logger)
	base := t.Base()
	set := &Toolset{
		byName:    make(map[string]llm.ToolDefinition),
		providers: make(map[string]mcp.ProviderConfig),
	}

	if base.Tool != nil {
		local := *base.Tool
		local.Provider = ""
		set.add(local)
	}

	for _, name := range base.Tools {
		config, ok := base.Provider(name)
		if !ok {
			logger.Warn("Tool provider %s is allow-listed but not configured, skipping", name)
			continue
		}
		defs, err := d.providers.ListTools(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("resolve tools of provider %s: %w", name, err)
		}
		set.providers[config.Name] = config
		for _, def := range defs {
			if def.Provider == "" {
				def.Provider = config.Name
			}
			if !set.add(def) {
				logger.Debug("Tool %s from provider %s shadowed by an earlier tool", def.Name, name)
			}
		}
	}

	if d.config.EnableInvokeTask {
		set.add(InvokeTaskDefinition())
	}

	logger.Debug("Resolved %d tools for task %s", len(set.defs), base.ID)
	return set, nil
}

// Dispatch executes one tool call. invoking is the memory of the calling
// task, inherited by sub-tasks.
func (d *Dispatcher) Dispatch(ctx context.Context, scope Scope, set *Toolset, call llm.ToolCall, invoking *memory.Memory) Result {
	name := call.Function.Name
	def, _ := set.Lookup(name)

	ctx, span := d.tracer.StartSpan(ctx, observability.SpanToolCall, observability.ToolAttrs(name, def.Provider)...)
	start := time.Now()
	result := d.dispatch(ctx, scope, set, call, invoking)
	duration := time.Since(start)

	span.SetAttributes(observability.ResultAttrs(string(result.Kind))...)
	observability.EndSpan(span, result.Err)
	d.metrics.RecordToolExecution(ctx, name, string(result.Kind), duration)
	if result.Rejected() {
		d.metrics.RecordSubtaskRejection(ctx, string(result.Kind))
	}

	logger := logging.FromContext(ctx, d.logger)
	if result.IsError() {
		logger.Warn("Tool %s failed (%s) after %v: %v", name, result.Kind, duration, result.Err)
	} else {
		logger.Debug("Tool %s succeeded in %v", name, duration)
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, scope Scope, set *Toolset, call llm.ToolCall, invoking *memory.Memory) Result {
	name := call.Function.Name

	args, failure := parseArguments(name, call.Function.Arguments)
	if failure != nil {
		return *failure
	}

	def, inSet := set.Lookup(name)
	switch {
	case name == InvokeTaskName && inSet && def.Provider == "" && d.config.EnableInvokeTask:
		return d.invokeTask(ctx, scope, args, invoking)
	case inSet && def.Provider != "":
		return d.callProvider(ctx, set, def, args)
	case inSet:
		if handler, ok := d.handler(name); ok {
			return d.callLocal(ctx, name, handler, args)
		}
		return Failure(KindUnknownTool, fmt.Errorf("tool %s has no registered handler", name))
	default:
		return Failure(KindUnknownTool, fmt.Errorf("unknown tool: %s", name))
	}
}

// parseArguments decodes the model's argument text. Blank arguments decode
// to an empty object. A malformed payload is rejected; when jsonrepair can
// fix it the repaired text is attached so the model can resend it.
func parseArguments(name, raw string) (map[string]any, *Result) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		result := Failure(KindInvalidArguments, fmt.Errorf("invalid arguments for tool %s: %v", name, err))
		if repaired, repairErr := jsonrepair.JSONRepair(raw); repairErr == nil && repaired != raw && json.Valid([]byte(repaired)) {
			result.Suggestion = repaired
		}
		return nil, &result
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (d *Dispatcher) callLocal(ctx context.Context, name string, handler Handler, args map[string]any) Result {
	var output string
	err := async.Call(d.logger, "tool."+name, func() error {
		var err error
		output, err = handler(ctx, args)
		return err
	})
	if err != nil {
		return Failure(KindToolFailure, fmt.Errorf("tool %s: %w", name, err))
	}
	return Success(output)
}

func (d *Dispatcher) callProvider(ctx context.Context, set *Toolset, def llm.ToolDefinition, args map[string]any) Result {
	config, ok := set.providers[def.Provider]
	if !ok {
		return Failure(KindUnknownTool, fmt.Errorf("tool %s references unconfigured provider %s", def.Name, def.Provider))
	}
	result, err := d.providers.CallTool(ctx, config, def.Name, args)
	if err != nil {
		return Failure(KindToolFailure, fmt.Errorf("provider %s: %w", def.Provider, err))
	}
	if result.IsError {
		return Failure(KindToolFailure, fmt.Errorf("provider %s tool %s: %s", def.Provider, def.Name, result.Text()))
	}
	return Success(result.Text())
}
