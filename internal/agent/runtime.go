// Package agent runs tasks: the chat path, the iterative agent loop and the
// runner that threads depth, call chain and memory through nested
// invoke_task calls.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"taskflow/internal/llm"
	"taskflow/internal/logging"
	"taskflow/internal/observability"
	"taskflow/internal/tools"
)

// Transport opens model requests with retry.
type Transport interface {
	Open(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error)
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

var _ Transport = (*llm.RetryingTransport)(nil)

// Config holds engine settings.
type Config struct {
	DefaultModel        string
	ToolModel           string
	FallbackModel       string
	MaxIterations       int
	RepeatThreshold     int
	RepeatToolThreshold int
	ContinueOnError     bool
	StreamChat          bool
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		ToolModel:           "gpt-4o",
		FallbackModel:       "gpt-4o-mini",
		MaxIterations:       10,
		RepeatThreshold:     2,
		RepeatToolThreshold: 2,
		ContinueOnError:     true,
		StreamChat:          true,
	}
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.FallbackModel) == "" {
		c.FallbackModel = defaults.FallbackModel
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaults.MaxIterations
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = defaults.RepeatThreshold
	}
	if c.RepeatToolThreshold <= 0 {
		c.RepeatToolThreshold = defaults.RepeatToolThreshold
	}
	return c
}

// Deps are the collaborators of a Runtime.
type Deps struct {
	Transport  Transport
	Providers  tools.Providers
	Dispatcher *tools.Dispatcher
	Logger     logging.Logger
	Metrics    *observability.MetricsCollector
	Tracer     *observability.TracerProvider
	Observer   Observer
}

// Runtime is created once per process invocation. Its context is the single
// cancellation signal shared by every model and provider request of the run.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	config     Config
	transport  Transport
	providers  tools.Providers
	dispatcher *tools.Dispatcher
	logger     logging.Logger
	metrics    *observability.MetricsCollector
	tracer     *observability.TracerProvider
	observer   Observer

	closeOnce sync.Once
	closeErr  error
}

// NewRuntime builds a runtime whose context is derived from parent.
func NewRuntime(parent context.Context, config Config, deps Deps) (*Runtime, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("runtime requires a model transport")
	}
	if deps.Providers == nil {
		return nil, fmt.Errorf("runtime requires a tool provider registry")
	}

	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("agent")
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = observability.NoopTracer()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = tools.NewDispatcher(deps.Providers, tools.DefaultConfig(),
			tools.WithLogger(logger),
			tools.WithObservability(deps.Metrics, tracer),
		)
	}
	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	ctx, cancel := context.WithCancel(parent)
	return &Runtime{
		ctx:        ctx,
		cancel:     cancel,
		config:     config.normalized(),
		transport:  deps.Transport,
		providers:  deps.Providers,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    deps.Metrics,
		tracer:     tracer,
		observer:   observer,
	}, nil
}

// Context returns the run-wide context.
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

// Close shuts the provider registry down exactly once and releases the
// runtime context.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		rt.logger.Debug("Shutting down tool providers")
		rt.closeErr = rt.providers.Shutdown()
		if rt.closeErr != nil {
			rt.logger.Warn("Tool provider shutdown reported errors: %v", rt.closeErr)
		}
		rt.cancel()
	})
	return rt.closeErr
}
