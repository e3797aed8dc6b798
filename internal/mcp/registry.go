package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"taskflow/internal/llm"
	"taskflow/internal/logging"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultCallTimeout    = 60 * time.Second
	defaultToolCacheSize  = 64
)

// ErrUnsupportedTransport is returned for providers configured with a URL.
var ErrUnsupportedTransport = errors.New("mcp url transport is not supported")

// ErrRegistryClosed is returned after Shutdown.
var ErrRegistryClosed = errors.New("mcp registry is shut down")

// ProviderConfig declares one MCP tool provider. Exactly one of URL and
// Command is set.
type ProviderConfig struct {
	Name    string            `json:"name" yaml:"name"`
	URL     string            `json:"url,omitempty" yaml:"url"`
	Command string            `json:"command,omitempty" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
}

// Validate checks that the config describes a reachable provider.
func (c ProviderConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("provider name is required")
	}
	hasURL := strings.TrimSpace(c.URL) != ""
	hasCommand := strings.TrimSpace(c.Command) != ""
	switch {
	case hasURL && hasCommand:
		return fmt.Errorf("provider %s: url and command are mutually exclusive", c.Name)
	case hasURL:
		return fmt.Errorf("provider %s: %w", c.Name, ErrUnsupportedTransport)
	case !hasCommand:
		return fmt.Errorf("provider %s: command is required", c.Name)
	}
	return nil
}

// Session is the subset of Client the registry depends on.
type Session interface {
	Start(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolSchema, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error)
	Close() error
}

// SessionFactory builds an unstarted session for a provider.
type SessionFactory func(config ProviderConfig, callTimeout time.Duration) Session

func stdioSession(config ProviderConfig, callTimeout time.Duration) Session {
	process := NewProcessManager(ProcessConfig{Command: config.Command, Args: config.Args, Env: config.Env})
	return NewClient(config.Name, process, callTimeout)
}

// Registry caches one live session per provider name for the lifetime of a
// run and tears them all down exactly once.
type Registry struct {
	mu             sync.Mutex
	sessions       map[string]Session
	group          singleflight.Group
	tools          *lru.Cache[string, []llm.ToolDefinition]
	factory        SessionFactory
	connectTimeout time.Duration
	callTimeout    time.Duration
	logger         logging.Logger
	closed         bool
}

// RegistryOption customises registry construction.
type RegistryOption func(*Registry)

// WithSessionFactory overrides how sessions are created.
func WithSessionFactory(factory SessionFactory) RegistryOption {
	return func(r *Registry) {
		if factory != nil {
			r.factory = factory
		}
	}
}

// WithTimeouts overrides the connect and per-call bounds.
func WithTimeouts(connect, call time.Duration) RegistryOption {
	return func(r *Registry) {
		if connect > 0 {
			r.connectTimeout = connect
		}
		if call > 0 {
			r.callTimeout = call
		}
	}
}

// WithToolCacheSize bounds how many providers' tool lists are cached.
func WithToolCacheSize(size int) RegistryOption {
	return func(r *Registry) {
		if size > 0 {
			if cache, err := lru.New[string, []llm.ToolDefinition](size); err == nil {
				r.tools = cache
			}
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) {
		if !logging.IsNil(logger) {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	// lru.New only errors on non-positive size.
	cache, _ := lru.New[string, []llm.ToolDefinition](defaultToolCacheSize)
	r := &Registry{
		sessions:       make(map[string]Session),
		tools:          cache,
		factory:        stdioSession,
		connectTimeout: defaultConnectTimeout,
		callTimeout:    defaultCallTimeout,
		logger:         logging.NewComponentLogger("mcp-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// session returns the cached session for config.Name, establishing it on
// first use. Concurrent callers for the same name share one establishment.
func (r *Registry) session(ctx context.Context, config ProviderConfig) (Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[config.Name]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(config.Name, func() (any, error) {
		r.mu.Lock()
		if s, ok := r.sessions[config.Name]; ok {
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		r.logger.Info("Establishing provider session: %s", config.Name)
		connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()

		s := r.factory(config, r.callTimeout)
		if err := s.Start(connectCtx); err != nil {
			if errors.Is(connectCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
				err = fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			return nil, fmt.Errorf("connect provider %s: %w", config.Name, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = s.Close()
			return nil, ErrRegistryClosed
		}
		r.sessions[config.Name] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Session), nil
}

// ListTools returns the provider's tools tagged with provider affinity.
func (r *Registry) ListTools(ctx context.Context, config ProviderConfig) ([]llm.ToolDefinition, error) {
	if cached, ok := r.tools.Get(config.Name); ok {
		return append([]llm.ToolDefinition(nil), cached...), nil
	}

	s, err := r.session(ctx, config)
	if err != nil {
		return nil, err
	}
	schemas, err := s.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools of %s: %w", config.Name, err)
	}

	defs := make([]llm.ToolDefinition, 0, len(schemas))
	for _, schema := range schemas {
		defs = append(defs, llm.ToolDefinition{
			Name:        schema.Name,
			Description: schema.Description,
			Parameters:  schema.InputSchema,
			Provider:    config.Name,
		})
	}
	r.tools.Add(config.Name, defs)
	return append([]llm.ToolDefinition(nil), defs...), nil
}

// CallTool invokes a tool on the named provider.
func (r *Registry) CallTool(ctx context.Context, config ProviderConfig, name string, arguments map[string]any) (*ToolCallResult, error) {
	s, err := r.session(ctx, config)
	if err != nil {
		return nil, err
	}
	return s.CallTool(ctx, name, arguments)
}

// Providers lists the names of established sessions.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown closes every session once. Failures are logged and collected;
// later calls are no-ops.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]Session)
	r.mu.Unlock()

	r.tools.Purge()

	var errs []error
	for name, s := range sessions {
		r.logger.Debug("Closing provider session: %s", name)
		if err := s.Close(); err != nil {
			r.logger.Warn("Failed to close provider %s: %v", name, err)
			errs = append(errs, fmt.Errorf("close provider %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
