// Package config loads the run configuration from a config file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"taskflow/internal/agent"
	tferrors "taskflow/internal/errors"
	"taskflow/internal/llm"
	"taskflow/internal/logging"
	"taskflow/internal/mcp"
	"taskflow/internal/observability"
	"taskflow/internal/tools"
)

// EnvPrefix prefixes every environment override, e.g. TASKFLOW_MAX_DEPTH.
const EnvPrefix = "TASKFLOW"

// RunConfig is the resolved configuration of one taskflow invocation.
type RunConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`

	DefaultModel  string `mapstructure:"default_model"`
	ToolModel     string `mapstructure:"tool_model"`
	FallbackModel string `mapstructure:"fallback_model"`

	MaxIterations       int  `mapstructure:"max_iterations"`
	MaxDepth            int  `mapstructure:"max_depth"`
	RepeatThreshold     int  `mapstructure:"repeat_threshold"`
	RepeatToolThreshold int  `mapstructure:"repeat_tool_threshold"`
	EnableInvokeTask    bool `mapstructure:"enable_invoke_task"`
	ContinueOnError     bool `mapstructure:"continue_on_error"`
	StreamChat          bool `mapstructure:"stream_chat"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	Retry   RetryConfig                 `mapstructure:"retry"`
	MCP     MCPConfig                   `mapstructure:"mcp"`
	Log     LogConfig                   `mapstructure:"log"`
	Metrics observability.MetricsConfig `mapstructure:"metrics"`
	Tracing observability.TracingConfig `mapstructure:"tracing"`

	// ConfigFile is the file the values were read from, if any.
	ConfigFile string `mapstructure:"-"`
}

// RetryConfig bounds model request retries.
type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Jitter        float64       `mapstructure:"jitter"`
	DefectRetries int           `mapstructure:"defect_retries"`
}

// MCPConfig bounds tool provider sessions.
type MCPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	ToolCacheSize  int           `mapstructure:"tool_cache_size"`
}

// LogConfig configures the process log sink.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Options controls where Load looks for values.
type Options struct {
	// File is an explicit config file; a missing explicit file is an error.
	File string
	// SearchPaths replaces the default "." and "$HOME" search for
	// taskflow.yaml when File is empty.
	SearchPaths []string
	// Flags are bound per FlagKeys; only flags the user set override.
	Flags *pflag.FlagSet
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"api-key":           "api_key",
	"base-url":          "base_url",
	"model":             "default_model",
	"tool-model":        "tool_model",
	"max-iterations":    "max_iterations",
	"max-depth":         "max_depth",
	"continue-on-error": "continue_on_error",
	"log-level":         "log.level",
	"log-file":          "log.file",
	"metrics-addr":      "metrics.addr",
}

func setDefaults(v *viper.Viper) {
	agentDefaults := agent.DefaultConfig()
	retry := tferrors.DefaultRetryConfig()
	transport := llm.DefaultTransportConfig()
	obs := observability.DefaultConfig()

	v.SetDefault("api_key", "")
	v.SetDefault("base_url", "https://api.openai.com/v1")
	v.SetDefault("default_model", "")
	v.SetDefault("tool_model", agentDefaults.ToolModel)
	v.SetDefault("fallback_model", agentDefaults.FallbackModel)
	v.SetDefault("max_iterations", agentDefaults.MaxIterations)
	v.SetDefault("max_depth", tools.DefaultMaxDepth)
	v.SetDefault("repeat_threshold", agentDefaults.RepeatThreshold)
	v.SetDefault("repeat_tool_threshold", agentDefaults.RepeatToolThreshold)
	v.SetDefault("enable_invoke_task", true)
	v.SetDefault("continue_on_error", agentDefaults.ContinueOnError)
	v.SetDefault("stream_chat", agentDefaults.StreamChat)
	v.SetDefault("request_timeout", 2*time.Minute)

	v.SetDefault("retry.max_retries", retry.MaxAttempts)
	v.SetDefault("retry.base_delay", retry.BaseDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)
	v.SetDefault("retry.jitter", retry.JitterFactor)
	v.SetDefault("retry.defect_retries", transport.DefectRetries)

	v.SetDefault("mcp.connect_timeout", 30*time.Second)
	v.SetDefault("mcp.call_timeout", 60*time.Second)
	v.SetDefault("mcp.tool_cache_size", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.enabled", obs.Metrics.Enabled)
	v.SetDefault("metrics.addr", obs.Metrics.Addr)
	v.SetDefault("tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("tracing.exporter", obs.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", obs.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", obs.Tracing.ServiceName)
}

// Default returns the configuration used when nothing overrides it.
func Default() RunConfig {
	v := viper.New()
	setDefaults(v)
	var cfg RunConfig
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load resolves the configuration. Precedence from highest: flags the user
// set, TASKFLOW_* environment variables, the config file, defaults.
func Load(opts Options) (RunConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api_key", EnvPrefix+"_API_KEY", "OPENAI_API_KEY"); err != nil {
		return RunConfig{}, fmt.Errorf("bind api key env: %w", err)
	}
	if err := v.BindEnv("base_url", EnvPrefix+"_BASE_URL", "OPENAI_BASE_URL"); err != nil {
		return RunConfig{}, fmt.Errorf("bind base url env: %w", err)
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("taskflow")
		v.SetConfigType("yaml")
		paths := opts.SearchPaths
		if len(paths) == 0 {
			paths = []string{".", "$HOME"}
		}
		for _, path := range paths {
			v.AddConfigPath(path)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return RunConfig{}, fmt.Errorf("read config: %w", err)
		}
	}

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return RunConfig{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
		if flag := opts.Flags.Lookup("no-invoke-task"); flag != nil && flag.Changed && flag.Value.String() == "true" {
			v.Set("enable_invoke_task", false)
		}
		if flag := opts.Flags.Lookup("metrics-addr"); flag != nil && flag.Changed {
			v.Set("metrics.enabled", true)
		}
	}

	var cfg RunConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return RunConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// Validate normalises string fields and rejects values the engine cannot
// run with. Every problem is reported.
func (c *RunConfig) Validate() error {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	c.ToolModel = strings.TrimSpace(c.ToolModel)
	c.FallbackModel = strings.TrimSpace(c.FallbackModel)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.File = strings.TrimSpace(c.Log.File)
	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}

	var errs []error
	if c.FallbackModel == "" {
		errs = append(errs, errors.New("fallback_model must not be empty"))
	}
	if c.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations))
	}
	if c.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("max_depth must be at least 1, got %d", c.MaxDepth))
	}
	if c.RepeatThreshold < 2 {
		errs = append(errs, fmt.Errorf("repeat_threshold must be at least 2, got %d", c.RepeatThreshold))
	}
	if c.RepeatToolThreshold < 2 {
		errs = append(errs, fmt.Errorf("repeat_tool_threshold must be at least 2, got %d", c.RepeatToolThreshold))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative, got %v", c.RequestTimeout))
	}
	if c.Retry.MaxRetries < 0 || c.Retry.DefectRetries < 0 {
		errs = append(errs, errors.New("retry counts must not be negative"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay must be positive, got %v", c.Retry.BaseDelay))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay %v is below retry.base_delay %v", c.Retry.MaxDelay, c.Retry.BaseDelay))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be within [0, 1], got %v", c.Retry.Jitter))
	}
	if c.MCP.ConnectTimeout <= 0 || c.MCP.CallTimeout <= 0 {
		errs = append(errs, errors.New("mcp timeouts must be positive"))
	}
	if c.MCP.ToolCacheSize < 1 {
		errs = append(errs, fmt.Errorf("mcp.tool_cache_size must be at least 1, got %d", c.MCP.ToolCacheSize))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	switch c.Tracing.Exporter {
	case "otlp", "zipkin":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.Tracing.SampleRate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// AgentConfig returns the engine settings.
func (c RunConfig) AgentConfig() agent.Config {
	return agent.Config{
		DefaultModel:        c.DefaultModel,
		ToolModel:           c.ToolModel,
		FallbackModel:       c.FallbackModel,
		MaxIterations:       c.MaxIterations,
		RepeatThreshold:     c.RepeatThreshold,
		RepeatToolThreshold: c.RepeatToolThreshold,
		ContinueOnError:     c.ContinueOnError,
		StreamChat:          c.StreamChat,
	}
}

// ToolsConfig returns the dispatcher settings.
func (c RunConfig) ToolsConfig() tools.Config {
	return tools.Config{MaxDepth: c.MaxDepth, EnableInvokeTask: c.EnableInvokeTask}
}

// ClientConfig returns the model endpoint settings.
func (c RunConfig) ClientConfig() llm.ClientConfig {
	return llm.ClientConfig{BaseURL: c.BaseURL, APIKey: c.APIKey, Timeout: c.RequestTimeout}
}

// TransportConfig returns the retry policy. onRetry may be nil.
func (c RunConfig) TransportConfig(onRetry func(attempt int, err error, delay time.Duration)) llm.TransportConfig {
	return llm.TransportConfig{
		Retry: tferrors.RetryConfig{
			MaxAttempts:  c.Retry.MaxRetries,
			BaseDelay:    c.Retry.BaseDelay,
			MaxDelay:     c.Retry.MaxDelay,
			JitterFactor: c.Retry.Jitter,
			OnRetry:      onRetry,
		},
		DefectRetries: c.Retry.DefectRetries,
	}
}

// RegistryOptions returns the tool provider registry settings.
func (c RunConfig) RegistryOptions() []mcp.RegistryOption {
	return []mcp.RegistryOption{
		mcp.WithTimeouts(c.MCP.ConnectTimeout, c.MCP.CallTimeout),
		mcp.WithToolCacheSize(c.MCP.ToolCacheSize),
	}
}

// ObservabilityConfig returns the metrics and tracing settings.
func (c RunConfig) ObservabilityConfig(version string) observability.Config {
	tracing := c.Tracing
	tracing.Version = version
	return observability.Config{Metrics: c.Metrics, Tracing: tracing}
}

// LoggingOptions returns the log sink settings.
func (c RunConfig) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, File: c.Log.File}
}
