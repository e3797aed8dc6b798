package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "TASKFLOW_API_KEY", "TASKFLOW_BASE_URL", "TASKFLOW_MAX_DEPTH", "TASKFLOW_RETRY_MAX_RETRIES"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "taskflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(Options{SearchPaths: []string{t.TempDir()}})
	require.NoError(t, err)

	require.Equal(t, "https://api.openai.com/v1", cfg.BaseURL)
	require.Equal(t, "gpt-4o", cfg.ToolModel)
	require.Equal(t, "gpt-4o-mini", cfg.FallbackModel)
	require.Equal(t, 10, cfg.MaxIterations)
	require.Equal(t, 3, cfg.MaxDepth)
	require.True(t, cfg.EnableInvokeTask)
	require.True(t, cfg.ContinueOnError)
	require.True(t, cfg.StreamChat)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
	require.Equal(t, 2, cfg.Retry.DefectRetries)
	require.Equal(t, 30*time.Second, cfg.MCP.ConnectTimeout)
	require.Equal(t, "info", cfg.Log.Level)
	require.False(t, cfg.Metrics.Enabled)
	require.Equal(t, "otlp", cfg.Tracing.Exporter)
	require.Empty(t, cfg.ConfigFile)
	require.Equal(t, Default().MaxIterations, cfg.MaxIterations)
}

func TestLoadReadsSearchedFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
default_model: gpt-4.1
max_depth: 5
stream_chat: false
retry:
  max_retries: 1
  base_delay: 250ms
  max_delay: 2s
mcp:
  call_timeout: 5s
tracing:
  enabled: true
  exporter: Zipkin
  endpoint: http://zipkin:9411/api/v2/spans
`)

	cfg, err := Load(Options{SearchPaths: []string{dir}})
	require.NoError(t, err)
	require.Equal(t, path, cfg.ConfigFile)
	require.Equal(t, "gpt-4.1", cfg.DefaultModel)
	require.Equal(t, 5, cfg.MaxDepth)
	require.False(t, cfg.StreamChat)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, 5*time.Second, cfg.MCP.CallTimeout)
	require.Equal(t, "zipkin", cfg.Tracing.Exporter)

	transport := cfg.TransportConfig(nil)
	require.Equal(t, 1, transport.Retry.MaxAttempts)
	require.Equal(t, 2*time.Second, transport.Retry.MaxDelay)
	require.Equal(t, 5, cfg.ToolsConfig().MaxDepth)
	require.False(t, cfg.AgentConfig().StreamChat)
	require.True(t, cfg.ObservabilityConfig("1.2.3").Tracing.Enabled)
	require.Equal(t, "1.2.3", cfg.ObservabilityConfig("1.2.3").Tracing.Version)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	clearEnv(t)
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorContains(t, err, "read config")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "max_depth: 5\napi_key: from-file\n")
	t.Setenv("TASKFLOW_MAX_DEPTH", "7")
	t.Setenv("TASKFLOW_RETRY_MAX_RETRIES", "0")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load(Options{SearchPaths: []string{dir}})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxDepth)
	require.Equal(t, 0, cfg.Retry.MaxRetries)
	require.Equal(t, "sk-env", cfg.APIKey)
	require.Equal(t, "sk-env", cfg.ClientConfig().APIKey)
}

func TestPrefixedKeyWinsOverAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFLOW_API_KEY", "sk-taskflow")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := Load(Options{SearchPaths: []string{t.TempDir()}})
	require.NoError(t, err)
	require.Equal(t, "sk-taskflow", cfg.APIKey)
}

func TestFlagsOverrideEverything(t *testing.T) {
	clearEnv(t)
	t.Setenv("TASKFLOW_MAX_DEPTH", "7")

	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.Int("max-depth", 3, "")
	flags.String("model", "", "")
	flags.String("log-level", "info", "")
	flags.Bool("no-invoke-task", false, "")
	require.NoError(t, flags.Parse([]string{"--max-depth=2", "--model=gpt-4.1-mini", "--no-invoke-task"}))

	cfg, err := Load(Options{SearchPaths: []string{t.TempDir()}, Flags: flags})
	require.NoError(t, err)
	require.Equal(t, 2, cfg.MaxDepth)
	require.Equal(t, "gpt-4.1-mini", cfg.DefaultModel)
	require.Equal(t, "info", cfg.Log.Level)
	require.False(t, cfg.EnableInvokeTask)
}

func TestValidateRejectsNonsense(t *testing.T) {
	cfg := Default()
	cfg.MaxIterations = 0
	cfg.RepeatThreshold = 1
	cfg.Retry.Jitter = 2
	cfg.Tracing.Exporter = "jaeger"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"max_iterations", "repeat_threshold", "retry.jitter", "tracing.exporter", "log.level"} {
		require.ErrorContains(t, err, want)
	}
}

func TestValidateNormalises(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = " http://localhost:8080/v1/ "
	cfg.DefaultModel = " gpt-4o "
	cfg.Log.Level = "DEBUG"
	cfg.Tracing.Exporter = ""

	require.NoError(t, cfg.Validate())
	require.Equal(t, "http://localhost:8080/v1", cfg.BaseURL)
	require.Equal(t, "gpt-4o", cfg.DefaultModel)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "otlp", cfg.Tracing.Exporter)
	require.Equal(t, "debug", cfg.LoggingOptions().Level)
	require.Len(t, cfg.RegistryOptions(), 2)
}

func TestMetricsAddrFlagEnablesMetrics(t *testing.T) {
	clearEnv(t)
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.String("metrics-addr", "", "")
	require.NoError(t, flags.Parse([]string{"--metrics-addr=127.0.0.1:0"}))

	cfg, err := Load(Options{SearchPaths: []string{t.TempDir()}, Flags: flags})
	require.NoError(t, err)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "127.0.0.1:0", cfg.Metrics.Addr)
}
