package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector records engine metrics. A nil or disabled collector
// accepts every call and records nothing.
type MetricsCollector struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	// Model metrics
	modelRequests     metric.Int64Counter
	modelTokensInput  metric.Int64Counter
	modelTokensOutput metric.Int64Counter
	modelLatency      metric.Float64Histogram
	modelRetries      metric.Int64Counter

	// Tool metrics
	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram

	// Task metrics
	taskOutcomes      metric.Int64Counter
	taskDuration      metric.Float64Histogram
	subtaskRejections metric.Int64Counter
	tasksActive       metric.Int64UpDownCounter
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NewMetricsCollector creates a collector backed by a dedicated Prometheus
// registry.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("taskflow")

	m := &MetricsCollector{meter: meter, provider: provider, registry: registry}

	if m.modelRequests, err = meter.Int64Counter(
		"taskflow.model.requests",
		metric.WithDescription("Total number of model requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create model_requests counter: %w", err)
	}
	if m.modelTokensInput, err = meter.Int64Counter(
		"taskflow.model.tokens.input",
		metric.WithDescription("Total prompt tokens sent to the model"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create model_tokens_input counter: %w", err)
	}
	if m.modelTokensOutput, err = meter.Int64Counter(
		"taskflow.model.tokens.output",
		metric.WithDescription("Total completion tokens returned by the model"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create model_tokens_output counter: %w", err)
	}
	if m.modelLatency, err = meter.Float64Histogram(
		"taskflow.model.latency",
		metric.WithDescription("Model request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create model_latency histogram: %w", err)
	}
	if m.modelRetries, err = meter.Int64Counter(
		"taskflow.model.retries",
		metric.WithDescription("Model requests retried after a transient failure"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create model_retries counter: %w", err)
	}
	if m.toolExecutions, err = meter.Int64Counter(
		"taskflow.tool.executions",
		metric.WithDescription("Total number of tool executions"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool_executions counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"taskflow.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool_duration histogram: %w", err)
	}
	if m.taskOutcomes, err = meter.Int64Counter(
		"taskflow.task.outcomes",
		metric.WithDescription("Finished task runs by kind and stop reason"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task_outcomes counter: %w", err)
	}
	if m.taskDuration, err = meter.Float64Histogram(
		"taskflow.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task_duration histogram: %w", err)
	}
	if m.subtaskRejections, err = meter.Int64Counter(
		"taskflow.subtask.rejections",
		metric.WithDescription("invoke_task calls rejected before running the target"),
		metric.WithUnit("{rejection}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create subtask_rejections counter: %w", err)
	}
	if m.tasksActive, err = meter.Int64UpDownCounter(
		"taskflow.tasks.active",
		metric.WithDescription("Number of task runs in progress, nested runs included"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasks_active gauge: %w", err)
	}

	return m, nil
}

// Enabled reports whether metrics are being recorded.
func (m *MetricsCollector) Enabled() bool {
	return m != nil && m.registry != nil
}

// Handler serves the Prometheus exposition of the collector's registry.
func (m *MetricsCollector) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordModelCall records one model request.
func (m *MetricsCollector) RecordModelCall(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil || m.modelRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}

	m.modelRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.modelTokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.modelTokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.modelLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordModelRetry records a retried model request.
func (m *MetricsCollector) RecordModelRetry(ctx context.Context, reason string) {
	if m == nil || m.modelRetries == nil {
		return
	}
	m.modelRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordToolExecution records a tool execution
func (m *MetricsCollector) RecordToolExecution(ctx context.Context, toolName string, status string, duration time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	}

	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}

// RecordTaskOutcome records a finished task run.
func (m *MetricsCollector) RecordTaskOutcome(ctx context.Context, kind, reason string, duration time.Duration) {
	if m == nil || m.taskOutcomes == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	}
	m.taskOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSubtaskRejection records an invoke_task call rejected by the depth,
// cycle or lookup checks.
func (m *MetricsCollector) RecordSubtaskRejection(ctx context.Context, kind string) {
	if m == nil || m.subtaskRejections == nil {
		return
	}
	m.subtaskRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// IncrementActiveTasks increments the active task counter
func (m *MetricsCollector) IncrementActiveTasks(ctx context.Context) {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Add(ctx, 1)
}

// DecrementActiveTasks decrements the active task counter
func (m *MetricsCollector) DecrementActiveTasks(ctx context.Context) {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Add(ctx, -1)
}
