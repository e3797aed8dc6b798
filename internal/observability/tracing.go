package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"taskflow/internal/ids"
)

// TracingConfig configures distributed tracing
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter    string  `mapstructure:"exporter" yaml:"exporter"` // otlp, zipkin
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	Version     string  `mapstructure:"-" yaml:"-"`
}

// TracerProvider wraps OpenTelemetry tracer
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a new tracer provider
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return NoopTracer(), nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "taskflow"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "otlp", "":
		endpoint := config.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	return newSDKTracer(config, sdktrace.WithBatcher(exporter))
}

func newSDKTracer(config TracingConfig, opts ...sdktrace.TracerProviderOption) (*TracerProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts = append(opts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("taskflow"),
	}, nil
}

// NoopTracer returns a provider whose spans are discarded.
func NoopTracer() *TracerProvider {
	return &TracerProvider{tracer: noop.NewTracerProvider().Tracer("taskflow")}
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp != nil && tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a span tagged with the run, task and task-run ids found
// in ctx. A nil provider yields a no-op span.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp == nil || tp.tracer == nil {
		return ctx, noop.Span{}
	}

	current := ids.FromContext(ctx)
	if current.RunID != "" {
		attrs = append(attrs, attribute.String(AttrRunID, current.RunID))
	}
	if current.TaskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, current.TaskID))
	}
	if current.TaskRunID != "" {
		attrs = append(attrs, attribute.String(AttrTaskRunID, current.TaskRunID))
	}
	if current.ParentTaskRunID != "" {
		attrs = append(attrs, attribute.String(AttrParentTaskRunID, current.ParentTaskRunID))
	}

	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Common span names
const (
	SpanTaskRun   = "taskflow.task.run"
	SpanIteration = "taskflow.agent.iteration"
	SpanToolCall  = "taskflow.tool.call"
	SpanModelCall = "taskflow.model.call"
	SpanResolve   = "taskflow.tool.resolve"
	SpanRunAll    = "taskflow.run"
)

// Common attribute keys
const (
	AttrRunID           = "taskflow.run_id"
	AttrTaskID          = "taskflow.task_id"
	AttrTaskRunID       = "taskflow.task_run_id"
	AttrParentTaskRunID = "taskflow.parent_task_run_id"
	AttrTaskKind        = "taskflow.task_kind"
	AttrDepth           = "taskflow.depth"
	AttrToolName        = "taskflow.tool_name"
	AttrToolProvider    = "taskflow.tool_provider"
	AttrModel           = "taskflow.model"
	AttrInputTokens     = "taskflow.model.input_tokens"
	AttrOutputTokens    = "taskflow.model.output_tokens"
	AttrIteration       = "taskflow.iteration"
	AttrStopReason      = "taskflow.stop_reason"
	AttrResultKind      = "taskflow.result_kind"
)

// TaskAttrs creates task attributes
func TaskAttrs(kind string, depth int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskKind, kind),
		attribute.Int(AttrDepth, depth),
	}
}

// ToolAttrs creates tool attributes
func ToolAttrs(toolName, provider string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrToolName, toolName)}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrToolProvider, provider))
	}
	return attrs
}

// ModelAttrs creates model attributes
func ModelAttrs(model string, inputTokens, outputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrModel, model),
		attribute.Int(AttrInputTokens, inputTokens),
		attribute.Int(AttrOutputTokens, outputTokens),
	}
}

// ResultAttrs creates tool result attributes
func ResultAttrs(kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrResultKind, kind),
	}
}

// StopAttrs creates stop reason attributes
func StopAttrs(reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStopReason, reason),
	}
}

// IterationAttrs creates iteration attributes
func IterationAttrs(iteration int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrIteration, iteration),
	}
}
