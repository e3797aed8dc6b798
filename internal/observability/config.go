package observability

import (
	"context"
	"errors"
	"fmt"
)

// Config groups the metrics and tracing settings.
type Config struct {
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp",
			Endpoint:    "localhost:4318",
			SampleRate:  1.0,
			ServiceName: "taskflow",
		},
	}
}

// Observability bundles the metrics collector and tracer of one process.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// New builds metrics and tracing from config.
func New(config Config) (*Observability, error) {
	metrics, err := NewMetricsCollector(config.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	tracer, err := NewTracerProvider(config.Tracing)
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		return nil, fmt.Errorf("tracing: %w", err)
	}
	return &Observability{Metrics: metrics, Tracer: tracer}, nil
}

// Shutdown flushes and stops both providers.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return errors.Join(o.Metrics.Shutdown(ctx), o.Tracer.Shutdown(ctx))
}
