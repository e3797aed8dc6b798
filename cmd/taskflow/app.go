package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"taskflow/internal/agent"
	"taskflow/internal/async"
	"taskflow/internal/config"
	"taskflow/internal/llm"
	"taskflow/internal/logging"
	"taskflow/internal/mcp"
	"taskflow/internal/observability"
	"taskflow/internal/tools"
)

// app owns the process-wide collaborators of one command invocation.
type app struct {
	config        config.RunConfig
	logger        logging.Logger
	obs           *observability.Observability
	registry      *mcp.Registry
	dispatcher    *tools.Dispatcher
	metricsServer *http.Server
	closeLog      func() error
}

func newApp(opts *globalOptions, flags *pflag.FlagSet) (*app, error) {
	cfg, err := config.Load(config.Options{File: opts.configFile, Flags: flags})
	if err != nil {
		return nil, err
	}
	closeLog, err := logging.Configure(cfg.LoggingOptions())
	if err != nil {
		return nil, err
	}
	logger := logging.NewComponentLogger("taskflow")
	if cfg.ConfigFile != "" {
		logger.Debug("Loaded config from %s", cfg.ConfigFile)
	}

	obs, err := observability.New(cfg.ObservabilityConfig(version))
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	registryOpts := append(cfg.RegistryOptions(), mcp.WithLogger(logging.NewComponentLogger("mcp-registry")))
	registry := mcp.NewRegistry(registryOpts...)
	dispatcher := tools.NewDispatcher(registry, cfg.ToolsConfig(),
		tools.WithLogger(logging.NewComponentLogger("tools")),
		tools.WithObservability(obs.Metrics, obs.Tracer),
	)
	if err := dispatcher.RegisterBuiltins(); err != nil {
		_ = obs.Shutdown(context.Background())
		_ = closeLog()
		return nil, err
	}

	return &app{
		config:     cfg,
		logger:     logger,
		obs:        obs,
		registry:   registry,
		dispatcher: dispatcher,
		closeLog:   closeLog,
	}, nil
}

// serveMetrics exposes the Prometheus endpoint when metrics are enabled.
func (a *app) serveMetrics() error {
	if !a.obs.Metrics.Enabled() {
		return nil
	}
	listener, err := net.Listen("tcp", a.config.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.obs.Metrics.Handler())
	a.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.logger.Info("Serving metrics on http://%s/metrics", listener.Addr())
	server := a.metricsServer
	async.Go(a.logger, "metrics.serve", func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server stopped: %v", err)
		}
	})
	return nil
}

// newRuntime builds the model transport and the engine runtime.
func (a *app) newRuntime(ctx context.Context, observer agent.Observer) (*agent.Runtime, error) {
	clientConfig := a.config.ClientConfig()
	clientConfig.Logger = logging.NewComponentLogger("llm")
	client := llm.NewOpenAIClient(clientConfig)

	metrics := a.obs.Metrics
	transport := llm.NewRetryingTransport(client, a.config.TransportConfig(func(attempt int, err error, delay time.Duration) {
		reason := "transient"
		var defect *llm.StreamDefectError
		if errors.As(err, &defect) {
			reason = "stream_defect"
		}
		metrics.RecordModelRetry(ctx, reason)
	}), logging.NewComponentLogger("llm-retry"))

	return agent.NewRuntime(ctx, a.config.AgentConfig(), agent.Deps{
		Transport:  transport,
		Providers:  a.registry,
		Dispatcher: a.dispatcher,
		Logger:     logging.NewComponentLogger("agent"),
		Metrics:    a.obs.Metrics,
		Tracer:     a.obs.Tracer,
		Observer:   observer,
	})
}

// Close stops providers, flushes telemetry and closes the log file.
func (a *app) Close() error {
	var errs []error
	if err := a.registry.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown providers: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}
	if err := a.obs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown observability: %w", err))
	}
	if err := a.closeLog(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
