package llm

import (
	"context"
	"fmt"

	tferrors "taskflow/internal/errors"
	"taskflow/internal/logging"
)

// TransportConfig configures RetryingTransport.
type TransportConfig struct {
	Retry tferrors.RetryConfig
	// DefectRetries bounds reopening a stream that failed before its first
	// chunk, independent of HTTP status.
	DefectRetries int
}

// DefaultTransportConfig returns the default retry policy.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Retry:         tferrors.DefaultRetryConfig(),
		DefectRetries: 2,
	}
}

// RetryingTransport opens streams with bounded exponential backoff. Only the
// opening of a stream is retried; once a chunk has been produced the stream
// is handed to the caller as-is.
type RetryingTransport struct {
	client Client
	config TransportConfig
	logger logging.Logger
}

// NewRetryingTransport wraps client with retry behaviour.
func NewRetryingTransport(client Client, config TransportConfig, logger logging.Logger) *RetryingTransport {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("llm-retry")
	}
	return &RetryingTransport{client: client, config: config, logger: logger}
}

// Open starts a streamed completion, retrying transient open failures and
// streams that break before their first chunk.
func (t *RetryingTransport) Open(ctx context.Context, req CompletionRequest) (*Stream, error) {
	logger := logging.FromContext(ctx, t.logger)

	for defects := 0; ; defects++ {
		stream, err := tferrors.RetryWithResult(ctx, t.config.Retry, func(ctx context.Context) (*Stream, error) {
			return t.client.Stream(ctx, req)
		}, logger)
		if err != nil {
			return nil, err
		}

		first, ok, err := stream.Recv(ctx)
		if err != nil {
			stream.Close()
			return nil, fmt.Errorf("receive stream: %w", err)
		}
		if !ok {
			return stream, nil
		}
		if first.Err != nil && IsStreamDefect(first.Err) {
			stream.Close()
			if defects >= t.config.DefectRetries {
				return nil, fmt.Errorf("stream defect persisted after %d retries: %w", defects, first.Err)
			}
			logger.Warn("Stream failed before first chunk, reopening (%d/%d): %v", defects+1, t.config.DefectRetries, first.Err)
			if t.config.Retry.OnRetry != nil {
				t.config.Retry.OnRetry(defects+1, first.Err, 0)
			}
			continue
		}

		stream.unread(first)
		return stream, nil
	}
}

// Complete performs a non-streaming completion with the same retry policy.
func (t *RetryingTransport) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return tferrors.RetryWithResult(ctx, t.config.Retry, func(ctx context.Context) (*CompletionResponse, error) {
		return t.client.Complete(ctx, req)
	}, logging.FromContext(ctx, t.logger))
}
