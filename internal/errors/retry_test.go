package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  maxAttempts,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0.5,
	}
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	for failures := 0; failures < 3; failures++ {
		calls := 0
		got, err := RetryWithResult(context.Background(), fastConfig(3), func(context.Context) (string, error) {
			calls++
			if calls <= failures {
				return "", &HTTPStatusError{StatusCode: 503}
			}
			return "ok", nil
		}, nil)

		require.NoError(t, err)
		require.Equal(t, "ok", got)
		require.Equal(t, failures+1, calls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := RetryWithResult(context.Background(), fastConfig(3), func(context.Context) (int, error) {
		calls++
		return 0, &HTTPStatusError{StatusCode: 429}
	}, nil)

	require.Error(t, err)
	require.Contains(t, err.Error(), "max retries exceeded")
	require.Equal(t, 4, calls)
	require.Equal(t, 429, StatusCode(err))
}

func TestRetryStopsOnNonTransientErrors(t *testing.T) {
	for _, failure := range []error{
		&HTTPStatusError{StatusCode: 400},
		errors.New("dial tcp: connection refused"),
		context.Canceled,
	} {
		calls := 0
		_, err := RetryWithResult(context.Background(), fastConfig(3), func(context.Context) (struct{}, error) {
			calls++
			return struct{}{}, failure
		}, nil)

		require.ErrorIs(t, err, failure)
		require.Equal(t, 1, calls)
	}
}

func TestRetryHonoursCustomClassifierAndHook(t *testing.T) {
	marker := errors.New("defect")
	cfg := fastConfig(2)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, marker) }
	var hooked []int
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { hooked = append(hooked, attempt) }

	calls := 0
	_, err := RetryWithResult(context.Background(), cfg, func(context.Context) (bool, error) {
		calls++
		return false, marker
	}, nil)

	require.ErrorIs(t, err, marker)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, hooked)
}

func TestRetryAbortsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := RetryWithResult(ctx, fastConfig(3), func(context.Context) (int, error) {
		calls++
		return 1, nil
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, calls)
}

func TestCalculateBackoffStaysWithinJitterBounds(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.5}
	for attempt := 0; attempt < 3; attempt++ {
		base := cfg.BaseDelay * time.Duration(1<<attempt)
		for i := 0; i < 50; i++ {
			delay := calculateBackoff(attempt, cfg)
			require.GreaterOrEqual(t, delay, base/2)
			require.LessOrEqual(t, delay, base+base/2)
		}
	}
	require.Equal(t, time.Second, calculateBackoff(10, RetryConfig{BaseDelay: time.Second, MaxDelay: time.Second}))
}
