package async

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Error(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *captureLogger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func TestGoRecoversPanics(t *testing.T) {
	logger := &captureLogger{}
	done := make(chan struct{})
	Go(logger, "worker", func() {
		defer close(done)
		panic("boom")
	})
	<-done
	require.Eventually(t, func() bool { return logger.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCallConvertsPanicToError(t *testing.T) {
	logger := &captureLogger{}
	err := Call(logger, "subtask", func() error { panic("bad state") })

	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	require.Equal(t, "subtask", panicErr.Name)
	require.Contains(t, err.Error(), "bad state")
	require.Equal(t, 1, logger.count())
}

func TestCallPassesThroughErrors(t *testing.T) {
	want := errors.New("plain")
	require.ErrorIs(t, Call(nil, "x", func() error { return want }), want)
	require.NoError(t, Call(nil, "x", func() error { return nil }))
}
