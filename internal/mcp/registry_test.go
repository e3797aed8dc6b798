package mcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/logging"
)

type countingFactory struct {
	mu         sync.Mutex
	server     *fakeServer
	created    atomic.Int32
	transports []*pipeTransport
	stopErr    error
}

func (f *countingFactory) build(config ProviderConfig, callTimeout time.Duration) Session {
	f.created.Add(1)
	transport := newPipeTransport(f.server)
	transport.stopErr = f.stopErr
	f.mu.Lock()
	f.transports = append(f.transports, transport)
	f.mu.Unlock()
	return NewClient(config.Name, transport, callTimeout)
}

func stdioConfig(name string) ProviderConfig {
	return ProviderConfig{Name: name, Command: "fake-provider"}
}

func TestRegistryEstablishesEachProviderOnce(t *testing.T) {
	factory := &countingFactory{server: newFakeServer(ToolSchema{Name: "echo"})}
	registry := NewRegistry(WithSessionFactory(factory.build), WithLogger(logging.Nop()))
	defer func() { _ = registry.Shutdown() }()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.CallTool(context.Background(), stdioConfig("alpha"), "echo", map[string]any{"text": "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), factory.created.Load())
	require.Equal(t, []string{"alpha"}, registry.Providers())
}

func TestRegistryCachesToolListsWithAffinity(t *testing.T) {
	server := newFakeServer(ToolSchema{Name: "search", Description: "find things"})
	factory := &countingFactory{server: server}
	registry := NewRegistry(WithSessionFactory(factory.build), WithLogger(logging.Nop()))
	defer func() { _ = registry.Shutdown() }()

	for i := 0; i < 2; i++ {
		defs, err := registry.ListTools(context.Background(), stdioConfig("web"))
		require.NoError(t, err)
		require.Len(t, defs, 1)
		require.Equal(t, "search", defs[0].Name)
		require.Equal(t, "web", defs[0].Provider)
	}
	require.Equal(t, 1, server.hits("tools/list"))
}

func TestRegistryRejectsURLProviders(t *testing.T) {
	registry := NewRegistry(WithLogger(logging.Nop()))
	_, err := registry.ListTools(context.Background(), ProviderConfig{Name: "remote", URL: "https://example.invalid/mcp"})
	require.ErrorIs(t, err, ErrUnsupportedTransport)

	err = ProviderConfig{Name: "both", URL: "u", Command: "c"}.Validate()
	require.ErrorContains(t, err, "mutually exclusive")
	require.Error(t, ProviderConfig{Name: "none"}.Validate())
}

func TestRegistryConnectTimeout(t *testing.T) {
	server := newFakeServer()
	server.silentOn["initialize"] = true
	factory := &countingFactory{server: server}
	registry := NewRegistry(
		WithSessionFactory(factory.build),
		WithTimeouts(20*time.Millisecond, time.Second),
		WithLogger(logging.Nop()),
	)

	_, err := registry.ListTools(context.Background(), stdioConfig("stuck"))
	require.ErrorIs(t, err, ErrTimeout)
	require.Empty(t, registry.Providers())
}

func TestRegistryShutdownClosesEachSessionOnce(t *testing.T) {
	factory := &countingFactory{server: newFakeServer(ToolSchema{Name: "t"}), stopErr: errors.New("already gone")}
	registry := NewRegistry(WithSessionFactory(factory.build), WithLogger(logging.Nop()))

	_, err := registry.ListTools(context.Background(), stdioConfig("a"))
	require.NoError(t, err)
	_, err = registry.ListTools(context.Background(), stdioConfig("b"))
	require.NoError(t, err)

	err = registry.Shutdown()
	require.ErrorContains(t, err, "already gone")
	require.NoError(t, registry.Shutdown())

	for _, transport := range factory.transports {
		require.Equal(t, int32(1), transport.stops.Load())
	}

	_, err = registry.CallTool(context.Background(), stdioConfig("a"), "t", nil)
	require.ErrorIs(t, err, ErrRegistryClosed)
}
