package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProcessManagerStopsLongRunningProcess(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, pm.Start(context.Background()))
	require.NoError(t, pm.Write([]byte("ping\n")))
	require.Error(t, pm.Start(context.Background()))

	require.NoError(t, pm.Stop(50*time.Millisecond))
	require.Eventually(t, func() bool { return pm.Write([]byte("ping\n")) != nil }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, pm.Stop(50*time.Millisecond))
}

func TestProcessManagerRejectsMissingCommands(t *testing.T) {
	require.ErrorContains(t, NewProcessManager(ProcessConfig{}).Start(context.Background()), "command is required")
	require.ErrorContains(t, NewProcessManager(ProcessConfig{Command: "definitely-not-a-real-binary-xyz"}).Start(context.Background()), "command not found")
}

func TestMergeEnvOverridesInheritedValues(t *testing.T) {
	env := mergeEnv([]string{"PATH=/bin", "HOME=/root"}, map[string]string{"HOME": "/tmp"})
	require.ElementsMatch(t, []string{"PATH=/bin", "HOME=/tmp"}, env)
	require.Equal(t, []string{"A=1"}, mergeEnv([]string{"A=1"}, nil))
}
