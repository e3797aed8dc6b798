package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"taskflow/internal/llm"
	"taskflow/internal/mcp"
	"taskflow/internal/memory"
)

func TestAgentTaskCloneIsDeep(t *testing.T) {
	temp := 0.2
	original := &AgentTask{
		Common: Common{
			ID:         "research",
			Sampling:   llm.Sampling{Temperature: &temp},
			MCPServers: []mcp.ProviderConfig{{Name: "web", Command: "web-mcp", Args: []string{"--fast"}, Env: map[string]string{"K": "V"}}},
			Tools:      []string{"web"},
			Tool:       &llm.ToolDefinition{Name: "lookup", Parameters: map[string]any{"type": "object", "required": []any{"q"}}},
		},
		Memory: memory.Config{Context: []string{"ctx"}, History: []memory.Entry{{Role: "user", Content: "hi"}}},
		Input:  "seed",
	}

	clone := original.Clone().(*AgentTask)
	*clone.Sampling.Temperature = 0.9
	clone.MCPServers[0].Args[0] = "--slow"
	clone.MCPServers[0].Env["K"] = "changed"
	clone.Tools[0] = "other"
	clone.Tool.Parameters["type"] = "string"
	clone.Tool.Parameters["required"].([]any)[0] = "x"
	clone.Memory.Context[0] = "changed"
	clone.Memory.History[0].Content = "changed"

	require.Equal(t, 0.2, *original.Sampling.Temperature)
	require.Equal(t, "--fast", original.MCPServers[0].Args[0])
	require.Equal(t, "V", original.MCPServers[0].Env["K"])
	require.Equal(t, "web", original.Tools[0])
	require.Equal(t, "object", original.Tool.Parameters["type"])
	require.Equal(t, "q", original.Tool.Parameters["required"].([]any)[0])
	require.Equal(t, "ctx", original.Memory.Context[0])
	require.Equal(t, "hi", original.Memory.History[0].Content)
}

func TestWithInputTargetsSeedField(t *testing.T) {
	agent := &AgentTask{Common: Common{ID: "a"}, Input: "old"}
	overridden := agent.WithInput("new").(*AgentTask)
	require.Equal(t, "new", overridden.Input)
	require.Equal(t, "old", agent.Input)

	chat := &ChatTask{Common: Common{ID: "c"}, Description: "old"}
	overriddenChat := chat.WithInput("new").(*ChatTask)
	require.Equal(t, "new", overriddenChat.Description)
	require.Equal(t, "old", chat.Description)
}

func TestUsesToolsAndProviderLookup(t *testing.T) {
	c := Common{ID: "x"}
	require.False(t, c.UsesTools())

	c.Tools = []string{"fs"}
	require.True(t, c.UsesTools())

	c = Common{Tool: &llm.ToolDefinition{Name: "echo"}}
	require.True(t, c.UsesTools())

	c.MCPServers = []mcp.ProviderConfig{{Name: "fs", Command: "fs-mcp"}}
	p, ok := c.Provider("fs")
	require.True(t, ok)
	require.Equal(t, "fs-mcp", p.Command)
	_, ok = c.Provider("missing")
	require.False(t, ok)
}
