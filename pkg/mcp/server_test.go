package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdvisorServer(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewAdvisorServer(AdvisorServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"advisor.run",
		"advisor.cancel",
		"advisor.status",
		"advisor.define",
		"advisor.query",
		"advisor.templates",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "advisor.run", "Execute a stored workflow for a client"},
		{"cancel", "advisor.cancel", "Cancel a pending or running execution"},
		{"status", "advisor.status", "Get execution status and step results"},
		{"define", "advisor.define", "Validate and store a workflow definition"},
		{"query", "advisor.query", "Query workflows, executions, events, or timelines"},
		{"templates", "advisor.templates", "List or install built-in workflow templates"},
	}

	s := NewAdvisorServer(AdvisorServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
