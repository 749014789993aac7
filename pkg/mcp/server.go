package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/advisor/internal/engine"
	"github.com/rendis/advisor/internal/store"
	"github.com/rendis/advisor/pkg/schema"
)

// DefinitionParser decodes and validates a workflow document.
// Satisfied by *validation.DefinitionValidator.
type DefinitionParser interface {
	ParseDefinition(data []byte) (*schema.WorkflowDefinition, *schema.ValidationResult, error)
}

// AdvisorServerDeps holds the dependencies for creating an AdvisorServer.
type AdvisorServerDeps struct {
	Engine    engine.Engine
	Starter   engine.Starter  // with Pool, enables async runs
	Pool      *engine.RunPool // optional
	Store     store.Store
	Validator DefinitionParser
	Logger    *slog.Logger
}

// AdvisorServer wraps an MCP server with the advisory workflow tools.
type AdvisorServer struct {
	engine    engine.Engine
	starter   engine.Starter
	pool      *engine.RunPool
	store     store.Store
	validator DefinitionParser
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewAdvisorServer creates a new AdvisorServer with all tools registered.
func NewAdvisorServer(deps AdvisorServerDeps) *AdvisorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AdvisorServer{
		engine:    deps.Engine,
		starter:   deps.Starter,
		pool:      deps.Pool,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"advisor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Advisor runs advisory workflows for accounting practices. Use advisor.templates to list or install the built-in catalog, advisor.define to register a workflow, advisor.run to execute one for a client, advisor.status and advisor.cancel to follow or stop an execution, and advisor.query to list workflows, executions, events and timelines."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AdvisorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AdvisorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *AdvisorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: templatesTool(), Handler: s.handleTemplates},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("advisor.run",
		mcp.WithDescription("Execute a stored workflow for a client"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition to execute")),
		mcp.WithString("practice_id", mcp.Required(), mcp.Description("Practice that owns the execution")),
		mcp.WithString("client_id", mcp.Description("Client the analysis is for")),
		mcp.WithString("client_name", mcp.Description("Client name used in prompts")),
		mcp.WithObject("input", mcp.Description("Input data made available to every step")),
		mcp.WithString("executed_by", mcp.Description("Who started the execution")),
		mcp.WithBoolean("async", mcp.Description("Return immediately with the execution id instead of waiting for the result")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("advisor.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("advisor.status",
		mcp.WithDescription("Get execution status and step results"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("advisor.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("document", mcp.Description("Workflow definition as a JSON or YAML document")),
		mcp.WithBoolean("dry_run", mcp.Description("Validate only, do not store")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("advisor.query",
		mcp.WithDescription("Query workflows, executions, events, or timelines"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "events", "timeline"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, practice_id, execution_id, status, service_type, category, since, limit, offset)")),
	)
}

func templatesTool() mcp.Tool {
	return mcp.NewTool("advisor.templates",
		mcp.WithDescription("List or install built-in workflow templates"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("list", "install"),
			mcp.Description("list the catalog or install templates into the store"),
		),
		mcp.WithArray("template_ids", mcp.WithStringItems(), mcp.Description("Templates to install (default: all)")),
		mcp.WithBoolean("overwrite", mcp.Description("Replace workflows that already exist")),
		mcp.WithString("service_type", mcp.Description("Filter the listing by service type")),
		mcp.WithString("category", mcp.Description("Filter the listing by category")),
	)
}
