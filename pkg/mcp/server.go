package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hireloop/hireloop/internal/agents"
	"github.com/hireloop/hireloop/internal/engine"
)

// HireloopServerDeps holds the dependencies for creating a HireloopServer.
type HireloopServerDeps struct {
	Orchestrator engine.Runtime
	Directory    agents.Directory
	FreeBusy     agents.FreeBusySource
	Availability agents.AvailabilitySource
	Logger       *slog.Logger
}

// HireloopServer wraps an MCP server with hiring-pipeline tool handlers.
type HireloopServer struct {
	orchestrator engine.Runtime
	directory    agents.Directory
	freeBusy     agents.FreeBusySource
	availability agents.AvailabilitySource
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewHireloopServer creates a new HireloopServer with all 6 tools registered.
func NewHireloopServer(deps HireloopServerDeps) *HireloopServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &HireloopServer{
		orchestrator: deps.Orchestrator,
		directory:    deps.Directory,
		freeBusy:     deps.FreeBusy,
		availability: deps.Availability,
		logger:       logger,
	}

	mcpSrv := server.NewMCPServer(
		"hireloop",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Hireloop orchestrates multi-stage hiring pipelines. Use hiring.start to launch a pipeline for a candidate, hiring.status to check progress, hiring.decide to resolve a pending human decision, hiring.cancel to abort a workflow, hiring.decisions to list decision requests, and hiring.preview_slots to preview interview slots without booking."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *HireloopServer) Serve(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *HireloopServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *HireloopServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: decisionsTool(), Handler: s.handleDecisions},
		{Tool: previewSlotsTool(), Handler: s.handlePreviewSlots},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("hiring.start",
		mcp.WithDescription("Launch a hiring pipeline for a candidate"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of the job opening")),
		mcp.WithString("candidate_id", mcp.Required(), mcp.Description("ID of the candidate")),
		mcp.WithObject("pipeline", mcp.Required(), mcp.Description("Pipeline definition: ordered stage list with agents, conditions, retry policies")),
		mcp.WithObject("context", mcp.Description("Initial workflow context")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("hiring.status",
		mcp.WithDescription("Get the status of a hiring workflow: stage history, progress, pending decisions"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("hiring.decide",
		mcp.WithDescription("Resolve the pending human decision of a paused workflow and resume it"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the paused workflow")),
		mcp.WithString("response", mcp.Required(), mcp.Description("Decision response; must be one of the allowed responses of the pending decision")),
		mcp.WithString("resolved_by", mcp.Required(), mcp.Description("Identity of the person deciding")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("hiring.cancel",
		mcp.WithDescription("Cancel a hiring workflow; idempotent on terminal workflows"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
	)
}

func decisionsTool() mcp.Tool {
	return mcp.NewTool("hiring.decisions",
		mcp.WithDescription("List decision requests for a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("status", mcp.Description("Filter by decision status"),
			mcp.Enum("pending", "resolved", "cancelled"),
		),
	)
}

func previewSlotsTool() mcp.Tool {
	return mcp.NewTool("hiring.preview_slots",
		mcp.WithDescription("Preview ranked interview slots for a candidate and job without booking"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of the job opening")),
		mcp.WithString("candidate_id", mcp.Required(), mcp.Description("ID of the candidate")),
		mcp.WithString("duration_minutes", mcp.Description("Interview duration in minutes (default 60)")),
		mcp.WithString("horizon_days", mcp.Description("Scheduling horizon in business-anchored days (default 7)")),
		mcp.WithString("policy", mcp.Description("Ranking policy"),
			mcp.Enum("earliest_first", "skill_match_first"),
		),
		mcp.WithString("limit", mcp.Description("Maximum number of slots to return (default 5)")),
	)
}
