// Package mcp exposes run control as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/platform/auth"
	"github.com/animus-labs/runengine/internal/service/runs"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "runengine"
	serverVersion = "1.0.0"
	maxLogLimit   = 1000
)

type RunService interface {
	Pipelines() []domain.PipelineInfo
	Create(ctx context.Context, projectID, pipelineName, description string) (domain.Run, error)
	Status(ctx context.Context, runID string) (runs.StatusView, error)
	Log(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error)
	RequestStop(ctx context.Context, runID string) (domain.Run, error)
}

type Submitter interface {
	Submit(ctx context.Context, runID string) (domain.Run, error)
}

type Server struct {
	mcpServer *server.MCPServer
	runs      RunService
	sched     Submitter
}

func NewServer(runService RunService, sched Submitter) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			serverName,
			serverVersion,
			server.WithToolCapabilities(true),
		),
		runs:  runService,
		sched: sched,
	}
	s.registerTools()
	return s
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Handler serves the SSE transport under basePath. The caller identity set by
// the HTTP auth middleware is carried into tool calls for auditing.
func (s *Server) Handler(basePath string) http.Handler {
	return server.NewSSEServer(s.mcpServer,
		server.WithStaticBasePath(basePath),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if identity, ok := auth.IdentityFromContext(r.Context()); ok {
				return auth.ContextWithIdentity(ctx, identity)
			}
			return ctx
		}),
	)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_pipelines",
			mcp.WithDescription("List registered pipelines and their ordered steps"),
		),
		s.handleListPipelines,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"create_run",
			mcp.WithDescription("Create a run of a pipeline for a project; optionally submit it"),
			mcp.WithString("project_id", mcp.Required(), mcp.Description("Project the run belongs to")),
			mcp.WithString("pipeline", mcp.Required(), mcp.Description("Registered pipeline name")),
			mcp.WithString("description", mcp.Description("Free-form run description")),
			mcp.WithBoolean("submit", mcp.Description("Queue the run immediately")),
		),
		s.handleCreateRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_run",
			mcp.WithDescription("Queue a not_started run for execution"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
		),
		s.handleSubmitRun,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run_status",
			mcp.WithDescription("Get the status and progress of a run"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
		),
		s.handleGetRunStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_run_log",
			mcp.WithDescription("Read run log entries starting at an offset"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
			mcp.WithNumber("offset", mcp.Description("First entry to return, default 0")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries to return, default 100")),
		),
		s.handleGetRunLog,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"stop_run",
			mcp.WithDescription("Request a run to stop at its next step boundary"),
			mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
		),
		s.handleStopRun,
	)
}

func (s *Server) handleListPipelines(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.runs.Pipelines())
}

func (s *Server) handleCreateRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := request.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: project_id"), nil
	}
	pipeline, err := request.RequireString("pipeline")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: pipeline"), nil
	}
	run, err := s.runs.Create(ctx, projectID, pipeline, request.GetString("description", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create run: %v", err)), nil
	}
	if request.GetBool("submit", false) {
		submitted, err := s.sched.Submit(ctx, run.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Run %s created but not submitted: %v", run.ID, err)), nil
		}
		run = submitted
	}
	return jsonResult(runs.NewStatusView(run))
}

func (s *Server) handleSubmitRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}
	run, err := s.sched.Submit(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit run: %v", err)), nil
	}
	return jsonResult(runs.NewStatusView(run))
}

func (s *Server) handleGetRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}
	view, err := s.runs.Status(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
	}
	return jsonResult(view)
}

type logLine struct {
	Offset  int    `json:"offset"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

func (s *Server) handleGetRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}
	offset := request.GetInt("offset", 0)
	limit := request.GetInt("limit", 100)
	if offset < 0 || limit < 1 {
		return mcp.NewToolResultError("offset must be >= 0 and limit >= 1"), nil
	}
	entries, err := s.runs.Log(ctx, runID, offset, min(limit, maxLogLimit))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read log: %v", err)), nil
	}
	lines := make([]logLine, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, logLine{Offset: entry.Offset, Message: entry.Message, Time: entry.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00")})
	}
	return jsonResult(lines)
}

func (s *Server) handleStopRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: run_id"), nil
	}
	run, err := s.runs.RequestStop(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to stop run: %v", err)), nil
	}
	return jsonResult(runs.NewStatusView(run))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
