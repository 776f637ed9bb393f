package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/daiku/internal/extract"
	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/service/sessions"
	"github.com/ashita-ai/daiku/internal/storage"
)

func (s *Server) registerTools() {
	// daiku_start_workflow — kick off a plan/write/test/review run.
	s.mcpServer.AddTool(
		mcplib.NewTool("daiku_start_workflow",
			mcplib.WithDescription(`Start a plan/write/test/review workflow from a requirements brief.

WHEN TO USE: you have a self-contained programming task and want the full
pipeline run for you: a development plan, the implementation, a pytest
suite, and a structured review, with every step checkpointed.

HOW IT WORKS: the workflow runs asynchronously. This tool returns the
session ID immediately; poll daiku_workflow_summary with that ID, or read
the daiku://sessions/{id}/state resource, until the status is terminal
(completed, failed, or needs_revision).

WRITING REQUIREMENTS: state the goal, the constraints, and the acceptance
criteria. A focused paragraph beats a one-liner; the planner can only be
as specific as the brief.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("requirements",
				mcplib.Description("The requirements brief the workflow builds from (10 characters minimum)"),
				mcplib.Required(),
			),
			mcplib.WithString("idempotency_key",
				mcplib.Description("Optional: client-chosen key. Repeating the call with the same key and requirements returns the original session instead of starting a second run"),
			),
		),
		s.handleStartWorkflow,
	)

	// daiku_workflow_summary — derived progress report for one session.
	s.mcpServer.AddTool(
		mcplib.NewTool("daiku_workflow_summary",
			mcplib.WithDescription(`Get the progress summary for a workflow session.

Returns the current phase, iteration, error and warning counts, the files
created and modified so far, timing, and test metrics. The summary is
derived from the latest checkpointed state, so it is consistent even while
the workflow is mid-step.

Use this to poll a session started with daiku_start_workflow. The status
field tells you when to stop: completed, failed, and needs_revision are
terminal.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session to summarize"),
				mcplib.Required(),
			),
		),
		s.handleWorkflowSummary,
	)

	// daiku_list_sessions — browse recent workflow runs.
	s.mcpServer.AddTool(
		mcplib.NewTool("daiku_list_sessions",
			mcplib.WithDescription(`List recent workflow sessions, newest first.

Each entry is compact: id, phase, status, iteration, timestamps, plus a
context note when something notable happened (repeated test failures, a
run stopped for human revision). Use daiku_workflow_summary for the full
picture of a single session.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Optional: only show sessions with this status (in_progress, completed, failed, needs_revision)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum sessions to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleListSessions,
	)

	// daiku_cancel_workflow — stop a running session.
	s.mcpServer.AddTool(
		mcplib.NewTool("daiku_cancel_workflow",
			mcplib.WithDescription(`Cancel a running workflow session.

Cancellation is cooperative: the run finishes its current step, records a
final checkpoint, and settles as failed. Watch daiku_workflow_summary for
the terminal status. Cancelling a session that already finished is an
error.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session to cancel"),
				mcplib.Required(),
			),
		),
		s.handleCancelWorkflow,
	)

	// daiku_extract_files — run the fence parser on arbitrary text.
	s.mcpServer.AddTool(
		mcplib.NewTool("daiku_extract_files",
			mcplib.WithDescription(`Extract code files from markdown-fenced text.

Runs the same parser the workflow uses on generated output: fenced code
blocks are split into files, names are taken from "# File: <name>" marker
lines inside each fence, and unnamed blocks get positional defaults.
Useful for turning a model reply or a plan document into concrete files
without starting a workflow.

The parser is deterministic: the same text always produces the same
files.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("text",
				mcplib.Description("The text to extract fenced code files from"),
				mcplib.Required(),
			),
		),
		s.handleExtractFiles,
	)
}

func (s *Server) handleStartWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	requirements := request.GetString("requirements", "")
	if err := model.ValidateRequirements(requirements); err != nil {
		return errorResult(err.Error()), nil
	}

	sess, created, err := s.sessions.Start(ctx, requirements, request.GetString("idempotency_key", ""))
	if err != nil {
		if errors.Is(err, storage.ErrIdempotencyMismatch) {
			return errorResult("idempotency key was already used with different requirements"), nil
		}
		return errorResult(fmt.Sprintf("failed to start workflow: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"session_id": sess.ID,
		"phase":      sess.Phase,
		"status":     sess.Status,
		"created":    created,
		"created_at": sess.CreatedAt,
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleWorkflowSummary(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := sessionIDArg(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	summary, err := s.sessions.Summary(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("session not found: " + id.String()), nil
		}
		return errorResult(fmt.Sprintf("summary failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(summary, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleListSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	opts := storage.ListOptions{
		Limit: request.GetInt("limit", 10),
	}
	if v := request.GetString("status", ""); v != "" {
		status := model.SessionStatus(v)
		if !model.ValidSessionStatus(status) {
			return errorResult(fmt.Sprintf("invalid status filter: %q", v)), nil
		}
		opts.Status = status
	}

	rows, total, err := s.sessions.List(ctx, opts)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	compact := make([]map[string]any, len(rows))
	for i, row := range rows {
		compact[i] = compactSession(row)
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"sessions": compact,
		"count":    len(compact),
		"total":    total,
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleCancelWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := sessionIDArg(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	if err := s.sessions.Cancel(ctx, id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return errorResult("session not found: " + id.String()), nil
		case errors.Is(err, sessions.ErrSessionFinished):
			return errorResult("session already finished"), nil
		default:
			return errorResult(fmt.Sprintf("cancel failed: %v", err)), nil
		}
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"session_id": id,
		"status":     "cancelling",
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleExtractFiles(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	text := request.GetString("text", "")
	if text == "" {
		return errorResult("text is required"), nil
	}

	files := extract.Files(text)

	resultData, _ := json.MarshalIndent(map[string]any{
		"files": files,
		"count": len(files),
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

// sessionIDArg parses the required session_id tool argument.
func sessionIDArg(request mcplib.CallToolRequest) (uuid.UUID, error) {
	raw := request.GetString("session_id", "")
	if raw == "" {
		return uuid.Nil, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session_id: %s", raw)
	}
	return id, nil
}
