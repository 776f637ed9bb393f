package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// write-requirements — turns a rough goal into a workflow-ready brief.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("write-requirements",
			mcplib.WithPromptDescription("Expand a rough goal into a requirements brief ready for daiku_start_workflow"),
			mcplib.WithArgument("goal",
				mcplib.ArgumentDescription("The rough goal or feature idea to expand"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleWriteRequirementsPrompt,
	)

	// inspect-session — walks through reading a finished workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("inspect-session",
			mcplib.WithPromptDescription("Review a workflow session's summary, latest state, and event history"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("The session to inspect"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleInspectSessionPrompt,
	)
}

func (s *Server) handleWriteRequirementsPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	goal := request.Params.Arguments["goal"]
	if goal == "" {
		return nil, fmt.Errorf("goal argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Write a requirements brief for: %s", goal),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Expand this goal into a requirements brief for an automated
plan/write/test/review workflow:

  %s

Write the brief so a planner with no other context can act on it:

1. GOAL: one sentence saying what the finished code must do.

2. CONSTRAINTS: language, frameworks, and libraries that must (or must
   not) be used. The workflow writes Python and tests with pytest, so
   mention any version or dependency limits.

3. ACCEPTANCE CRITERIA: observable behaviors that decide success. Each
   criterion should be something a test can check.

4. OUT OF SCOPE: anything a reasonable engineer might assume is included
   but is not.

Keep it to one or two paragraphs plus the criteria list. When the brief
is ready, call daiku_start_workflow with it as the requirements
argument.`, goal),
				},
			},
		},
	}, nil
}

func (s *Server) handleInspectSessionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sessionID := request.Params.Arguments["session_id"]
	if sessionID == "" {
		return nil, fmt.Errorf("session_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Inspect workflow session %s", sessionID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review workflow session %s step by step:

1. CALL daiku_workflow_summary with session_id="%s" and note the status,
   iteration count, and error/warning totals.

2. READ the daiku://sessions/%s/state resource for the latest
   checkpointed state: the plan, the generated files, test results, and
   review notes.

3. If anything looks off, READ daiku://sessions/%s/events to see the
   step-by-step history and find where the run went sideways.

4. REPORT: summarize what the workflow produced, whether the tests
   passed, what the review concluded, and whether the session needs a
   revised brief or is done.`, sessionID, sessionID, sessionID, sessionID),
				},
			},
		},
	}, nil
}
