package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/daiku/internal/extract"
	"github.com/ashita-ai/daiku/internal/llm"
	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/quality"
)

// manifestName is the dependency manifest the tester installs from when
// the coder produced one.
const manifestName = "requirements.txt"

func (e *Engine) runNode(ctx context.Context, node Node, st model.WorkflowState) model.WorkflowState {
	switch node {
	case NodePlanner:
		return e.runPlanner(ctx, st)
	case NodeCoder:
		return e.runCoder(ctx, st)
	case NodeTester:
		return e.runTester(ctx, st)
	case NodeReviewer:
		return e.runReviewer(ctx, st)
	}
	// Caught by the step boundary and turned into a failed session.
	panic(fmt.Sprintf("engine: no implementation for node %q", node))
}

func (e *Engine) runPlanner(ctx context.Context, st model.WorkflowState) model.WorkflowState {
	st = e.announce(st, NodePlanner, model.PhasePlanning, "Analyzing requirements and drafting a plan")

	st, plan := e.artifact(ctx, st, NodePlanner, llm.GenerateRequest{
		System:      plannerSystem,
		Prompt:      plannerPrompt(st.Requirements),
		MaxTokens:   plannerMaxTokens,
		Temperature: plannerTemperature,
	}, fallbackPlan())

	return st.With(func(ws *model.WorkflowState) {
		ws.Plan = plan
		ws.AppendMessage(string(NodePlanner), "Plan drafted", model.MessageSuccess)
	})
}

func (e *Engine) runCoder(ctx context.Context, st model.WorkflowState) model.WorkflowState {
	st = e.announce(st, NodeCoder, model.PhaseCoding, "Writing code for the current plan")

	st, code := e.artifact(ctx, st, NodeCoder, llm.GenerateRequest{
		System:      coderSystem,
		Prompt:      coderPrompt(st.Requirements, st.Plan, st.Review, formatRecentErrors(st.Errors)),
		MaxTokens:   coderMaxTokens,
		Temperature: coderTemperature,
	}, fallbackCode(st.Requirements))

	st = st.With(func(ws *model.WorkflowState) { ws.Code = code })
	st = e.saveExtracted(st, NodeCoder, code)

	return st.With(func(ws *model.WorkflowState) {
		score := quality.Score(ws.Code)
		ws.Metrics.CodeQualityScore = &score
		ws.AppendMessage(string(NodeCoder),
			fmt.Sprintf("Code written; %d file(s) in workspace", len(ws.FilesCreated)),
			model.MessageSuccess)
	})
}

func (e *Engine) runTester(ctx context.Context, st model.WorkflowState) model.WorkflowState {
	st = e.announce(st, NodeTester, model.PhaseTesting, "Preparing the test suite")

	if slices.Contains(st.FilesCreated, manifestName) {
		res, err := e.deps.Workspace.InstallFrom(ctx, st.SessionID, manifestName)
		if err != nil || !res.Success {
			detail := res.Combined()
			if err != nil {
				detail = err.Error()
			}
			// Fatal for this node call: no point running tests in a
			// broken environment.
			return st.With(func(ws *model.WorkflowState) {
				ws.AppendError("dependency install failed: " + detail)
				ws.AppendMessage(string(NodeTester), "Dependency install failed; skipping test run", model.MessageError)
			})
		}
		st = st.With(func(ws *model.WorkflowState) {
			ws.AppendMessage(string(NodeTester), "Dependencies installed", model.MessageInfo)
		})
	}

	st, tests := e.artifact(ctx, st, NodeTester, llm.GenerateRequest{
		System:      testerSystem,
		Prompt:      testerPrompt(st.Requirements, st.Code),
		MaxTokens:   testerMaxTokens,
		Temperature: testerTemperature,
	}, fallbackTests())

	st = st.With(func(ws *model.WorkflowState) { ws.Tests = tests })
	st = e.saveExtracted(st, NodeTester, tests)

	res, err := e.deps.Workspace.RunTests(ctx, st.SessionID)
	passed := err == nil && res.Success
	coverage := 0.0
	if passed {
		coverage = 100.0
	}

	return st.With(func(ws *model.WorkflowState) {
		ws.Metrics.TestCoverage = &coverage
		if passed {
			ws.AppendMessage(string(NodeTester), "All tests passed", model.MessageSuccess)
			return
		}
		detail := res.Combined()
		if err != nil {
			detail = err.Error()
		}
		if detail == "" {
			detail = fmt.Sprintf("test run exited with code %d", res.ExitCode)
		}
		ws.AppendError("tests failed: " + detail)
		ws.AppendMessage(string(NodeTester), "Tests failed", model.MessageError)
	})
}

func (e *Engine) runReviewer(ctx context.Context, st model.WorkflowState) model.WorkflowState {
	st = e.announce(st, NodeReviewer, model.PhaseReviewing, "Reviewing code and test results")

	st, review := e.artifact(ctx, st, NodeReviewer, llm.GenerateRequest{
		System:      reviewerSystem,
		Prompt:      reviewerPrompt(st.Requirements, st.Code, st.Tests, formatRecentErrors(st.Errors)),
		MaxTokens:   reviewerMaxTokens,
		Temperature: reviewerTemperature,
	}, fallbackReview())

	approved := strings.Contains(review, approvalMarker)
	score := reviewScoreRejected
	if approved {
		score = reviewScoreApproved
	}

	return st.With(func(ws *model.WorkflowState) {
		ws.Review = review
		ws.Metrics.ReviewScore = &score
		if approved {
			ws.AppendMessage(string(NodeReviewer), "Code approved", model.MessageSuccess)
		} else {
			ws.AppendMessage(string(NodeReviewer), "Changes requested", model.MessageWarning)
		}
	})
}

// Review text maps to a coarse binary score, not a graded metric.
const (
	reviewScoreApproved = 95.0
	reviewScoreRejected = 40.0
)

// announce marks the node as the current agent, moves the phase, and
// logs the starting message. A session paused in needs_revision goes
// back to in_progress the moment the next node starts.
func (e *Engine) announce(st model.WorkflowState, node Node, phase model.Phase, note string) model.WorkflowState {
	return st.With(func(ws *model.WorkflowState) {
		ws.CurrentAgent = string(node)
		ws.Phase = phase
		if ws.Status == model.StatusNeedsRevision {
			ws.Status = model.StatusInProgress
		}
		ws.AppendMessage(string(node), note, model.MessageThinking)
	})
}

// artifact runs one generation call and returns its text, substituting
// the deterministic fallback and recording a warning when the
// collaborator fails.
func (e *Engine) artifact(ctx context.Context, st model.WorkflowState, node Node, req llm.GenerateRequest, fallback string) (model.WorkflowState, string) {
	text, err := e.deps.Generator.Generate(ctx, req)
	if err != nil {
		e.logger.Warn("generation failed, using fallback artifact", "node", node, "error", err)
		st = st.With(func(ws *model.WorkflowState) {
			ws.AppendWarning(fmt.Sprintf("%s generation failed: %v; using fallback artifact", node, err))
		})
		return st, fallback
	}
	return st, text
}

// saveExtracted runs extraction over an artifact and persists every
// file into the session workspace. First-time names land in
// filesCreated, overwrites in filesModified.
func (e *Engine) saveExtracted(st model.WorkflowState, node Node, text string) model.WorkflowState {
	files := extract.Files(text)
	if len(files) == 0 {
		return st.With(func(ws *model.WorkflowState) {
			ws.AppendWarning(fmt.Sprintf("%s produced no extractable files", node))
		})
	}
	return st.With(func(ws *model.WorkflowState) {
		for _, f := range files {
			if _, err := e.deps.Workspace.Save(ws.SessionID, f.Name, f.Content, true); err != nil {
				ws.AppendWarning(fmt.Sprintf("could not save %s: %v", f.Name, err))
				continue
			}
			if slices.Contains(ws.FilesCreated, f.Name) {
				ws.RecordFilesModified(f.Name)
			} else {
				ws.RecordFilesCreated(f.Name)
			}
			ws.AppendMessage(string(node), "Saved "+f.Name, model.MessageInfo)
		}
	})
}
