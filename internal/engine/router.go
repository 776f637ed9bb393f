package engine

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/daiku/internal/model"
)

// Node identifies one workflow node.
type Node string

const (
	NodePlanner  Node = "planner"
	NodeCoder    Node = "coder"
	NodeTester   Node = "tester"
	NodeReviewer Node = "reviewer"

	// nodeHarness labels checkpoints and events produced by the
	// harness itself rather than a node (step bound, cancellation).
	nodeHarness Node = "harness"
)

// Counters tracks the per-edge retry budgets consumed so far. They live
// outside WorkflowState so routing bookkeeping never leaks into
// checkpointed snapshots.
type Counters struct {
	TestRetries  int `json:"test_retries"`
	ReviewRounds int `json:"review_rounds"`
}

// Rules fixes the loop caps and quality bars the router applies.
type Rules struct {
	MaxTestRetries    int
	MaxReviewRounds   int
	CoverageThreshold float64
	ApprovalThreshold float64
}

// DefaultRules returns the stock caps and thresholds.
func DefaultRules() Rules {
	return Rules{
		MaxTestRetries:    3,
		MaxReviewRounds:   5,
		CoverageThreshold: 80.0,
		ApprovalThreshold: 85.0,
	}
}

// Decision is the router's verdict after one node call.
type Decision struct {
	// Next is the node to run; empty when Terminal.
	Next Node
	// Terminal ends the session with Status.
	Terminal bool
	// Status is the session status the decision implies. Empty means
	// unchanged; needs_revision accompanies a rejected review.
	Status model.SessionStatus
	// NewIteration is set when the decision routes back to the coder,
	// starting another pass over the code.
	NewIteration bool
	// Error, when non-empty, is recorded into the state's error log
	// (cap exhaustion, abnormal termination).
	Error string
	// Reason is the human-readable routing explanation for events and
	// logs.
	Reason string
}

// Advance applies the counter bookkeeping for the edge just traversed.
// This is the explicit mutation step that runs before Route; the
// decision itself never touches counters.
func Advance(node Node, st model.WorkflowState, c Counters, r Rules) Counters {
	switch node {
	case NodeTester:
		if coveragePassed(st, r) {
			c.TestRetries = 0
		} else {
			c.TestRetries++
		}
	case NodeReviewer:
		if !reviewApproved(st, r) {
			c.ReviewRounds++
		}
	}
	return c
}

// Route picks what happens after node returned st. It is pure over its
// inputs; callers must Advance the counters for this edge first.
func Route(node Node, st model.WorkflowState, c Counters, r Rules) Decision {
	switch node {
	case NodePlanner:
		if strings.TrimSpace(st.Plan) == "" {
			return Decision{
				Terminal: true,
				Status:   model.StatusCompleted,
				Error:    "planning produced no plan; nothing to build",
				Reason:   "empty plan",
			}
		}
		return Decision{Next: NodeCoder, Reason: "plan ready"}

	case NodeCoder:
		if len(st.FilesCreated) == 0 {
			return Decision{
				Terminal: true,
				Status:   model.StatusCompleted,
				Reason:   "no files were created; nothing to test",
			}
		}
		if c.TestRetries > r.MaxTestRetries {
			return Decision{Next: NodeReviewer, Reason: "test retry budget exhausted; moving to review"}
		}
		return Decision{Next: NodeTester, Reason: "code ready for testing"}

	case NodeTester:
		if coveragePassed(st, r) {
			return Decision{Next: NodeReviewer, Reason: "tests passed"}
		}
		if c.TestRetries > r.MaxTestRetries {
			return Decision{
				Terminal: true,
				Status:   model.StatusCompleted,
				Error:    fmt.Sprintf("max test retries (%d) exceeded; completing with failing tests", r.MaxTestRetries),
				Reason:   "test retries exhausted",
			}
		}
		return Decision{Next: NodeCoder, NewIteration: true, Reason: "tests failed; returning to coder"}

	case NodeReviewer:
		if reviewApproved(st, r) {
			return Decision{Terminal: true, Status: model.StatusCompleted, Reason: "review approved"}
		}
		if c.ReviewRounds > r.MaxReviewRounds {
			return Decision{
				Terminal: true,
				Status:   model.StatusCompleted,
				Error:    fmt.Sprintf("max review rounds (%d) exceeded; completing with unresolved review feedback", r.MaxReviewRounds),
				Reason:   "review rounds exhausted",
			}
		}
		return Decision{
			Next:         NodeCoder,
			Status:       model.StatusNeedsRevision,
			NewIteration: true,
			Reason:       "review requested changes",
		}
	}

	return Decision{
		Terminal: true,
		Status:   model.StatusFailed,
		Error:    fmt.Sprintf("router has no rule for node %q", node),
		Reason:   "unknown node",
	}
}

func coveragePassed(st model.WorkflowState, r Rules) bool {
	return st.Metrics.TestCoverage != nil && *st.Metrics.TestCoverage > r.CoverageThreshold
}

func reviewApproved(st model.WorkflowState, r Rules) bool {
	return st.Metrics.ReviewScore != nil && *st.Metrics.ReviewScore > r.ApprovalThreshold
}
