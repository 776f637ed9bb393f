package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/daiku/internal/engine"
	"github.com/ashita-ai/daiku/internal/model"
)

func routerState(mutate func(*model.WorkflowState)) model.WorkflowState {
	st := model.NewWorkflowState("sess-router", "build a small command line utility")
	if mutate == nil {
		return st
	}
	return st.With(mutate)
}

func withCoverage(v float64) func(*model.WorkflowState) {
	return func(ws *model.WorkflowState) { ws.Metrics.TestCoverage = &v }
}

func withReviewScore(v float64) func(*model.WorkflowState) {
	return func(ws *model.WorkflowState) { ws.Metrics.ReviewScore = &v }
}

func TestAdvance(t *testing.T) {
	rules := engine.DefaultRules()

	tests := []struct {
		name string
		node engine.Node
		st   model.WorkflowState
		in   engine.Counters
		want engine.Counters
	}{
		{
			name: "planner leaves counters alone",
			node: engine.NodePlanner,
			st:   routerState(nil),
			in:   engine.Counters{TestRetries: 1, ReviewRounds: 2},
			want: engine.Counters{TestRetries: 1, ReviewRounds: 2},
		},
		{
			name: "coder leaves counters alone",
			node: engine.NodeCoder,
			st:   routerState(nil),
			in:   engine.Counters{TestRetries: 2},
			want: engine.Counters{TestRetries: 2},
		},
		{
			name: "tester pass resets the retry counter",
			node: engine.NodeTester,
			st:   routerState(withCoverage(100.0)),
			in:   engine.Counters{TestRetries: 2, ReviewRounds: 1},
			want: engine.Counters{TestRetries: 0, ReviewRounds: 1},
		},
		{
			name: "tester failure increments",
			node: engine.NodeTester,
			st:   routerState(withCoverage(0.0)),
			in:   engine.Counters{TestRetries: 2},
			want: engine.Counters{TestRetries: 3},
		},
		{
			name: "tester with no coverage counts as failure",
			node: engine.NodeTester,
			st:   routerState(nil),
			in:   engine.Counters{},
			want: engine.Counters{TestRetries: 1},
		},
		{
			name: "coverage exactly at threshold is a failure",
			node: engine.NodeTester,
			st:   routerState(withCoverage(80.0)),
			in:   engine.Counters{},
			want: engine.Counters{TestRetries: 1},
		},
		{
			name: "reviewer approval leaves rounds alone",
			node: engine.NodeReviewer,
			st:   routerState(withReviewScore(95.0)),
			in:   engine.Counters{ReviewRounds: 1},
			want: engine.Counters{ReviewRounds: 1},
		},
		{
			name: "reviewer rejection increments rounds",
			node: engine.NodeReviewer,
			st:   routerState(withReviewScore(40.0)),
			in:   engine.Counters{ReviewRounds: 1},
			want: engine.Counters{ReviewRounds: 2},
		},
		{
			name: "score exactly at threshold is a rejection",
			node: engine.NodeReviewer,
			st:   routerState(withReviewScore(85.0)),
			in:   engine.Counters{},
			want: engine.Counters{ReviewRounds: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Advance(tt.node, tt.st, tt.in, rules)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoute(t *testing.T) {
	rules := engine.DefaultRules()

	withPlanAndFiles := func(ws *model.WorkflowState) {
		ws.Plan = "1. build it"
		ws.RecordFilesCreated("main.py")
	}

	tests := []struct {
		name         string
		node         engine.Node
		st           model.WorkflowState
		counters     engine.Counters
		wantNext     engine.Node
		wantTerminal bool
		wantStatus   model.SessionStatus
		wantNewIter  bool
		wantErr      string
	}{
		{
			name:     "planner with a plan moves to coder",
			node:     engine.NodePlanner,
			st:       routerState(func(ws *model.WorkflowState) { ws.Plan = "1. do things" }),
			wantNext: engine.NodeCoder,
		},
		{
			name:         "planner with a blank plan terminates",
			node:         engine.NodePlanner,
			st:           routerState(func(ws *model.WorkflowState) { ws.Plan = "   \n" }),
			wantTerminal: true,
			wantStatus:   model.StatusCompleted,
			wantErr:      "no plan",
		},
		{
			name:         "coder with no files terminates without an error",
			node:         engine.NodeCoder,
			st:           routerState(func(ws *model.WorkflowState) { ws.Plan = "1. do things" }),
			wantTerminal: true,
			wantStatus:   model.StatusCompleted,
		},
		{
			name:     "coder with files moves to tester",
			node:     engine.NodeCoder,
			st:       routerState(withPlanAndFiles),
			wantNext: engine.NodeTester,
		},
		{
			name:     "coder skips testing once the retry budget is spent",
			node:     engine.NodeCoder,
			st:       routerState(withPlanAndFiles),
			counters: engine.Counters{TestRetries: rules.MaxTestRetries + 1},
			wantNext: engine.NodeReviewer,
		},
		{
			name:     "tester pass moves to reviewer",
			node:     engine.NodeTester,
			st:       routerState(withCoverage(100.0)),
			wantNext: engine.NodeReviewer,
		},
		{
			name:        "tester failure under the cap retries through coder",
			node:        engine.NodeTester,
			st:          routerState(withCoverage(0.0)),
			counters:    engine.Counters{TestRetries: rules.MaxTestRetries},
			wantNext:    engine.NodeCoder,
			wantNewIter: true,
		},
		{
			name:         "tester failure over the cap terminates with an error",
			node:         engine.NodeTester,
			st:           routerState(withCoverage(0.0)),
			counters:     engine.Counters{TestRetries: rules.MaxTestRetries + 1},
			wantTerminal: true,
			wantStatus:   model.StatusCompleted,
			wantErr:      "max test retries (3) exceeded",
		},
		{
			name:         "reviewer approval completes the session",
			node:         engine.NodeReviewer,
			st:           routerState(withReviewScore(95.0)),
			wantTerminal: true,
			wantStatus:   model.StatusCompleted,
		},
		{
			name:        "reviewer rejection under the cap goes back to coder",
			node:        engine.NodeReviewer,
			st:          routerState(withReviewScore(40.0)),
			counters:    engine.Counters{ReviewRounds: rules.MaxReviewRounds},
			wantNext:    engine.NodeCoder,
			wantStatus:  model.StatusNeedsRevision,
			wantNewIter: true,
		},
		{
			name:         "reviewer rejection over the cap terminates with an error",
			node:         engine.NodeReviewer,
			st:           routerState(withReviewScore(40.0)),
			counters:     engine.Counters{ReviewRounds: rules.MaxReviewRounds + 1},
			wantTerminal: true,
			wantStatus:   model.StatusCompleted,
			wantErr:      "max review rounds (5) exceeded",
		},
		{
			name:         "unknown node fails the session",
			node:         engine.Node("mystery"),
			st:           routerState(nil),
			wantTerminal: true,
			wantStatus:   model.StatusFailed,
			wantErr:      "no rule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Route(tt.node, tt.st, tt.counters, rules)
			assert.Equal(t, tt.wantTerminal, d.Terminal)
			assert.Equal(t, tt.wantNext, d.Next)
			assert.Equal(t, tt.wantStatus, d.Status)
			assert.Equal(t, tt.wantNewIter, d.NewIteration)
			if tt.wantErr == "" {
				assert.Empty(t, d.Error)
			} else {
				assert.Contains(t, d.Error, tt.wantErr)
			}
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestRouteIsPure(t *testing.T) {
	st := routerState(withCoverage(0.0))
	before := len(st.Errors)

	for range 3 {
		d := engine.Route(engine.NodeTester, st, engine.Counters{TestRetries: 10}, engine.DefaultRules())
		assert.True(t, d.Terminal)
	}
	assert.Len(t, st.Errors, before, "routing must not mutate state")
}

func TestRouteThresholdsAreStrict(t *testing.T) {
	rules := engine.DefaultRules()

	d := engine.Route(engine.NodeTester, routerState(withCoverage(rules.CoverageThreshold)), engine.Counters{TestRetries: 1}, rules)
	assert.Equal(t, engine.NodeCoder, d.Next, "coverage equal to the threshold must not pass")

	d = engine.Route(engine.NodeTester, routerState(withCoverage(rules.CoverageThreshold+0.01)), engine.Counters{}, rules)
	assert.Equal(t, engine.NodeReviewer, d.Next)

	d = engine.Route(engine.NodeReviewer, routerState(withReviewScore(rules.ApprovalThreshold)), engine.Counters{ReviewRounds: 1}, rules)
	assert.False(t, d.Terminal, "score equal to the threshold must not approve")

	d = engine.Route(engine.NodeReviewer, routerState(withReviewScore(rules.ApprovalThreshold+0.01)), engine.Counters{}, rules)
	assert.True(t, d.Terminal)
	assert.Equal(t, model.StatusCompleted, d.Status)
}
