// Package model defines the core domain types for Daiku.
//
// WorkflowState is the single record threaded through every workflow node.
// All mutators are copy-on-write: they return a new value and never touch
// the receiver, so every intermediate state stays independently inspectable
// and replayable from the checkpoint log.
package model

import (
	"time"
)

// Message is one entry in a session's append-only conversation log.
type Message struct {
	Agent     string      `json:"agent"`
	Text      string      `json:"text"`
	Kind      MessageKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
}

// Metrics holds the numeric measurements nodes produce. Nil means the
// metric has not been computed yet; a node visit writes each at most once
// and a retry visit overwrites.
type Metrics struct {
	TestCoverage     *float64 `json:"test_coverage,omitempty"`
	CodeQualityScore *float64 `json:"code_quality_score,omitempty"`
	ReviewScore      *float64 `json:"review_score,omitempty"`
}

// WorkflowState is the record passed between nodes. Requirements is fixed
// for the life of the session; plan/code/tests/review hold the latest
// artifact of each kind and are overwritten, not appended. Messages,
// Errors and Warnings only grow. FilesCreated and FilesModified grow by
// set union and never shrink inside the workflow.
type WorkflowState struct {
	SessionID     string        `json:"session_id"`
	Requirements  string        `json:"requirements"`
	Plan          string        `json:"plan,omitempty"`
	Code          string        `json:"code,omitempty"`
	Tests         string        `json:"tests,omitempty"`
	Review        string        `json:"review,omitempty"`
	CurrentAgent  string        `json:"current_agent,omitempty"`
	Messages      []Message     `json:"messages"`
	Errors        []string      `json:"errors"`
	Warnings      []string      `json:"warnings"`
	FilesCreated  []string      `json:"files_created"`
	FilesModified []string      `json:"files_modified"`
	Metrics       Metrics       `json:"metrics"`
	Phase         Phase         `json:"phase"`
	Iteration     int           `json:"iteration"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewWorkflowState returns the initial state for a session: iteration 1,
// planning phase, in-progress status, empty logs.
func NewWorkflowState(sessionID, requirements string) WorkflowState {
	now := time.Now().UTC()
	return WorkflowState{
		SessionID:     sessionID,
		Requirements:  requirements,
		Messages:      []Message{},
		Errors:        []string{},
		Warnings:      []string{},
		FilesCreated:  []string{},
		FilesModified: []string{},
		Phase:         PhasePlanning,
		Iteration:     1,
		Status:        StatusInProgress,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// clone deep-copies the state so mutators can write without aliasing the
// receiver's slices.
func (s WorkflowState) clone() WorkflowState {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	out.Errors = append([]string(nil), s.Errors...)
	out.Warnings = append([]string(nil), s.Warnings...)
	out.FilesCreated = append([]string(nil), s.FilesCreated...)
	out.FilesModified = append([]string(nil), s.FilesModified...)
	if s.Metrics.TestCoverage != nil {
		v := *s.Metrics.TestCoverage
		out.Metrics.TestCoverage = &v
	}
	if s.Metrics.CodeQualityScore != nil {
		v := *s.Metrics.CodeQualityScore
		out.Metrics.CodeQualityScore = &v
	}
	if s.Metrics.ReviewScore != nil {
		v := *s.Metrics.ReviewScore
		out.Metrics.ReviewScore = &v
	}
	return out
}

// With returns a copy of the state with mutate applied and the update
// timestamp touched. It is the primitive every field patch goes through.
func (s WorkflowState) With(mutate func(*WorkflowState)) WorkflowState {
	out := s.clone()
	if mutate != nil {
		mutate(&out)
	}
	out.UpdatedAt = time.Now().UTC()
	return out
}

// AppendMessage returns a copy with one message appended. The existing log
// is never reordered or truncated.
func (s WorkflowState) AppendMessage(agent, text string, kind MessageKind) WorkflowState {
	return s.With(func(ws *WorkflowState) {
		ws.Messages = append(ws.Messages, Message{
			Agent:     agent,
			Text:      text,
			Kind:      kind,
			Timestamp: time.Now().UTC(),
		})
	})
}

// AppendError returns a copy with the error text appended to the error log.
func (s WorkflowState) AppendError(text string) WorkflowState {
	return s.With(func(ws *WorkflowState) {
		ws.Errors = append(ws.Errors, text)
	})
}

// AppendWarning returns a copy with the warning text appended.
func (s WorkflowState) AppendWarning(text string) WorkflowState {
	return s.With(func(ws *WorkflowState) {
		ws.Warnings = append(ws.Warnings, text)
	})
}

// RecordFilesCreated returns a copy with names unioned into FilesCreated.
// A name already present keeps its original position; content overwrites
// upstream never remove entries here.
func (s WorkflowState) RecordFilesCreated(names ...string) WorkflowState {
	return s.With(func(ws *WorkflowState) {
		ws.FilesCreated = unionAppend(ws.FilesCreated, names)
	})
}

// RecordFilesModified returns a copy with names unioned into FilesModified.
func (s WorkflowState) RecordFilesModified(names ...string) WorkflowState {
	return s.With(func(ws *WorkflowState) {
		ws.FilesModified = unionAppend(ws.FilesModified, names)
	})
}

// AdvancePhase returns a copy moved to the next phase in the forward
// progression, defaulting to complete when the current phase has no
// successor. Reaching complete also settles a non-terminal status.
func (s WorkflowState) AdvancePhase() WorkflowState {
	return s.With(func(ws *WorkflowState) {
		ws.Phase = NextPhase(ws.Phase)
		if ws.Phase == PhaseComplete && !IsTerminalStatus(ws.Status) {
			ws.Status = StatusCompleted
		}
	})
}

// ElapsedTime reports how long the session has been running.
func (s WorkflowState) ElapsedTime() time.Duration {
	return s.UpdatedAt.Sub(s.StartedAt)
}

// unionAppend appends only the names not already present, preserving
// first-seen order.
func unionAppend(existing []string, names []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, n := range existing {
		seen[n] = true
	}
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		existing = append(existing, n)
		seen[n] = true
	}
	return existing
}
