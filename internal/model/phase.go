package model

import "fmt"

// Phase represents the workflow stage a session is currently executing.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseCoding    Phase = "coding"
	PhaseTesting   Phase = "testing"
	PhaseReviewing Phase = "reviewing"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

// phaseOrder is the forward progression of a session that never loops.
// AdvancePhase walks this slice; phases not present map to PhaseComplete.
var phaseOrder = []Phase{
	PhasePlanning,
	PhaseCoding,
	PhaseTesting,
	PhaseReviewing,
	PhaseComplete,
}

// validPhaseTransitions enumerates every legal phase edge, including the
// rework edges the router takes (testing back to coding, reviewing back to
// coding) and the cap-breach jumps straight to a terminal.
var validPhaseTransitions = map[Phase]map[Phase]bool{
	PhasePlanning: {
		PhaseCoding:   true,
		PhaseComplete: true, // empty plan ends the session
		PhaseFailed:   true,
	},
	PhaseCoding: {
		PhaseTesting:   true,
		PhaseReviewing: true, // retry cap exhausted, escalate to review
		PhaseComplete:  true, // nothing extracted, nothing to test
		PhaseFailed:    true,
	},
	PhaseTesting: {
		PhaseReviewing: true,
		PhaseCoding:    true, // failing tests, rework
		PhaseComplete:  true,
		PhaseFailed:    true,
	},
	PhaseReviewing: {
		PhaseComplete: true,
		PhaseCoding:   true, // revision requested
		PhaseFailed:   true,
	},
	PhaseComplete: {},
	PhaseFailed:   {},
}

// IsTerminalPhase reports whether p ends the session.
func IsTerminalPhase(p Phase) bool {
	return p == PhaseComplete || p == PhaseFailed
}

// ValidatePhaseTransition returns an error if the from→to edge is not in the
// transition table. Terminal phases have no outgoing edges.
func ValidatePhaseTransition(from, to Phase) error {
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("model: unknown phase %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("model: invalid phase transition %s -> %s", from, to)
	}
	return nil
}

// NextPhase returns the successor of p in the forward progression.
// Unknown phases and the end of the progression both yield PhaseComplete;
// a session should never get stuck because its phase fell off the table.
func NextPhase(p Phase) Phase {
	for i, cur := range phaseOrder {
		if cur == p {
			if i+1 < len(phaseOrder) {
				return phaseOrder[i+1]
			}
			return PhaseComplete
		}
	}
	return PhaseComplete
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusInProgress    SessionStatus = "in_progress"
	StatusCompleted     SessionStatus = "completed"
	StatusFailed        SessionStatus = "failed"
	StatusNeedsRevision SessionStatus = "needs_revision"
)

// IsTerminalStatus reports whether s is a final status.
func IsTerminalStatus(s SessionStatus) bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidSessionStatus reports whether s is one of the defined statuses.
// Used to validate caller-supplied list filters.
func ValidSessionStatus(s SessionStatus) bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusFailed, StatusNeedsRevision:
		return true
	}
	return false
}

// MessageKind classifies an agent message.
type MessageKind string

const (
	MessageInfo     MessageKind = "info"
	MessageThinking MessageKind = "thinking"
	MessageSuccess  MessageKind = "success"
	MessageWarning  MessageKind = "warning"
	MessageError    MessageKind = "error"
)
