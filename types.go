package daiku

import (
	"time"

	"github.com/google/uuid"
)

// Phase identifies where a workflow session is in its lifecycle.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseCoding    Phase = "coding"
	PhaseTesting   Phase = "testing"
	PhaseReviewing Phase = "reviewing"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

// Status is the execution state of a workflow session.
type Status string

const (
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusNeedsRevision Status = "needs_revision"
)

// StepEvent is the public representation of one recorded workflow step.
// It is a curated view of the internal event row for use in extension
// interfaces. No internal package imports; safe to use from outside the
// module.
type StepEvent struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	// Seq is the 1-based position of this step within its session.
	Seq       int
	Node      string
	Phase     Phase
	Iteration int
	Status    Status
	// Message carries failure detail on error paths, empty otherwise.
	Message string
	// Terminal marks the session's final event.
	Terminal  bool
	Timestamp time.Time
}

// GenerateRequest carries one bounded text-generation call issued by the
// workflow engine.
type GenerateRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}
