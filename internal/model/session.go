package model

import (
	"time"

	"github.com/google/uuid"
)

// Session is one end-to-end run of the workflow. The row tracks routing
// bookkeeping (iteration, per-edge retry counters) alongside lifecycle
// timestamps; the full state lives in the checkpoint log.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	Requirements string        `json:"requirements"`
	Phase        Phase         `json:"phase"`
	Status       SessionStatus `json:"status"`
	Iteration    int           `json:"iteration"`
	TestRetries  int           `json:"test_retries"`
	ReviewRounds int           `json:"review_rounds"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Checkpoint is one snapshot in a session's append-only state log.
// Hash chains to PrevHash so any rewrite of history is detectable;
// the first snapshot of a session has an empty PrevHash.
type Checkpoint struct {
	ID        uuid.UUID     `json:"id"`
	SessionID uuid.UUID     `json:"session_id"`
	Step      int           `json:"step"`
	Node      string        `json:"node"`
	State     WorkflowState `json:"state"`
	PrevHash  string        `json:"prev_hash,omitempty"`
	Hash      string        `json:"hash"`
	CreatedAt time.Time     `json:"created_at"`
}

// StepEvent is the push notification emitted after each node completes.
// Seq is the 1-based step number within the session; Terminal marks the
// last event of a stream.
type StepEvent struct {
	ID        uuid.UUID     `json:"id"`
	SessionID uuid.UUID     `json:"session_id"`
	Seq       int           `json:"seq"`
	Node      string        `json:"node"`
	Phase     Phase         `json:"phase"`
	Iteration int           `json:"iteration"`
	Status    SessionStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
	Terminal  bool          `json:"terminal"`
	Timestamp time.Time     `json:"timestamp"`
}

// Summary is the point-in-time view of a session returned by the control
// surface. File fields are counts, elapsed time is in seconds, and Metrics
// carries only the measurements that have been computed.
type Summary struct {
	SessionID      uuid.UUID          `json:"session_id"`
	Phase          Phase              `json:"phase"`
	Iteration      int                `json:"iteration"`
	Status         SessionStatus      `json:"status"`
	ErrorCount     int                `json:"error_count"`
	WarningCount   int                `json:"warning_count"`
	FilesCreated   int                `json:"files_created"`
	FilesModified  int                `json:"files_modified"`
	Metrics        map[string]float64 `json:"metrics"`
	ElapsedSeconds float64            `json:"elapsed_seconds"`
}

// NewSummary collapses a workflow state into its summary view.
func NewSummary(sessionID uuid.UUID, s WorkflowState) Summary {
	metrics := make(map[string]float64)
	if s.Metrics.TestCoverage != nil {
		metrics["test_coverage"] = *s.Metrics.TestCoverage
	}
	if s.Metrics.CodeQualityScore != nil {
		metrics["code_quality_score"] = *s.Metrics.CodeQualityScore
	}
	if s.Metrics.ReviewScore != nil {
		metrics["review_score"] = *s.Metrics.ReviewScore
	}
	return Summary{
		SessionID:      sessionID,
		Phase:          s.Phase,
		Iteration:      s.Iteration,
		Status:         s.Status,
		ErrorCount:     len(s.Errors),
		WarningCount:   len(s.Warnings),
		FilesCreated:   len(s.FilesCreated),
		FilesModified:  len(s.FilesModified),
		Metrics:        metrics,
		ElapsedSeconds: s.ElapsedTime().Seconds(),
	}
}
