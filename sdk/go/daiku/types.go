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

// Session mirrors the server's session row for API consumers. The full
// workflow state lives in the checkpoint log; the row carries routing
// bookkeeping and lifecycle timestamps.
type Session struct {
	ID           uuid.UUID  `json:"id"`
	Requirements string     `json:"requirements"`
	Phase        Phase      `json:"phase"`
	Status       Status     `json:"status"`
	Iteration    int        `json:"iteration"`
	TestRetries  int        `json:"test_retries"`
	ReviewRounds int        `json:"review_rounds"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Message is one agent log line inside a workflow state.
type Message struct {
	Agent     string    `json:"agent"`
	Text      string    `json:"text"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics holds the numeric measurements workflow nodes produce. Nil
// means the metric has not been computed yet.
type Metrics struct {
	TestCoverage     *float64 `json:"test_coverage,omitempty"`
	CodeQualityScore *float64 `json:"code_quality_score,omitempty"`
	ReviewScore      *float64 `json:"review_score,omitempty"`
}

// State is the full workflow record captured by a checkpoint.
type State struct {
	SessionID     string    `json:"session_id"`
	Requirements  string    `json:"requirements"`
	Plan          string    `json:"plan,omitempty"`
	Code          string    `json:"code,omitempty"`
	Tests         string    `json:"tests,omitempty"`
	Review        string    `json:"review,omitempty"`
	CurrentAgent  string    `json:"current_agent,omitempty"`
	Messages      []Message `json:"messages"`
	Errors        []string  `json:"errors"`
	Warnings      []string  `json:"warnings"`
	FilesCreated  []string  `json:"files_created"`
	FilesModified []string  `json:"files_modified"`
	Metrics       Metrics   `json:"metrics"`
	Phase         Phase     `json:"phase"`
	Iteration     int       `json:"iteration"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Checkpoint is one snapshot in a session's append-only state log. Hash
// chains to PrevHash; the first snapshot of a session has an empty
// PrevHash.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Step      int       `json:"step"`
	Node      string    `json:"node"`
	State     State     `json:"state"`
	PrevHash  string    `json:"prev_hash,omitempty"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// StepEvent is one entry in a session's event stream. Seq is the 1-based
// step number within the session; Terminal marks the last event.
type StepEvent struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Seq       int       `json:"seq"`
	Node      string    `json:"node"`
	Phase     Phase     `json:"phase"`
	Iteration int       `json:"iteration"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Terminal  bool      `json:"terminal"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary is the point-in-time rollup of a session. File fields are
// counts; Metrics carries only the measurements that have been computed.
type Summary struct {
	SessionID      uuid.UUID          `json:"session_id"`
	Phase          Phase              `json:"phase"`
	Iteration      int                `json:"iteration"`
	Status         Status             `json:"status"`
	ErrorCount     int                `json:"error_count"`
	WarningCount   int                `json:"warning_count"`
	FilesCreated   int                `json:"files_created"`
	FilesModified  int                `json:"files_modified"`
	Metrics        map[string]float64 `json:"metrics"`
	ElapsedSeconds float64            `json:"elapsed_seconds"`
}

// --- Request types ---

// StartSessionRequest is the input for Client.StartSession.
type StartSessionRequest struct {
	// Requirements is the natural-language task description. The server
	// rejects fewer than 10 characters.
	Requirements string `json:"requirements"`

	// IdempotencyKey makes the start safe to retry: replaying the same
	// key with the same requirements returns the original session. Sent
	// as the Idempotency-Key header, not in the body.
	IdempotencyKey string `json:"-"`
}

// ListOptions are optional filters for the ListSessions method.
type ListOptions struct {
	Status Status
	Limit  int
	Offset int
}

// --- Response types ---

// StartSessionResponse is the output of Client.StartSession.
type StartSessionResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	Phase     Phase     `json:"phase"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	// Created reports whether this call created the session. False when
	// an Idempotency-Key replay returned an existing one.
	Created bool `json:"-"`
}

// SessionsPage is the output of Client.ListSessions.
type SessionsPage struct {
	Sessions []Session
	Total    int
	HasMore  bool
	Limit    int
	Offset   int
}

// CheckpointsResponse is the output of Client.Checkpoints. ChainError
// names the first broken link when ChainValid is false.
type CheckpointsResponse struct {
	SessionID   uuid.UUID    `json:"session_id"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	ChainValid  bool         `json:"chain_valid"`
	ChainError  string       `json:"chain_error,omitempty"`
}

// CancelSessionResponse is the output of Client.Cancel.
type CancelSessionResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	Status    string    `json:"status"`
}

// HealthResponse is the output of Client.Health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Store          string `json:"store"`
	BufferDepth    int    `json:"buffer_depth"`
	BufferStatus   string `json:"buffer_status"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}
