// Package storage persists workflow sessions, their append-only
// checkpoint log, and the step event stream.
//
// Two backends implement the same Store contract: SQLite (the default,
// via modernc.org/sqlite, file or in-memory) and PostgreSQL (via
// pgxpool, selected when a database URL is configured). Checkpoints are
// insert-only; the only delete path is whole-session retention pruning.
package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/daiku/internal/model"
)

// ListOptions bounds and filters a session listing.
type ListOptions struct {
	// Status filters by session status when non-empty.
	Status model.SessionStatus
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// normalize clamps the paging window.
func (o ListOptions) normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// SessionUpdate carries the mutable progress fields of a session row.
type SessionUpdate struct {
	Phase        model.Phase
	Status       model.SessionStatus
	Iteration    int
	TestRetries  int
	ReviewRounds int
	CompletedAt  *time.Time
}

// Store is the persistence contract shared by both backends. All
// methods are safe for concurrent use.
type Store interface {
	CreateSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
	ListSessions(ctx context.Context, opt ListOptions) ([]model.Session, int, error)
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, upd SessionUpdate) error

	AppendCheckpoint(ctx context.Context, cp model.Checkpoint) error
	ListCheckpoints(ctx context.Context, sessionID uuid.UUID) ([]model.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, sessionID uuid.UUID) (model.Checkpoint, error)

	AppendEvents(ctx context.Context, events []model.StepEvent) error
	ListEvents(ctx context.Context, sessionID uuid.UUID, afterSeq int) ([]model.StepEvent, error)

	// ReserveIdempotencyKey claims key for sessionID before the session
	// row exists. A fresh reservation returns (sessionID, true). A
	// replayed key with a matching request hash returns the original
	// session id and false; a different hash returns
	// ErrIdempotencyMismatch.
	ReserveIdempotencyKey(ctx context.Context, key, requestHash string, sessionID uuid.UUID) (uuid.UUID, bool, error)

	// PruneSessions deletes terminal sessions (and, via cascade, their
	// checkpoints and events) last updated before now-olderThan, plus
	// idempotency reservations of the same age. Returns the number of
	// sessions removed.
	PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	// DatabaseURL selects the Postgres backend when non-empty.
	DatabaseURL string
	// SQLitePath is the SQLite file (":memory:" allowed) used when no
	// database URL is set.
	SQLitePath string
}

// Open builds the Store the config selects. Postgres migrations are the
// caller's responsibility (App runs them at startup); the SQLite schema
// is created here.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if cfg.DatabaseURL != "" {
		return NewPostgres(ctx, cfg.DatabaseURL, logger)
	}
	return NewSQLite(ctx, cfg.SQLitePath, logger)
}
