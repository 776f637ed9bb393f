package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/daiku/internal/model"
)

// sqliteTimeLayout is fixed-width so lexicographic order on stored
// timestamps matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqliteSchema is applied statement by statement at open; every
// statement is idempotent.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		requirements  TEXT NOT NULL,
		phase         TEXT NOT NULL,
		status        TEXT NOT NULL,
		iteration     INTEGER NOT NULL DEFAULT 1,
		test_retries  INTEGER NOT NULL DEFAULT 0,
		review_rounds INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		completed_at  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status_updated
		ON sessions (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		step       INTEGER NOT NULL,
		node       TEXT NOT NULL,
		state      TEXT NOT NULL,
		prev_hash  TEXT NOT NULL,
		hash       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (session_id, step)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_session_step
		ON checkpoints (session_id, step)`,
	`CREATE TABLE IF NOT EXISTS step_events (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		node       TEXT NOT NULL,
		phase      TEXT NOT NULL,
		iteration  INTEGER NOT NULL,
		status     TEXT NOT NULL,
		message    TEXT NOT NULL,
		terminal   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (session_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_step_events_session_seq
		ON step_events (session_id, seq)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		idempotency_key TEXT PRIMARY KEY,
		request_hash    TEXT NOT NULL,
		session_id      TEXT NOT NULL,
		created_at      TEXT NOT NULL
	)`,
}

// SQLite is the default single-file backend.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the database at path and applies the
// schema. ":memory:" opens a private in-memory database.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		path = "daiku.db"
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if path == ":memory:" {
		// database/sql would otherwise hand each connection its own
		// empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: apply sqlite schema: %w", err)
		}
	}

	logger.Debug("sqlite store ready", "path", path)
	return &SQLite{db: db, logger: logger}, nil
}

func sqliteDSN(path string) string {
	base := "file:" + path
	if path == ":memory:" {
		base = "file::memory:"
	}
	return base + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (s *SQLite) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, requirements, phase, status, iteration, test_retries, review_rounds, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.Requirements, string(sess.Phase), string(sess.Status),
		sess.Iteration, sess.TestRetries, sess.ReviewRounds,
		fmtSQLiteTime(sess.CreatedAt), fmtSQLiteTime(sess.UpdatedAt), fmtSQLiteTimePtr(sess.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, requirements, phase, status, iteration, test_retries, review_rounds, created_at, updated_at, completed_at
		 FROM sessions WHERE id = ?`, id.String())
	sess, err := scanSQLiteSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return sess, nil
}

func (s *SQLite) ListSessions(ctx context.Context, opt ListOptions) ([]model.Session, int, error) {
	opt = opt.normalize()

	where, args := "", []any{}
	if opt.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(opt.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, requirements, phase, status, iteration, test_retries, review_rounds, created_at, updated_at, completed_at
		 FROM sessions`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, opt.Limit, opt.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.Session, 0, opt.Limit)
	for rows.Next() {
		sess, err := scanSQLiteSession(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	return sessions, total, nil
}

func (s *SQLite) UpdateSessionStatus(ctx context.Context, id uuid.UUID, upd SessionUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET phase = ?, status = ?, iteration = ?, test_retries = ?, review_rounds = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(upd.Phase), string(upd.Status), upd.Iteration, upd.TestRetries, upd.ReviewRounds,
		fmtSQLiteTime(time.Now()), fmtSQLiteTimePtr(upd.CompletedAt), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update session status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) AppendCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("storage: marshal checkpoint state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, step, node, state, prev_hash, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID.String(), cp.SessionID.String(), cp.Step, cp.Node,
		string(stateJSON), cp.PrevHash, cp.Hash, fmtSQLiteTime(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: append checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) ListCheckpoints(ctx context.Context, sessionID uuid.UUID) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, step, node, state, prev_hash, hash, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY step`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []model.Checkpoint
	for rows.Next() {
		cp, err := scanSQLiteCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list checkpoints: %w", err)
	}
	return cps, nil
}

func (s *SQLite) LatestCheckpoint(ctx context.Context, sessionID uuid.UUID) (model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, step, node, state, prev_hash, hash, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY step DESC LIMIT 1`, sessionID.String())
	cp, err := scanSQLiteCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLite) AppendEvents(ctx context.Context, events []model.StepEvent) error {
	if len(events) == 0 {
		return nil
	}
	// Retried because the flush loop contends with checkpoint writes;
	// busy errors past the connection's busy_timeout land here.
	return WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin append events: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// OR IGNORE keeps a re-flushed batch idempotent on (session, seq).
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO step_events (id, session_id, seq, node, phase, iteration, status, message, terminal, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("storage: prepare append events: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx,
				ev.ID.String(), ev.SessionID.String(), ev.Seq, ev.Node, string(ev.Phase),
				ev.Iteration, string(ev.Status), ev.Message, ev.Terminal, fmtSQLiteTime(ev.Timestamp),
			); err != nil {
				return fmt.Errorf("storage: append event %d: %w", ev.Seq, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit append events: %w", err)
		}
		return nil
	})
}

func (s *SQLite) ListEvents(ctx context.Context, sessionID uuid.UUID, afterSeq int) ([]model.StepEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, node, phase, iteration, status, message, terminal, created_at
		 FROM step_events WHERE session_id = ? AND seq > ? ORDER BY seq`,
		sessionID.String(), afterSeq)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.StepEvent
	for rows.Next() {
		var (
			ev            model.StepEvent
			idStr, sidStr string
			phase, status string
			createdAt     string
		)
		if err := rows.Scan(&idStr, &sidStr, &ev.Seq, &ev.Node, &phase, &ev.Iteration, &status, &ev.Message, &ev.Terminal, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if ev.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("storage: parse event id: %w", err)
		}
		if ev.SessionID, err = uuid.Parse(sidStr); err != nil {
			return nil, fmt.Errorf("storage: parse event session id: %w", err)
		}
		ev.Phase = model.Phase(phase)
		ev.Status = model.SessionStatus(status)
		if ev.Timestamp, err = parseSQLiteTime(createdAt); err != nil {
			return nil, fmt.Errorf("storage: parse event timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	return events, nil
}

func (s *SQLite) ReserveIdempotencyKey(ctx context.Context, key, requestHash string, sessionID uuid.UUID) (uuid.UUID, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys (idempotency_key, request_hash, session_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		key, requestHash, sessionID.String(), fmtSQLiteTime(time.Now()))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: reserve idempotency key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return sessionID, true, nil
	}

	var storedHash, storedID string
	if err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, session_id FROM idempotency_keys WHERE idempotency_key = ?`, key,
	).Scan(&storedHash, &storedID); err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: lookup idempotency key: %w", err)
	}
	if storedHash != requestHash {
		return uuid.Nil, false, ErrIdempotencyMismatch
	}
	existing, err := uuid.Parse(storedID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: parse idempotency session id: %w", err)
	}
	return existing, false, nil
}

func (s *SQLite) PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := fmtSQLiteTime(time.Now().Add(-olderThan))

	var pruned int64
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin prune: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE status IN (?, ?) AND updated_at < ?`,
			string(model.StatusCompleted), string(model.StatusFailed), cutoff)
		if err != nil {
			return fmt.Errorf("storage: prune sessions: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("storage: prune sessions: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("storage: prune idempotency keys: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit prune: %w", err)
		}
		return nil
	})
	return pruned, err
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}

func scanSQLiteSession(scan func(...any) error) (model.Session, error) {
	var (
		sess                 model.Session
		idStr, phase, status string
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	if err := scan(&idStr, &sess.Requirements, &phase, &status,
		&sess.Iteration, &sess.TestRetries, &sess.ReviewRounds,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return model.Session{}, err
	}

	var err error
	if sess.ID, err = uuid.Parse(idStr); err != nil {
		return model.Session{}, fmt.Errorf("parse session id: %w", err)
	}
	sess.Phase = model.Phase(phase)
	sess.Status = model.SessionStatus(status)
	if sess.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return model.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return model.Session{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseSQLiteTime(completedAt.String)
		if err != nil {
			return model.Session{}, fmt.Errorf("parse completed_at: %w", err)
		}
		sess.CompletedAt = &t
	}
	return sess, nil
}

func scanSQLiteCheckpoint(scan func(...any) error) (model.Checkpoint, error) {
	var (
		cp            model.Checkpoint
		idStr, sidStr string
		stateJSON     string
		createdAt     string
	)
	if err := scan(&idStr, &sidStr, &cp.Step, &cp.Node, &stateJSON, &cp.PrevHash, &cp.Hash, &createdAt); err != nil {
		return model.Checkpoint{}, err
	}

	var err error
	if cp.ID, err = uuid.Parse(idStr); err != nil {
		return model.Checkpoint{}, fmt.Errorf("parse checkpoint id: %w", err)
	}
	if cp.SessionID, err = uuid.Parse(sidStr); err != nil {
		return model.Checkpoint{}, fmt.Errorf("parse checkpoint session id: %w", err)
	}
	if err = json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return model.Checkpoint{}, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	if cp.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return model.Checkpoint{}, fmt.Errorf("parse checkpoint created_at: %w", err)
	}
	return cp, nil
}

func fmtSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func fmtSQLiteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtSQLiteTime(*t)
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}
