package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/daiku/internal/model"
)

// Postgres is the shared-deployment backend, pooled via pgxpool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a Postgres store with a connection pool.
// The schema is not applied here; call RunMigrations before first use.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	logger.Debug("postgres store ready")
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (id, requirements, phase, status, iteration, test_retries, review_rounds, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.Requirements, string(sess.Phase), string(sess.Status),
		sess.Iteration, sess.TestRetries, sess.ReviewRounds,
		sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	sess, err := scanPostgresSession(p.pool.QueryRow(ctx,
		`SELECT id, requirements, phase, status, iteration, test_retries, review_rounds, created_at, updated_at, completed_at
		 FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return sess, nil
}

func (p *Postgres) ListSessions(ctx context.Context, opt ListOptions) ([]model.Session, int, error) {
	opt = opt.normalize()

	where, args := "", []any{}
	if opt.Status != "" {
		where = " WHERE status = $1"
		args = append(args, string(opt.Status))
	}

	var total int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, requirements, phase, status, iteration, test_retries, review_rounds, created_at, updated_at, completed_at
		 FROM sessions%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	rows, err := p.pool.Query(ctx, query, append(args, opt.Limit, opt.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.Session, 0, opt.Limit)
	for rows.Next() {
		sess, err := scanPostgresSession(rows)
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

func (p *Postgres) UpdateSessionStatus(ctx context.Context, id uuid.UUID, upd SessionUpdate) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions
		 SET phase = $1, status = $2, iteration = $3, test_retries = $4, review_rounds = $5, updated_at = now(), completed_at = $6
		 WHERE id = $7`,
		string(upd.Phase), string(upd.Status), upd.Iteration, upd.TestRetries, upd.ReviewRounds,
		upd.CompletedAt, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, session_id, step, node, state, prev_hash, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.SessionID, cp.Step, cp.Node, cp.State, cp.PrevHash, cp.Hash, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append checkpoint: %w", err)
	}
	return nil
}

func (p *Postgres) ListCheckpoints(ctx context.Context, sessionID uuid.UUID) ([]model.Checkpoint, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, session_id, step, node, state, prev_hash, hash, created_at
		 FROM checkpoints WHERE session_id = $1 ORDER BY step`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Step, &cp.Node, &cp.State, &cp.PrevHash, &cp.Hash, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list checkpoints: %w", err)
	}
	return cps, nil
}

func (p *Postgres) LatestCheckpoint(ctx context.Context, sessionID uuid.UUID) (model.Checkpoint, error) {
	var cp model.Checkpoint
	err := p.pool.QueryRow(ctx,
		`SELECT id, session_id, step, node, state, prev_hash, hash, created_at
		 FROM checkpoints WHERE session_id = $1 ORDER BY step DESC LIMIT 1`, sessionID,
	).Scan(&cp.ID, &cp.SessionID, &cp.Step, &cp.Node, &cp.State, &cp.PrevHash, &cp.Hash, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: latest checkpoint: %w", err)
	}
	return cp, nil
}

func (p *Postgres) AppendEvents(ctx context.Context, events []model.StepEvent) error {
	if len(events) == 0 {
		return nil
	}
	// DO NOTHING on (session_id, seq) keeps a re-flushed batch idempotent.
	return WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		batch := &pgx.Batch{}
		for _, ev := range events {
			batch.Queue(
				`INSERT INTO step_events (id, session_id, seq, node, phase, iteration, status, message, terminal, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 ON CONFLICT (session_id, seq) DO NOTHING`,
				ev.ID, ev.SessionID, ev.Seq, ev.Node, string(ev.Phase),
				ev.Iteration, string(ev.Status), ev.Message, ev.Terminal, ev.Timestamp,
			)
		}
		if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("storage: append events: %w", err)
		}
		return nil
	})
}

func (p *Postgres) ListEvents(ctx context.Context, sessionID uuid.UUID, afterSeq int) ([]model.StepEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, session_id, seq, node, phase, iteration, status, message, terminal, created_at
		 FROM step_events WHERE session_id = $1 AND seq > $2 ORDER BY seq`,
		sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.StepEvent
	for rows.Next() {
		var (
			ev            model.StepEvent
			phase, status string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.Node, &phase, &ev.Iteration, &status, &ev.Message, &ev.Terminal, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Phase = model.Phase(phase)
		ev.Status = model.SessionStatus(status)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	return events, nil
}

func (p *Postgres) ReserveIdempotencyKey(ctx context.Context, key, requestHash string, sessionID uuid.UUID) (uuid.UUID, bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (idempotency_key, request_hash, session_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		key, requestHash, sessionID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return sessionID, true, nil
	}

	var (
		storedHash string
		existing   uuid.UUID
	)
	if err := p.pool.QueryRow(ctx,
		`SELECT request_hash, session_id FROM idempotency_keys WHERE idempotency_key = $1`, key,
	).Scan(&storedHash, &existing); err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: lookup idempotency key: %w", err)
	}
	if storedHash != requestHash {
		return uuid.Nil, false, ErrIdempotencyMismatch
	}
	return existing, false, nil
}

func (p *Postgres) PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	var pruned int64
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin prune: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`DELETE FROM sessions WHERE status IN ($1, $2) AND updated_at < $3`,
			string(model.StatusCompleted), string(model.StatusFailed), cutoff)
		if err != nil {
			return fmt.Errorf("storage: prune sessions: %w", err)
		}
		pruned = tag.RowsAffected()

		if _, err := tx.Exec(ctx,
			`DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff); err != nil {
			return fmt.Errorf("storage: prune idempotency keys: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

func scanPostgresSession(row pgx.Row) (model.Session, error) {
	var (
		sess          model.Session
		phase, status string
	)
	if err := row.Scan(&sess.ID, &sess.Requirements, &phase, &status,
		&sess.Iteration, &sess.TestRetries, &sess.ReviewRounds,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.CompletedAt); err != nil {
		return model.Session{}, err
	}
	sess.Phase = model.Phase(phase)
	sess.Status = model.SessionStatus(status)
	return sess, nil
}
