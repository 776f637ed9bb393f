// Package sessions provides the shared business logic for workflow
// sessions.
//
// Both the HTTP API and MCP server delegate to this service, so input
// validation, idempotent starts, concurrency capping and event fan-out
// behave identically across all interfaces. Each started session runs
// the engine on its own goroutine, detached from the caller's request
// context; Cancel and Shutdown stop sessions cooperatively.
package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/daiku/internal/engine"
	"github.com/ashita-ai/daiku/internal/eventlog"
	"github.com/ashita-ai/daiku/internal/integrity"
	"github.com/ashita-ai/daiku/internal/llm"
	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/storage"
	"github.com/ashita-ai/daiku/internal/telemetry"
)

const defaultMaxConcurrent = 4

// ErrSessionFinished is returned by Cancel when the session has already
// reached a terminal status.
var ErrSessionFinished = errors.New("sessions: session already finished")

// Config bounds the service.
type Config struct {
	MaxConcurrent int           // simultaneous workflow executions
	Engine        engine.Config // rules and step bound passed through to the engine
}

// Deps are the service's collaborators. Events may be nil, in which case
// step events are fanned out to listeners but not persisted.
type Deps struct {
	Store     storage.Store
	Generator llm.Generator
	Workspace engine.Workspace
	Events    *eventlog.Buffer
	Logger    *slog.Logger
}

// Service encapsulates session business logic shared by HTTP and MCP
// handlers.
type Service struct {
	store  storage.Store
	events *eventlog.Buffer
	engine *engine.Engine
	logger *slog.Logger

	sem *semaphore.Weighted

	mu        sync.Mutex
	running   map[uuid.UUID]context.CancelFunc
	listeners []func(model.StepEvent)

	wg sync.WaitGroup

	sessionsStarted metric.Int64Counter
	sessionsActive  metric.Int64UpDownCounter
}

// New creates the session service and the engine it drives.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("sessions: store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}

	s := &Service{
		store:   deps.Store,
		events:  deps.Events,
		logger:  deps.Logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		running: make(map[uuid.UUID]context.CancelFunc),
	}

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Generator:   deps.Generator,
		Workspace:   deps.Workspace,
		Checkpoints: deps.Store,
		Hook:        s.dispatch,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	s.engine = eng

	meter := telemetry.Meter("daiku/sessions")
	started, err := meter.Int64Counter("daiku.sessions.started",
		metric.WithDescription("Total workflow sessions started"),
	)
	if err != nil {
		deps.Logger.Warn("sessions: create started counter", "error", err)
	}
	active, err := meter.Int64UpDownCounter("daiku.sessions.active",
		metric.WithDescription("Workflow sessions currently executing"),
	)
	if err != nil {
		deps.Logger.Warn("sessions: create active counter", "error", err)
	}
	s.sessionsStarted = started
	s.sessionsActive = active

	return s, nil
}

// AddListener registers a callback invoked for every step event of every
// session. Listeners must be registered before the first Start and must
// not block.
func (s *Service) AddListener(fn func(model.StepEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start validates the requirements, creates the session row and launches
// the workflow on its own goroutine. The returned bool is false when an
// idempotency key replayed an earlier session instead of creating one.
//
// The workflow runs detached from ctx: cancelling the originating request
// does not cancel the session.
func (s *Service) Start(ctx context.Context, requirements, idempotencyKey string) (model.Session, bool, error) {
	if err := model.ValidateRequirements(requirements); err != nil {
		return model.Session{}, false, fmt.Errorf("sessions: %w", err)
	}

	id := uuid.New()

	// The key is reserved before the session row exists, so a racing
	// duplicate request settles on one winner even across processes.
	if idempotencyKey != "" {
		existing, created, err := s.store.ReserveIdempotencyKey(ctx, idempotencyKey, requestHash(requirements), id)
		if err != nil {
			return model.Session{}, false, fmt.Errorf("sessions: reserve idempotency key: %w", err)
		}
		if !created {
			sess, err := s.store.GetSession(ctx, existing)
			if err != nil {
				return model.Session{}, false, fmt.Errorf("sessions: idempotent replay of %s: %w", existing, err)
			}
			s.logger.Info("session start replayed", "session_id", existing, "idempotency_key", idempotencyKey)
			return sess, false, nil
		}
	}

	now := time.Now().UTC()
	sess := model.Session{
		ID:           id,
		Requirements: requirements,
		Phase:        model.PhasePlanning,
		Status:       model.StatusInProgress,
		Iteration:    1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return model.Session{}, false, fmt.Errorf("sessions: create session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()

	if s.sessionsStarted != nil {
		s.sessionsStarted.Add(ctx, 1)
	}
	s.wg.Add(1)
	go s.run(runCtx, id, requirements)

	s.logger.Info("session started", "session_id", id, "requirements_len", len(requirements))
	return sess, true, nil
}

// run executes one session end to end: wait for a concurrency slot, drive
// the engine, settle the session row. The session leaves the running set
// before the terminal row lands, so a Cancel that observes the terminal
// status never finds a live handle.
func (s *Service) run(ctx context.Context, id uuid.UUID, requirements string) {
	defer s.wg.Done()

	result := s.execute(ctx, id, requirements)

	s.mu.Lock()
	if cancel, ok := s.running[id]; ok {
		cancel()
		delete(s.running, id)
	}
	s.mu.Unlock()

	s.settle(id, result.State.Phase, result.State.Status, result.State.Iteration, result.Counters)
}

func (s *Service) execute(ctx context.Context, id uuid.UUID, requirements string) engine.RunResult {
	failed := engine.RunResult{State: model.WorkflowState{
		Phase:     model.PhaseFailed,
		Status:    model.StatusFailed,
		Iteration: 1,
	}}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.logger.Warn("session cancelled while queued", "session_id", id)
		return failed
	}
	defer s.sem.Release(1)

	if s.sessionsActive != nil {
		s.sessionsActive.Add(ctx, 1)
		defer s.sessionsActive.Add(ctx, -1)
	}

	result, err := s.engine.Run(ctx, id, requirements)
	if err != nil {
		s.logger.Error("session run rejected", "session_id", id, "error", err)
		return failed
	}

	s.logger.Info("session finished",
		"session_id", id,
		"status", result.State.Status,
		"steps", result.Steps,
		"iteration", result.State.Iteration,
	)
	return result
}

// settle writes the terminal session row. It runs on a fresh context so
// a cancelled session still gets its final status recorded.
func (s *Service) settle(id uuid.UUID, phase model.Phase, status model.SessionStatus, iteration int, c engine.Counters) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	err := s.store.UpdateSessionStatus(ctx, id, storage.SessionUpdate{
		Phase:        phase,
		Status:       status,
		Iteration:    iteration,
		TestRetries:  c.TestRetries,
		ReviewRounds: c.ReviewRounds,
		CompletedAt:  &now,
	})
	if err != nil {
		s.logger.Error("sessions: settle session row", "session_id", id, "error", err)
	}
}

// dispatch is the engine's step hook: persist row progress, buffer the
// event for storage, fan out to listeners. It runs inline on the
// session's goroutine, so per-session ordering is preserved.
func (s *Service) dispatch(ev model.StepEvent, _ model.WorkflowState) {
	s.persistProgress(ev)

	if s.events != nil {
		if err := s.events.Append(ev); err != nil {
			s.logger.Warn("sessions: event buffer rejected event", "session_id", ev.SessionID, "seq", ev.Seq, "error", err)
		}
	}

	s.mu.Lock()
	listeners := make([]func(model.StepEvent), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// persistProgress mirrors the event's phase/status/iteration onto the
// session row so listings stay live mid-run. Failures are non-fatal.
func (s *Service) persistProgress(ev model.StepEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := s.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		s.logger.Warn("sessions: load session for progress update", "session_id", ev.SessionID, "error", err)
		return
	}
	err = s.store.UpdateSessionStatus(ctx, ev.SessionID, storage.SessionUpdate{
		Phase:        ev.Phase,
		Status:       ev.Status,
		Iteration:    ev.Iteration,
		TestRetries:  sess.TestRetries,
		ReviewRounds: sess.ReviewRounds,
		CompletedAt:  sess.CompletedAt,
	})
	if err != nil {
		s.logger.Warn("sessions: persist session progress", "session_id", ev.SessionID, "error", err)
	}
}

// Get returns the session row.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return s.store.GetSession(ctx, id)
}

// List returns a page of sessions plus the total count for the filter.
func (s *Service) List(ctx context.Context, opt storage.ListOptions) ([]model.Session, int, error) {
	return s.store.ListSessions(ctx, opt)
}

// Summary collapses the session's latest snapshot into its summary view.
// A session with no snapshots yet (still queued) is summarized from its
// row.
func (s *Service) Summary(ctx context.Context, id uuid.UUID) (model.Summary, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.Summary{}, err
	}

	cp, err := s.store.LatestCheckpoint(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Summary{
			SessionID: id,
			Phase:     sess.Phase,
			Iteration: sess.Iteration,
			Status:    sess.Status,
			Metrics:   map[string]float64{},
		}, nil
	}
	if err != nil {
		return model.Summary{}, err
	}
	return model.NewSummary(id, cp.State), nil
}

// CheckpointLog is a session's snapshot history plus the result of
// verifying its hash chain.
type CheckpointLog struct {
	Checkpoints []model.Checkpoint
	ChainValid  bool
	ChainError  string
}

// Checkpoints returns the session's append-only snapshot log and whether
// the hash chain still verifies.
func (s *Service) Checkpoints(ctx context.Context, id uuid.UUID) (CheckpointLog, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return CheckpointLog{}, err
	}
	cps, err := s.store.ListCheckpoints(ctx, id)
	if err != nil {
		return CheckpointLog{}, err
	}

	log := CheckpointLog{Checkpoints: cps, ChainValid: true}
	if err := integrity.VerifyChain(cps); err != nil {
		log.ChainValid = false
		log.ChainError = err.Error()
	}
	return log, nil
}

// LatestCheckpoint returns the newest snapshot for a session. A session
// with no checkpoints yet (the run has not reached its first step
// boundary) returns storage.ErrNotFound.
func (s *Service) LatestCheckpoint(ctx context.Context, id uuid.UUID) (model.Checkpoint, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return model.Checkpoint{}, err
	}
	return s.store.LatestCheckpoint(ctx, id)
}

// Events returns the session's persisted step events after the given
// sequence number, for stream replay.
func (s *Service) Events(ctx context.Context, id uuid.UUID, afterSeq int) ([]model.StepEvent, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id, afterSeq)
}

// Cancel requests cooperative cancellation of a running session. A
// session that already finished returns ErrSessionFinished; a row with no
// live goroutine (say, after a restart) is settled as failed directly.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Info("session cancel requested", "session_id", id)
		return nil
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if model.IsTerminalStatus(sess.Status) {
		return ErrSessionFinished
	}

	now := time.Now().UTC()
	return s.store.UpdateSessionStatus(ctx, id, storage.SessionUpdate{
		Phase:        model.PhaseFailed,
		Status:       model.StatusFailed,
		Iteration:    sess.Iteration,
		TestRetries:  sess.TestRetries,
		ReviewRounds: sess.ReviewRounds,
		CompletedAt:  &now,
	})
}

// Active reports how many sessions are currently queued or executing.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown cancels every running session and waits for their goroutines
// to settle, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sessions: shutdown: %w", ctx.Err())
	}
}

func requestHash(requirements string) string {
	sum := sha256.Sum256([]byte(requirements))
	return hex.EncodeToString(sum[:])
}
