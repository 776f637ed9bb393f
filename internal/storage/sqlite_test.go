package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/daiku/internal/integrity"
	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/storage"
	"github.com/ashita-ai/daiku/internal/testutil"
)

func newSQLiteStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.NewSQLite(context.Background(), ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func newSession(status model.SessionStatus, phase model.Phase, createdAt time.Time) model.Session {
	return model.Session{
		ID:           uuid.New(),
		Requirements: "build a small REST API for todo items",
		Phase:        phase,
		Status:       status,
		Iteration:    1,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func TestSQLiteSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	sess := newSession(model.StatusInProgress, model.PhasePlanning, time.Now().UTC())
	require.NoError(t, store.CreateSession(ctx, sess))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	completed := time.Now().UTC()
	err = store.UpdateSessionStatus(ctx, sess.ID, storage.SessionUpdate{
		Phase:        model.PhaseComplete,
		Status:       model.StatusCompleted,
		Iteration:    3,
		TestRetries:  1,
		ReviewRounds: 2,
		CompletedAt:  &completed,
	})
	require.NoError(t, err)

	got, err = store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseComplete, got.Phase)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Iteration)
	assert.Equal(t, 1, got.TestRetries)
	assert.Equal(t, 2, got.ReviewRounds)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))
	assert.False(t, got.UpdatedAt.Before(sess.UpdatedAt))
}

func TestSQLiteSessionNotFound(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	_, err := store.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.UpdateSessionStatus(ctx, uuid.New(), storage.SessionUpdate{
		Phase:  model.PhaseFailed,
		Status: model.StatusFailed,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLiteListSessions(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	var ids []uuid.UUID
	for i := range 5 {
		status := model.StatusCompleted
		if i >= 3 {
			status = model.StatusInProgress
		}
		sess := newSession(status, model.PhaseComplete, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.CreateSession(ctx, sess))
		ids = append(ids, sess.ID)
	}

	all, total, err := store.ListSessions(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, all, 5)
	// Newest first.
	assert.Equal(t, ids[4], all[0].ID)
	assert.Equal(t, ids[0], all[4].ID)

	completed, total, err := store.ListSessions(ctx, storage.ListOptions{Status: model.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, completed, 3)
	for _, sess := range completed {
		assert.Equal(t, model.StatusCompleted, sess.Status)
	}

	page, total, err := store.ListSessions(ctx, storage.ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)
}

func TestSQLiteCheckpointChain(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	sess := newSession(model.StatusInProgress, model.PhasePlanning, time.Now().UTC())
	require.NoError(t, store.CreateSession(ctx, sess))

	_, err := store.LatestCheckpoint(ctx, sess.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	st := model.NewWorkflowState(sess.ID.String(), sess.Requirements)
	nodes := []string{"planner", "coder", "tester"}
	prev := ""
	for step, node := range nodes {
		st = st.AppendMessage(node, "working", model.MessageThinking)
		cp := model.Checkpoint{
			ID:        uuid.New(),
			SessionID: sess.ID,
			Step:      step + 1,
			Node:      node,
			State:     st,
			CreatedAt: time.Now().UTC(),
		}
		sealed, err := integrity.SealCheckpoint(cp, prev)
		require.NoError(t, err)
		require.NoError(t, store.AppendCheckpoint(ctx, sealed))
		prev = sealed.Hash
	}

	cps, err := store.ListCheckpoints(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, cp := range cps {
		assert.Equal(t, i+1, cp.Step)
		assert.Equal(t, nodes[i], cp.Node)
	}
	require.NoError(t, integrity.VerifyChain(cps))

	latest, err := store.LatestCheckpoint(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Step)
	assert.Equal(t, "tester", latest.Node)
	require.Len(t, latest.State.Messages, 3)
	assert.Equal(t, sess.Requirements, latest.State.Requirements)

	// A second snapshot for an existing step is a writer bug, not a retry.
	dup := model.Checkpoint{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Step:      3,
		Node:      "tester",
		State:     st,
		CreatedAt: time.Now().UTC(),
	}
	sealed, err := integrity.SealCheckpoint(dup, prev)
	require.NoError(t, err)
	assert.Error(t, store.AppendCheckpoint(ctx, sealed))
}

func TestSQLiteAppendEventsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	sess := newSession(model.StatusInProgress, model.PhasePlanning, time.Now().UTC())
	require.NoError(t, store.CreateSession(ctx, sess))

	makeEvent := func(seq int, terminal bool) model.StepEvent {
		return model.StepEvent{
			ID:        uuid.New(),
			SessionID: sess.ID,
			Seq:       seq,
			Node:      "planner",
			Phase:     model.PhaseCoding,
			Iteration: 1,
			Status:    model.StatusInProgress,
			Message:   "planning complete",
			Terminal:  terminal,
			Timestamp: time.Now().UTC(),
		}
	}

	first := []model.StepEvent{makeEvent(1, false), makeEvent(2, false), makeEvent(3, false)}
	require.NoError(t, store.AppendEvents(ctx, first))

	// Re-flushing an overlapping batch must not duplicate rows.
	second := []model.StepEvent{first[1], first[2], makeEvent(4, true)}
	require.NoError(t, store.AppendEvents(ctx, second))
	require.NoError(t, store.AppendEvents(ctx, nil))

	events, err := store.ListEvents(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
	}
	assert.False(t, events[0].Terminal)
	assert.True(t, events[3].Terminal)

	tail, err := store.ListEvents(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 3, tail[0].Seq)
	assert.Equal(t, 4, tail[1].Seq)
}

func TestSQLiteReserveIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	original := uuid.New()
	got, created, err := store.ReserveIdempotencyKey(ctx, "key-1", "hash-a", original)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, original, got)

	// Same key and payload replays the original session.
	replay, created, err := store.ReserveIdempotencyKey(ctx, "key-1", "hash-a", uuid.New())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, original, replay)

	// Same key with a different payload is a caller error.
	_, _, err = store.ReserveIdempotencyKey(ctx, "key-1", "hash-b", uuid.New())
	assert.ErrorIs(t, err, storage.ErrIdempotencyMismatch)

	// A fresh key is independent.
	other := uuid.New()
	got, created, err = store.ReserveIdempotencyKey(ctx, "key-2", "hash-a", other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, other, got)
}

func TestSQLitePruneSessions(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	oldCompleted := newSession(model.StatusCompleted, model.PhaseComplete, old)
	oldFailed := newSession(model.StatusFailed, model.PhaseFailed, old)
	oldRunning := newSession(model.StatusInProgress, model.PhaseCoding, old)
	freshCompleted := newSession(model.StatusCompleted, model.PhaseComplete, time.Now().UTC())
	for _, sess := range []model.Session{oldCompleted, oldFailed, oldRunning, freshCompleted} {
		require.NoError(t, store.CreateSession(ctx, sess))
	}

	// Children of a pruned session must go with it.
	st := model.NewWorkflowState(oldCompleted.ID.String(), oldCompleted.Requirements)
	cp, err := integrity.SealCheckpoint(model.Checkpoint{
		ID:        uuid.New(),
		SessionID: oldCompleted.ID,
		Step:      1,
		Node:      "planner",
		State:     st,
		CreatedAt: old,
	}, "")
	require.NoError(t, err)
	require.NoError(t, store.AppendCheckpoint(ctx, cp))
	require.NoError(t, store.AppendEvents(ctx, []model.StepEvent{{
		ID:        uuid.New(),
		SessionID: oldCompleted.ID,
		Seq:       1,
		Node:      "planner",
		Phase:     model.PhasePlanning,
		Iteration: 1,
		Status:    model.StatusInProgress,
		Timestamp: old,
	}}))

	_, created, err := store.ReserveIdempotencyKey(ctx, "recent-key", "hash", freshCompleted.ID)
	require.NoError(t, err)
	require.True(t, created)

	pruned, err := store.PruneSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	_, err = store.GetSession(ctx, oldCompleted.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetSession(ctx, oldFailed.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetSession(ctx, oldRunning.ID)
	assert.NoError(t, err)
	_, err = store.GetSession(ctx, freshCompleted.ID)
	assert.NoError(t, err)

	cps, err := store.ListCheckpoints(ctx, oldCompleted.ID)
	require.NoError(t, err)
	assert.Empty(t, cps)
	events, err := store.ListEvents(ctx, oldCompleted.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	// The recent reservation survives and still replays.
	replay, created, err := store.ReserveIdempotencyKey(ctx, "recent-key", "hash", uuid.New())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, freshCompleted.ID, replay)
}

func TestOpenDefaultsToSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{SQLitePath: ":memory:"}, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	require.NoError(t, store.Ping(ctx))
	_, ok := store.(*storage.SQLite)
	assert.True(t, ok)
}
