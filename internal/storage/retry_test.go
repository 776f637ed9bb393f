package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/daiku/internal/storage"
)

func TestWithRetryRecoversFromSerializationFailure(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("storage: append: %w", &pgconn.PgError{Code: "40001"})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("violates not-null constraint")
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	deadlock := &pgconn.PgError{Code: "40P01"}
	calls := 0
	err := storage.WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return deadlock
	})
	assert.ErrorIs(t, err, deadlock)
	assert.Equal(t, 3, calls)
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := storage.WithRetry(ctx, 3, time.Minute, func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
