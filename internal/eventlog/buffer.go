// Package eventlog persists step events through a bounded in-memory
// buffer with periodic batch flushes to storage.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events. When the
// limit is reached, Append applies backpressure by returning an error.
const maxBufferCapacity = 10_000

const (
	defaultMaxSize      = 64
	defaultFlushTimeout = 2 * time.Second
)

// Sink receives flushed batches. A failed flush is retried with the same
// batch, so the sink must be idempotent per (session, seq).
type Sink interface {
	AppendEvents(ctx context.Context, events []model.StepEvent) error
}

// Buffer accumulates step events in memory and flushes them to the sink
// when either the batch size or the flush timeout is reached. With a
// WAL attached, events are logged to disk before they are queued and
// recovered into the buffer on the next Start after a crash.
type Buffer struct {
	sink         Sink
	wal          *WAL // nil when crash durability is disabled
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu       sync.Mutex
	events   []model.StepEvent
	inFlight []model.StepEvent // batch handed to the sink, held until the flush settles

	droppedEvents atomic.Int64 // events dropped due to capacity after flush failure
	started       atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates an event buffer. Zero maxSize and flushTimeout fall
// back to defaults. A nil wal disables crash durability; the buffer
// takes ownership of a non-nil one and closes it during Drain.
func NewBuffer(sink Sink, logger *slog.Logger, maxSize int, flushTimeout time.Duration, wal *WAL) *Buffer {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	return &Buffer{
		sink:         sink,
		wal:          wal,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers buffer metrics.
// With a WAL attached, events written before a crash are recovered into
// the buffer first. A second call is a no-op. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("eventlog: buffer already started")
		return
	}
	if b.wal != nil {
		b.recoverFromWAL()
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// recoverFromWAL loads events that were logged but never confirmed
// flushed. Runs once before the flush loop starts, so recovered events
// are first out.
func (b *Buffer) recoverFromWAL() {
	events, err := b.wal.Recover()
	if err != nil {
		b.logger.Error("eventlog: wal recovery failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}
	if len(events) > maxBufferCapacity {
		dropped := len(events) - maxBufferCapacity
		b.droppedEvents.Add(int64(dropped))
		b.logger.Error("eventlog: wal recovery truncated to buffer capacity", "dropped", dropped)
		events = events[dropped:]
	}

	b.mu.Lock()
	b.events = append(events, b.events...)
	b.mu.Unlock()

	b.logger.Info("eventlog: recovered unflushed events from wal", "count", len(events))
}

// Append queues events for the next flush. It returns an error when the
// buffer is at capacity (backpressure); the events are not queued.
func (b *Buffer) Append(events ...model.StepEvent) error {
	if len(events) == 0 {
		return nil
	}

	if b.wal != nil {
		if err := b.wal.Write(events); err != nil {
			// A disk fault degrades to memory-only buffering; failing
			// the step over lost durability would be worse.
			b.logger.Error("eventlog: wal write failed", "error", err, "count", len(events))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events)+len(events) > maxBufferCapacity {
		return fmt.Errorf("eventlog: buffer at capacity (%d events), try again later", len(b.events))
	}
	b.events = append(b.events, events...)

	if len(b.events) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done, so the final flush needs the drain
			// context (or a fallback deadline when cancelled directly).
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.inFlight = batch
	b.mu.Unlock()

	start := time.Now()
	err := b.sink.AppendEvents(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("eventlog: flush failed", "error", err, "batch_size", len(batch))
		// Put events back for retry, but respect the capacity limit.
		b.mu.Lock()
		b.inFlight = nil
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.droppedEvents.Add(int64(len(batch)))
			b.logger.Error("eventlog: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	b.inFlight = nil
	b.mu.Unlock()

	if b.wal != nil {
		if err := b.wal.Checkpoint(len(batch)); err != nil {
			b.logger.Warn("eventlog: wal checkpoint failed", "error", err)
		}
	}

	b.logger.Debug("eventlog: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the flush loop to stop, waits for its final flush, and
// closes the WAL. ctx bounds the wait and is passed to the final flush.
// Events still unflushed after a timed-out drain stay in the WAL and
// are recovered on the next Start.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("eventlog: drain timed out waiting for flush loop")
	}
	if b.wal != nil {
		if err := b.wal.Close(); err != nil {
			b.logger.Warn("eventlog: wal close failed", "error", err)
		}
	}
}

// registerMetrics registers observable gauges for buffer health. Called
// from Start after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("daiku/eventlog")

	_, _ = meter.Int64ObservableGauge("daiku.eventlog.depth",
		metric.WithDescription("Current number of events in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("daiku.eventlog.dropped_total",
		metric.WithDescription("Total events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}

// Pending returns the events for a session that are not yet confirmed
// in storage, including any batch currently handed to the sink. A
// subscriber that replays from storage and then reads the live feed
// uses this to cover the window in between; entries already persisted
// may reappear here, so callers dedupe on Seq.
func (b *Buffer) Pending(sessionID uuid.UUID) []model.StepEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []model.StepEvent
	for _, ev := range b.inFlight {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	for _, ev := range b.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Capacity returns the hard limit on buffered events.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}

// DroppedEvents returns the total number of events dropped after flush
// failures. A non-zero value indicates data loss.
func (b *Buffer) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}
