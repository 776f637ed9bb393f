package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	sweepInterval = time.Minute
	idleEviction  = 10 * time.Minute
)

// tokenBucket tracks one key's budget. Tokens refill lazily on access,
// so an idle bucket costs nothing until the sweeper removes it.
type tokenBucket struct {
	level      float64
	refilledAt time.Time
}

// MemoryLimiter is a per-key token bucket held entirely in memory.
//
// Every key refills at rate tokens per second up to a capacity of burst.
// A background sweeper drops buckets idle for more than ten minutes to
// keep the map bounded; Close stops it.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryLimiter creates a limiter sustaining rate requests per second
// per key with bursts up to burst.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow takes one token from key's bucket, reporting false when the
// bucket is empty. It never returns an error.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// A new key starts full, minus the token this request takes.
		m.buckets[key] = &tokenBucket{level: m.burst - 1, refilledAt: now}
		return true, nil
	}

	b.level += now.Sub(b.refilledAt).Seconds() * m.rate
	if b.level > m.burst {
		b.level = m.burst
	}
	b.refilledAt = now

	if b.level < 1 {
		return false, nil
	}
	b.level--
	return true, nil
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleEviction)
	for key, b := range m.buckets {
		if b.refilledAt.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
