// Package ratelimit bounds request rates on the session control surface.
//
// The default backend is an in-memory token bucket (MemoryLimiter),
// which is all a single-instance deployment needs. Multi-instance
// deployments can substitute a shared-store implementation; the Limiter
// interface is the contract.
package ratelimit

import "context"

// Limiter decides whether the request identified by key may proceed.
// Implementations must be safe for concurrent use. A returned error
// means the limiter itself malfunctioned; callers should fail open
// rather than refuse traffic.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// NoopLimiter admits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
