// Package ratelimit paces redelivery of queued payloads so that a backlog
// does not flood the collector the moment it becomes reachable again.
package ratelimit

import "context"

// Limiter decides whether an attempt identified by key should proceed now.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the attempt should proceed. The key is opaque;
	// retry queues use the delivery endpoint. An error signals a limiter
	// malfunction and callers treat it as fail-open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines).
	Close() error
}

// NoopLimiter permits every attempt. Used when pacing is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a TokenLimiter for ratePerSecond > 0 and a NoopLimiter
// otherwise.
func New(ratePerSecond float64, burst int) Limiter {
	if ratePerSecond <= 0 {
		return NoopLimiter{}
	}
	return NewTokenLimiter(ratePerSecond, burst)
}
