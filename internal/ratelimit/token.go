package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// TokenLimiter implements Limiter with one token bucket per key.
//
// A background goroutine evicts keys not used for ten minutes to bound
// memory.
type TokenLimiter struct {
	rate  rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewTokenLimiter creates a limiter allowing ratePerSecond sustained
// attempts per key with the given burst. Burst values below 1 are raised
// to 1. Call Close to stop the eviction goroutine.
func NewTokenLimiter(ratePerSecond float64, burst int) *TokenLimiter {
	t := &TokenLimiter{
		rate:    rate.Limit(ratePerSecond),
		burst:   max(burst, 1),
		now:     time.Now,
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// Allow consumes one token for key if available.
func (t *TokenLimiter) Allow(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(t.rate, t.burst)}
		t.entries[key] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1), nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (t *TokenLimiter) Close() error {
	t.stopOnce.Do(func() { close(t.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (t *TokenLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.evictStale()
		}
	}
}

func (t *TokenLimiter) evictStale() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-staleThreshold)
	for key, e := range t.entries {
		if e.lastAccess.Before(cutoff) {
			delete(t.entries, key)
		}
	}
}
