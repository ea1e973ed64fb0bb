package clock

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Fake returns a FakeClock whose origin is the given wall-clock time.
// Time stands still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(origin time.Time) *FakeClock {
	return &FakeClock{origin: origin}
}

// FakeClock is a deterministic Clock for testing.
//
// AfterFunc callbacks are invoked synchronously during Advance in
// deadline order. Do not call Advance from within a callback.
type FakeClock struct {
	origin time.Time

	mu      sync.Mutex
	current time.Duration
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Duration
	callback func()
	stopped  bool
	fired    bool
}

// Now returns the current fake offset.
func (c *FakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Convert maps t onto the fake clock's offset scale.
func (c *FakeClock) Convert(t time.Time) time.Duration {
	return t.Sub(c.origin)
}

// ToUnixNanoseconds renders offset relative to the fake origin.
func (c *FakeClock) ToUnixNanoseconds(offset time.Duration) string {
	return strconv.FormatInt(c.origin.UnixNano()+int64(offset), 10)
}

// AfterFunc schedules f to run when the clock is advanced past d from
// now. If d <= 0, f is called synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	waiter := &fakeWaiter{
		deadline: c.current + d,
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.stopped || waiter.fired {
				return false
			}
			waiter.stopped = true
			return true
		},
	}
}

// Advance moves the clock forward by d and fires every callback whose
// deadline falls within the new time, in deadline order. Callbacks
// scheduled by a firing callback also fire if they are already due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current += d
	target := c.current
	c.mu.Unlock()

	for {
		toFire := c.collectExpired(target)
		if len(toFire) == 0 {
			return
		}
		sort.SliceStable(toFire, func(i, j int) bool {
			return toFire[i].deadline < toFire[j].deadline
		})
		for _, waiter := range toFire {
			waiter.callback()
		}
	}
}

// PendingCount returns the number of timers that have neither fired nor
// been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped {
			count++
		}
	}
	return count
}

// collectExpired removes due waiters from the pending list and marks them
// fired. Must be called without c.mu held.
func (c *FakeClock) collectExpired(target time.Duration) []*fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toFire, remaining []*fakeWaiter
	for _, waiter := range c.waiters {
		if waiter.stopped {
			continue
		}
		if waiter.deadline <= target {
			waiter.fired = true
			toFire = append(toFire, waiter)
		} else {
			remaining = append(remaining, waiter)
		}
	}
	c.waiters = remaining
	return toFire
}
