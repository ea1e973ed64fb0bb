// Package clock abstracts the agent's notion of time.
//
// Span timestamps are stored as offsets from a fixed origin (the moment the
// clock was created) so that they are monotonic and cheap to compare. The
// origin anchors those offsets to wall-clock time when a payload is encoded.
//
// Production code uses Real(); tests use Fake() and advance time explicitly.
// The batch processor's deferred flush is scheduled through AfterFunc so
// that tests can fire it deterministically.
package clock

import (
	"strconv"
	"time"
)

// Clock is the time source shared by the span factory and batch processor.
type Clock interface {
	// Now returns the monotonic offset from the clock's origin.
	Now() time.Duration

	// Convert maps a wall-clock time onto the clock's offset scale.
	Convert(t time.Time) time.Duration

	// ToUnixNanoseconds renders an offset as a decimal unix-nanosecond
	// timestamp, the format used on the wire.
	ToUnixNanoseconds(offset time.Duration) string

	// AfterFunc calls f after d elapses. The returned Timer cancels the
	// pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer represents a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call stops
// the timer, false if the timer has already fired or been stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Wall returns the wall-clock time c currently reads. It works for any
// Clock, since ToUnixNanoseconds anchors offsets to wall time.
func Wall(c Clock) time.Time {
	ns, err := strconv.ParseInt(c.ToUnixNanoseconds(c.Now()), 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(0, ns).UTC()
}
