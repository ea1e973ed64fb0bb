package clock

import (
	"strconv"
	"time"
)

// Real returns a Clock whose origin is the current time.
func Real() Clock {
	return &realClock{origin: time.Now()}
}

type realClock struct {
	origin time.Time // carries a monotonic reading
}

func (c *realClock) Now() time.Duration { return time.Since(c.origin) }

func (c *realClock) Convert(t time.Time) time.Duration {
	// Strip the monotonic reading from the origin so both sides compare on
	// the wall clock; user-supplied times never carry one.
	return t.Sub(c.origin.Round(0))
}

func (c *realClock) ToUnixNanoseconds(offset time.Duration) string {
	return strconv.FormatInt(c.origin.UnixNano()+int64(offset), 10)
}

func (c *realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}
