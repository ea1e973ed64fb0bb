package span

import (
	"math"
	"time"

	"github.com/ashita-ai/kiroku/internal/clock"
)

// ResolveTime converts a caller-supplied timestamp into a clock offset.
//
// Accepted inputs are a non-zero time.Time (converted through the clock),
// a time.Duration offset, or an integer or finite float number of
// milliseconds since the clock origin. Any other input resolves to the
// clock's current reading.
func ResolveTime(c clock.Clock, input any) time.Duration {
	switch v := input.(type) {
	case time.Time:
		if v.IsZero() {
			return c.Now()
		}
		return c.Convert(v)
	case *time.Time:
		if v == nil || v.IsZero() {
			return c.Now()
		}
		return c.Convert(*v)
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Millisecond
	case int32:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float32:
		return millis(c, float64(v))
	case float64:
		return millis(c, v)
	default:
		return c.Now()
	}
}

func millis(c clock.Clock, ms float64) time.Duration {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return c.Now()
	}
	return time.Duration(ms * float64(time.Millisecond))
}
