package span

import "strconv"

// SamplingRate derives the span's 32-bit sampling value from its trace id
// by XOR-folding the id's 8-hex-digit chunks. All spans of a trace share
// the value, so a trace is kept or dropped as a whole. Chunks that are not
// valid hex contribute zero.
func SamplingRate(traceID string) uint32 {
	const chunk = 8
	var rate uint32
	for i := 0; i < len(traceID); i += chunk {
		end := min(i+chunk, len(traceID))
		v, err := strconv.ParseUint(traceID[i:end], 16, 32)
		if err != nil {
			continue
		}
		rate ^= uint32(v)
	}
	return rate
}
