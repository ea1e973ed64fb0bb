// Package idgen produces the random hex identifiers used for span and
// trace ids.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Id widths accepted by Generate.
const (
	SpanIDBits  = 64
	TraceIDBits = 128
)

// Generator produces lowercase hex identifiers of the requested bit width.
type Generator interface {
	Generate(bits int) string
}

// Random is the production Generator backed by crypto/rand.
type Random struct{}

// Generate returns bits/4 hex characters. An all-zero id is invalid on the
// wire, so one is never returned.
func (Random) Generate(bits int) string {
	buf := make([]byte, bits/8)
	for {
		// crypto/rand.Read never returns an error on supported platforms.
		_, _ = rand.Read(buf)
		if !allZero(buf) {
			return hex.EncodeToString(buf)
		}
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Sequence returns ids from fixed lists in order, falling back to Random
// when a list is exhausted. Useful for pinning trace ids with known
// sampling rates.
type Sequence struct {
	SpanIDs  []string
	TraceIDs []string
}

// Generate pops the next id for the requested width.
func (s *Sequence) Generate(bits int) string {
	switch {
	case bits == TraceIDBits && len(s.TraceIDs) > 0:
		id := s.TraceIDs[0]
		s.TraceIDs = s.TraceIDs[1:]
		return id
	case bits == SpanIDBits && len(s.SpanIDs) > 0:
		id := s.SpanIDs[0]
		s.SpanIDs = s.SpanIDs[1:]
		return id
	}
	return Random{}.Generate(bits)
}
