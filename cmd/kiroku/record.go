package main

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/span"
)

// record is one input line.
type record struct {
	Name       string         `json:"name"`
	Kind       string         `json:"kind"`
	Start      any            `json:"start"`
	End        any            `json:"end"`
	Attributes map[string]any `json:"attributes"`
	FirstClass *bool          `json:"firstClass"`
	Events     []recordEvent  `json:"events"`
}

type recordEvent struct {
	Name string `json:"name"`
	Time any    `json:"time"`
}

type spanStarter interface {
	StartSpan(name string, opts kiroku.SpanOptions) *kiroku.Span
}

func parseRecord(line []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return record{}, fmt.Errorf("decode: %w", err)
	}
	if rec.Name == "" {
		return record{}, errors.New("name is required")
	}
	return rec, nil
}

// emit starts and immediately ends the span the record describes.
func (r record) emit(c spanStarter) *kiroku.Span {
	s := c.StartSpan(r.Name, kiroku.SpanOptions{
		StartTime:    timeInput(r.Start),
		Kind:         span.ParseKind(r.Kind),
		IsFirstClass: r.FirstClass,
	})
	for _, k := range slices.Sorted(maps.Keys(r.Attributes)) {
		s.SetAttribute(k, attributeValue(r.Attributes[k]))
	}
	for _, e := range r.Events {
		s.AddEvent(e.Name, timeInput(e.Time))
	}
	s.EndAt(timeInput(r.End))
	return s
}

// timeInput accepts RFC 3339 strings and millisecond numbers. Anything
// else resolves to the current time.
func timeInput(v any) any {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil
		}
		return parsed
	case float64:
		return t
	default:
		return nil
	}
}

// attributeValue narrows whole JSON numbers to integers so they encode as
// intValue rather than doubleValue.
func attributeValue(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
