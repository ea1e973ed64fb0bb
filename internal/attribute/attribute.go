// Package attribute implements the ordered attribute map carried by spans
// and resources.
//
// Values are OpenTelemetry attribute values restricted to a closed set of
// types (string, int64, float64, bool). Writes of any other type are dropped
// at the write boundary, so an invalid value is never represented
// internally.
package attribute

import (
	"math"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Value is a single attribute value.
type Value = attribute.Value

// ValueOf converts a Go value into a Value. It reports false for any type
// outside the supported kinds, for unsigned values that overflow int64 and
// for non-finite floats.
func ValueOf(v any) (Value, bool) {
	switch x := v.(type) {
	case string:
		return attribute.StringValue(x), true
	case bool:
		return attribute.BoolValue(x), true
	case int:
		return attribute.IntValue(x), true
	case int8:
		return attribute.Int64Value(int64(x)), true
	case int16:
		return attribute.Int64Value(int64(x)), true
	case int32:
		return attribute.Int64Value(int64(x)), true
	case int64:
		return attribute.Int64Value(x), true
	case uint8:
		return attribute.Int64Value(int64(x)), true
	case uint16:
		return attribute.Int64Value(int64(x)), true
	case uint32:
		return attribute.Int64Value(int64(x)), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return Value{}, false
		}
		return attribute.Int64Value(int64(x)), true
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, false
		}
		return attribute.Int64Value(int64(x)), true
	case float32:
		return finite(float64(x))
	case float64:
		return finite(x)
	case Value:
		return x, scalar(x.Type())
	default:
		return Value{}, false
	}
}

func finite(f float64) (Value, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, false
	}
	return attribute.Float64Value(f), true
}

func scalar(t attribute.Type) bool {
	switch t {
	case attribute.STRING, attribute.INT64, attribute.FLOAT64, attribute.BOOL:
		return true
	default:
		return false
	}
}

// Set is an insertion-ordered map from key to Value. Rewriting an existing
// key replaces its value in place. Set is not safe for concurrent use.
type Set struct {
	kvs   []attribute.KeyValue
	index map[attribute.Key]int
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{index: make(map[attribute.Key]int)}
}

// Set stores value under key. Values of unsupported types are ignored.
func (s *Set) Set(key string, value any) {
	v, ok := ValueOf(value)
	if !ok {
		return
	}
	k := attribute.Key(key)
	if i, exists := s.index[k]; exists {
		s.kvs[i].Value = v
		return
	}
	s.index[k] = len(s.kvs)
	s.kvs = append(s.kvs, attribute.KeyValue{Key: k, Value: v})
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Set) Remove(key string) {
	k := attribute.Key(key)
	i, exists := s.index[k]
	if !exists {
		return
	}
	delete(s.index, k)
	s.kvs = append(s.kvs[:i], s.kvs[i+1:]...)
	for j := i; j < len(s.kvs); j++ {
		s.index[s.kvs[j].Key] = j
	}
}

// Get returns the value stored under key.
func (s *Set) Get(key string) (Value, bool) {
	i, ok := s.index[attribute.Key(key)]
	if !ok {
		return Value{}, false
	}
	return s.kvs[i].Value, true
}

// Has reports whether key is present.
func (s *Set) Has(key string) bool {
	_, ok := s.index[attribute.Key(key)]
	return ok
}

// Len returns the number of keys.
func (s *Set) Len() int { return len(s.kvs) }

// Keys returns the keys in insertion order.
func (s *Set) Keys() []string {
	out := make([]string, len(s.kvs))
	for i, kv := range s.kvs {
		out[i] = string(kv.Key)
	}
	return out
}

// Clone returns an independent copy. Cloning a nil Set yields an empty Set.
func (s *Set) Clone() *Set {
	c := NewSet()
	if s == nil {
		return c
	}
	c.kvs = append(c.kvs, s.kvs...)
	for k, i := range s.index {
		c.index[k] = i
	}
	return c
}

// Merge copies every entry of other into s, overwriting existing keys.
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	for _, kv := range other.kvs {
		if i, exists := s.index[kv.Key]; exists {
			s.kvs[i].Value = kv.Value
			continue
		}
		s.index[kv.Key] = len(s.kvs)
		s.kvs = append(s.kvs, kv)
	}
}

// KeyValue is the OTLP/JSON form of one attribute.
type KeyValue struct {
	Key   string   `json:"key"`
	Value AnyValue `json:"value"`
}

// AnyValue is the OTLP/JSON form of a Value; exactly one field is set.
// Integers are encoded as decimal strings.
type AnyValue struct {
	StringValue *string  `json:"stringValue,omitempty"`
	IntValue    *string  `json:"intValue,omitempty"`
	DoubleValue *float64 `json:"doubleValue,omitempty"`
	BoolValue   *bool    `json:"boolValue,omitempty"`
}

// ToJSON renders the set in insertion order.
func (s *Set) ToJSON() []KeyValue {
	if s == nil {
		return []KeyValue{}
	}
	out := make([]KeyValue, 0, len(s.kvs))
	for _, kv := range s.kvs {
		out = append(out, KeyValue{Key: string(kv.Key), Value: anyValue(kv.Value)})
	}
	return out
}

func anyValue(v Value) AnyValue {
	switch v.Type() {
	case attribute.STRING:
		s := v.AsString()
		return AnyValue{StringValue: &s}
	case attribute.INT64:
		s := strconv.FormatInt(v.AsInt64(), 10)
		return AnyValue{IntValue: &s}
	case attribute.FLOAT64:
		f := v.AsFloat64()
		return AnyValue{DoubleValue: &f}
	case attribute.BOOL:
		b := v.AsBool()
		return AnyValue{BoolValue: &b}
	default:
		return AnyValue{}
	}
}
