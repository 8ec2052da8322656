package statestore

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Metadata is the queryable side data stored alongside a state value
type Metadata map[string]any

// Clone returns a shallow copy of m
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with every entry of other added or replaced
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same entries. Values are compared
// by their formatted representation, which makes 1 and 1.0 equal as they are
// after a JSON round trip.
func (m Metadata) Equal(other Metadata) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		ov, ok := other[k]
		if !ok || compare(v, ov) != 0 {
			return false
		}
	}
	return true
}

// State is a stored record
type State struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	Version      int       `json:"version"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	ModifiedTime time.Time `json:"modified_time"`
}

// Clone returns a deep copy of the value bytes and a copy of the metadata
func (s State) Clone() State {
	s.Value = bytes.Clone(s.Value)
	s.Metadata = s.Metadata.Clone()
	return s
}

// IntervalFilter selects states by modified time. Both bounds are inclusive
// and a zero bound is open.
type IntervalFilter struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the interval
func (f IntervalFilter) Contains(t time.Time) bool {
	if !f.Start.IsZero() && t.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && t.After(f.End) {
		return false
	}
	return true
}

// Operation is a metadata comparison
type Operation int

// Supported metadata operations
const (
	Equals Operation = iota
	NotEquals
	GreaterThan
	GreaterThanOrEqual
	LesserThan
	LesserThanOrEqual
)

// String returns the operator name
func (o Operation) String() string {
	switch o {
	case Equals:
		return "equals"
	case NotEquals:
		return "not_equals"
	case GreaterThan:
		return "greater_than"
	case GreaterThanOrEqual:
		return "greater_than_or_equal"
	case LesserThan:
		return "lesser_than"
	case LesserThanOrEqual:
		return "lesser_than_or_equal"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// MetadataFilter compares one metadata entry against a value
type MetadataFilter struct {
	Key       string
	Operation Operation
	Value     any
}

// Matches reports whether md satisfies the filter. A missing key never
// matches.
func (f MetadataFilter) Matches(md Metadata) bool {
	v, ok := md[f.Key]
	if !ok {
		return false
	}
	c := compare(v, f.Value)
	switch f.Operation {
	case Equals:
		return c == 0
	case NotEquals:
		return c != 0
	case GreaterThan:
		return c > 0
	case GreaterThanOrEqual:
		return c >= 0
	case LesserThan:
		return c < 0
	case LesserThanOrEqual:
		return c <= 0
	default:
		return false
	}
}

// MatchesAny reports whether md satisfies at least one filter
func MatchesAny(md Metadata, filters []MetadataFilter) bool {
	for _, f := range filters {
		if f.Matches(md) {
			return true
		}
	}
	return false
}

// compare orders two metadata values. Numbers compare numerically, anything
// else by its string form.
func compare(a, b any) int {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// StampTime truncates t to the millisecond precision stores persist
func StampTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
