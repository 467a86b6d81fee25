package types

import (
	"sort"
	"strings"
	"time"
)

// Match is the dictionary-shaped event produced by a rule-type detector
// (spec.md §3, Match (M)). Field lookups honor the dotted-path rules
// implemented in package timeutil; Match stays a plain map so detectors
// and enhancements can build and mutate it without a marshal/unmarshal
// round trip.
type Match map[string]any

// Clone returns a shallow copy, so the enhancement contract's "may mutate
// the match" semantics never leaks a mutation back into a shared slice
// entry held by the aggregation queue or another in-flight enhancement.
func (m Match) Clone() Match {
	out := make(Match, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ID returns the backend document id tacked onto the match by the Query
// Runner (spec.md §4.C step 5), if present.
func (m Match) ID() (string, bool) {
	v, ok := m["_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// EventTime extracts the match's normalized event timestamp from the
// rule's configured timestamp field. Hit post-processing (spec.md §4.C
// step 5) guarantees the field holds a time.Time by the time a match
// reaches this accessor.
func (m Match) EventTime(field string) (time.Time, bool) {
	v, ok := m[field]
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}

// TermsBucket is one bucket of a terms aggregation result, fed to
// Detector.AddTermsData.
type TermsBucket struct {
	Key      string
	DocCount int
}

// AggNode is one node of a metric aggregation result tree, fed to
// Detector.AddAggregationData. Buckets is non-nil only when the query
// nested terms buckets around the metric (query_key set), innermost
// field first per spec.md §4.B.
type AggNode struct {
	Value    float64
	DocCount int
	Buckets  map[string]AggNode
}

// JoinMatchNames joins up to n match identifiers for log messages,
// truncating with an ellipsis past n. The log alerter uses it for its
// alert line.
func JoinMatchNames(n int, matches ...Match) string {
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if id, ok := m.ID(); ok {
			names = append(names, id)
		}
	}
	sort.Strings(names)
	if len(names) > n {
		return strings.Join(names[:n], ", ") + ", ..."
	}
	return strings.Join(names, ", ")
}
