// Package timeutil normalizes rule timestamps to absolute instants and
// back, and implements the dotted-path field lookup rule.py/elastalert
// calls lookup_es_key/set_es_key: a single document key may itself
// contain dots, so a lookup tries the longest literal prefix before
// descending into a nested map.
package timeutil

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ToInstant normalizes a raw field value to an absolute time.Time. An
// empty layout means the field is epoch milliseconds (chronowatch's
// default when Rule.TimestampFieldFormat is unset); any other layout is
// passed to time.Parse.
func ToInstant(v any, layout string) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case json.Number:
		ms, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timeutil: %w", err)
		}
		return msToTime(ms, layout)
	case float64:
		return msToTime(t, layout)
	case int64:
		return msToTime(float64(t), layout)
	case string:
		if layout == "" {
			ms, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("timeutil: epoch field is not numeric: %w", err)
			}
			return msToTime(ms, layout)
		}
		parsed, err := time.Parse(layout, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("timeutil: parsing %q with layout %q: %w", t, layout, err)
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("timeutil: unsupported timestamp value type %T", v)
	}
}

func msToTime(ms float64, layout string) (time.Time, error) {
	if layout != "" {
		return time.Time{}, fmt.Errorf("timeutil: numeric value with non-empty layout %q", layout)
	}
	sec := int64(ms) / 1000
	nsec := (int64(ms) % 1000) * int64(time.Millisecond)
	return time.Unix(sec, nsec).UTC(), nil
}

// FromInstant formats t back to the shape ToInstant would accept for the
// same layout, so writeback documents and query bodies round-trip a
// rule's native timestamp representation.
func FromInstant(t time.Time, layout string) string {
	if layout == "" {
		return strconv.FormatInt(t.UTC().UnixMilli(), 10)
	}
	return t.UTC().Format(layout)
}

// LookupNested finds dottedPath in doc, preferring the longest literal
// key made of consecutive dotted segments at each level before
// descending into a nested map. This lets a document store either
// {"kubernetes.pod_name": "x"} or {"kubernetes": {"pod_name": "x"}} and
// have both resolve the same configured field name.
func LookupNested(doc map[string]any, dottedPath string) (any, bool) {
	if v, ok := doc[dottedPath]; ok {
		return v, true
	}
	return lookupParts(doc, strings.Split(dottedPath, "."))
}

func lookupParts(doc map[string]any, parts []string) (any, bool) {
	if len(doc) == 0 || len(parts) == 0 {
		return nil, false
	}
	for i := len(parts); i >= 1; i-- {
		key := strings.Join(parts[:i], ".")
		v, ok := doc[key]
		if !ok {
			continue
		}
		if i == len(parts) {
			return v, true
		}
		nested, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if res, found := lookupParts(nested, parts[i:]); found {
			return res, true
		}
	}
	return nil, false
}

// SetNested writes v at dottedPath, reusing an existing literal or
// nested key shape where one is already present and otherwise falling
// back to a single flat key at the point where the existing structure
// runs out. Mirrors elastalert's set_es_key.
func SetNested(doc map[string]any, dottedPath string, v any) {
	if _, ok := doc[dottedPath]; ok {
		doc[dottedPath] = v
		return
	}
	parts := strings.Split(dottedPath, ".")
	cur := doc
	for i, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			cur[strings.Join(parts[i:], ".")] = v
			return
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// CompoundKey concatenates the values of fields (resolved via
// LookupNested) with ", " to build a derived query_key, per spec.md
// §4.A. A field with no value in doc contributes the literal "None",
// matching elastalert's str(None) rendering; ok is false only when none
// of the fields resolved.
func CompoundKey(doc map[string]any, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	found := false
	for i, f := range fields {
		v, ok := LookupNested(doc, f)
		if !ok {
			parts[i] = "None"
			continue
		}
		found = true
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", "), found
}
