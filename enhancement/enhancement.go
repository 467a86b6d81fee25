// Package enhancement defines the out-of-scope per-match mutation/drop
// collaborator (spec.md §6). Enhancements run either before or after
// silence/aggregation routing, per rule.run_enhancements_first
// (spec.md §4.D step 6, §4.H step 5). Grounded on inhibit.Muter's
// single-purpose predicate shape, generalized from "mute this alert" to
// "mutate or drop this match".
package enhancement

import (
	"context"
	"errors"

	"github.com/chronowatch/chronowatch/types"
)

// ErrDropMatch, returned from Process, tells the caller to discard the
// match instead of propagating the error: a drop signal, not a failure
// (spec.md §4.H step 5, "drop signals remove that match; errors are
// recorded but non-fatal").
var ErrDropMatch = errors.New("enhancement: drop match")

// Enhancement inspects or mutates one match in place.
type Enhancement interface {
	Process(ctx context.Context, match types.Match) error
}

// FieldBlacklist drops any match whose Field is in Values. It is a
// post-routing complement to esquery.ApplyListEnhancements, for
// deployments that want the drop decision to happen after silence
// checks rather than at query time.
type FieldBlacklist struct {
	Field  string
	Values map[string]struct{}
}

// NewFieldBlacklist returns a FieldBlacklist matching any of values on
// field.
func NewFieldBlacklist(field string, values []string) *FieldBlacklist {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return &FieldBlacklist{Field: field, Values: set}
}

func (f *FieldBlacklist) Process(_ context.Context, match types.Match) error {
	v, ok := match[f.Field]
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	if _, blocked := f.Values[s]; blocked {
		return ErrDropMatch
	}
	return nil
}
