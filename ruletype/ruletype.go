// Package ruletype defines the narrow contract between the rule
// execution core and a rule-type detector: the out-of-scope collaborator
// spec.md §6 describes as implementing the actual "what counts as
// anomalous" logic (count thresholds, terms spikes, absence of
// expected traffic, arbitrary aggregation comparisons). chronowatch
// drives any Detector; it ships none beyond the pass-through builtin
// used for tests and as a wiring example.
//
// Grounded on notify.Stage's minimal single-method interface style: the
// teacher defines its extension points as the smallest interface that
// lets it stay agnostic of the concrete implementation.
package ruletype

import (
	"time"

	"github.com/chronowatch/chronowatch/types"
)

// Detector consumes one tick's query results, in whichever data shape
// its rule's Mode produces, and emits matches. A Query Runner calls
// exactly one of the Add*Data methods per segment, depending on
// types.Rule.Mode; GarbageCollect is called once per segment boundary
// (spec.md §4.D step 5) so the detector can expire any internal
// candidate window.
type Detector interface {
	AddData(hits []map[string]any)
	AddCountData(counts map[time.Time]int)
	AddTermsData(buckets map[time.Time][]types.TermsBucket)
	AddAggregationData(tree map[time.Time]types.AggNode)
	GarbageCollect(ts time.Time)
	Matches() []types.Match
}

// PassThrough is the builtin search-mode Detector: every hit it is
// handed becomes a match. It exists for tests and as the simplest
// possible wiring example; real deployments supply their own Detector
// for count/terms/aggregation thresholds.
type PassThrough struct {
	matches []types.Match
}

func NewPassThrough() *PassThrough { return &PassThrough{} }

func (p *PassThrough) AddData(hits []map[string]any) {
	for _, h := range hits {
		p.matches = append(p.matches, types.Match(h))
	}
}

func (p *PassThrough) AddCountData(map[time.Time]int)                  {}
func (p *PassThrough) AddTermsData(map[time.Time][]types.TermsBucket)  {}
func (p *PassThrough) AddAggregationData(map[time.Time]types.AggNode) {}
func (p *PassThrough) GarbageCollect(time.Time)                        {}

// Matches drains and returns every match accumulated so far.
func (p *PassThrough) Matches() []types.Match {
	out := p.matches
	p.matches = nil
	return out
}
