// Package esquery builds backend-neutral query bodies for the four rule
// modes. No teacher file builds search-engine queries (alertmanager
// receives already-fired alerts, never queries a time-series backend),
// so this package is shaped after the elastic/go-elasticsearch idiom
// seen across the pack: small builder functions returning a
// map[string]any body that marshals straight into the request, the way
// the teacher keeps its own small single-purpose builders
// (dispatch.getGroupLabels) rather than a fluent query-builder type.
package esquery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chronowatch/chronowatch/types"
)

// Mode reuses the rule's query mode so callers never have to convert
// between an esquery-local enum and types.Mode.
type Mode = types.Mode

// Filters is the filter-term list a rule was configured with.
type Filters = []types.Filter

// Body is a search-engine request body. It marshals as a plain JSON
// object; chronowatch never needs a typed request struct because the
// shape varies too much across the four modes to be worth one.
type Body map[string]any

func (b Body) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(b))
}

// AggElement is the rule's configured aggregation_query_element, passed
// through verbatim as the innermost metric aggregation.
type AggElement map[string]any

// SearchOpts configures BuildSearch/BuildCount.
type SearchOpts struct {
	TimestampField string
	Sort           bool
	Descending     bool
	Size           int
}

// TermsOpts configures BuildTerms.
type TermsOpts struct {
	TimestampField    string
	TermsSize         int
	MinDocCount       int
	RawCountKeys      bool
	MultiFieldPostfix string
}

// AggOpts configures BuildAggregation.
type AggOpts struct {
	TimestampField       string
	QueryKey             []string // outermost field first; nesting reverses this
	BucketIntervalPeriod string   // e.g. "1h"; empty disables the date_histogram wrapper
	BucketOffsetDelta    string   // e.g. "30m"; only applied when BucketIntervalPeriod is set
}

// BuildSearch returns a query matching filters within the half-open
// window (start, end], optionally sorted by timestamp.
func BuildSearch(f Filters, start, end time.Time, opts SearchOpts) Body {
	body := Body{"query": boolQuery(f, start, end, opts.TimestampField)}
	if opts.Size > 0 {
		body["size"] = opts.Size
	}
	if opts.Sort {
		order := "asc"
		if opts.Descending {
			order = "desc"
		}
		body["sort"] = []map[string]any{{opts.TimestampField: map[string]any{"order": order}}}
	}
	return body
}

// BuildCount returns a query identical to BuildSearch but without a sort
// and with size 0, for rules that only need a hit count.
func BuildCount(f Filters, start, end time.Time, opts SearchOpts) Body {
	return Body{
		"query": boolQuery(f, start, end, opts.TimestampField),
		"size":  0,
	}
}

// BuildTerms returns a count query carrying a single top-level terms
// aggregation over field, per spec.md §4.B's terms-aggregation variant.
func BuildTerms(f Filters, start, end time.Time, field string, opts TermsOpts) Body {
	minDocCount := opts.MinDocCount
	if minDocCount == 0 {
		minDocCount = 1
	}
	termsField := field
	postfix := opts.MultiFieldPostfix
	if postfix == "" {
		postfix = ".keyword"
	}
	if opts.RawCountKeys && !strings.HasSuffix(field, postfix) {
		termsField = field + postfix
	}
	return Body{
		"query": boolQuery(f, start, end, opts.TimestampField),
		"size":  0,
		"aggs": map[string]any{
			"counts": map[string]any{
				"terms": map[string]any{
					"field":         termsField,
					"size":          opts.TermsSize,
					"min_doc_count": minDocCount,
				},
			},
		},
	}
}

// BuildAggregation returns a count query embedding elem as the
// innermost metric aggregation, optionally wrapped in a fixed-interval
// date histogram and/or nested terms buckets keyed by QueryKey, nested
// from the innermost field outward per spec.md §4.B.
func BuildAggregation(f Filters, start, end time.Time, elem AggElement, opts AggOpts) Body {
	aggs := map[string]any(elem)

	if opts.BucketIntervalPeriod != "" {
		dateHist := map[string]any{
			"field":          opts.TimestampField,
			"fixed_interval": opts.BucketIntervalPeriod,
		}
		if opts.BucketOffsetDelta != "" {
			dateHist["offset"] = opts.BucketOffsetDelta
		}
		aggs = map[string]any{
			"interval_aggs": map[string]any{
				"date_histogram": dateHist,
				"aggs":           aggs,
			},
		}
	}

	for i := len(opts.QueryKey) - 1; i >= 0; i-- {
		aggs = map[string]any{
			"bucket_aggs": map[string]any{
				"terms": map[string]any{"field": opts.QueryKey[i], "size": 0},
				"aggs":  aggs,
			},
		}
	}

	return Body{
		"query": boolQuery(f, start, end, opts.TimestampField),
		"size":  0,
		"aggs":  aggs,
	}
}

// ApplyListEnhancements appends a blacklist/whitelist query_string
// filter to f, per spec.md §4.B. Terms wrapped in /.../ are emitted
// unquoted so the search engine treats them as a regex.
func ApplyListEnhancements(f Filters, blacklist, whitelist []string, compareKey string) Filters {
	out := f
	if len(blacklist) > 0 {
		out = append(out, listFilter(compareKey, blacklist, false))
	}
	if len(whitelist) > 0 {
		out = append(out, listFilter(compareKey, whitelist, true))
	}
	return out
}

func listFilter(compareKey string, terms []string, negate bool) types.Filter {
	clauses := make([]string, len(terms))
	for i, term := range terms {
		clauses[i] = fmt.Sprintf("%s:%s", compareKey, listTerm(term))
		if negate {
			clauses[i] = "NOT " + clauses[i]
		}
	}
	joiner := " OR "
	if negate {
		joiner = " AND "
	}
	return types.Filter{Raw: map[string]any{
		"query_string": map[string]any{"query": strings.Join(clauses, joiner)},
	}}
}

func listTerm(term string) string {
	if strings.HasPrefix(term, "/") && strings.HasSuffix(term, "/") && len(term) >= 2 {
		return term
	}
	return fmt.Sprintf("%q", term)
}

func boolQuery(f Filters, start, end time.Time, timestampField string) map[string]any {
	must := []map[string]any{
		{"range": map[string]any{
			timestampField: map[string]any{
				"gt":  start.UTC().Format(time.RFC3339Nano),
				"lte": end.UTC().Format(time.RFC3339Nano),
			},
		}},
	}
	for _, term := range f {
		must = append(must, filterClause(term))
	}
	return map[string]any{"bool": map[string]any{"filter": must}}
}

// filterClause implements the legacy {query: X} => X flattening rule.
func filterClause(f types.Filter) map[string]any {
	if f.Raw != nil {
		if len(f.Raw) == 1 {
			if q, ok := f.Raw["query"]; ok {
				if m, ok := q.(map[string]any); ok {
					return m
				}
			}
		}
		return f.Raw
	}
	return map[string]any{"term": map[string]any{f.Field: f.Value}}
}
