// Package query drives one windowed query against the search backend
// and feeds survivors to a rule-type detector. Grounded on
// provider/mem.Alerts' mutex-guarded map access pattern for the dedupe
// set, and on dispatch.run's loop shape: spec.md §9 explicitly calls
// for replacing the original implementation's recursive scroll with a
// loop (REDESIGN FLAG), the way the teacher's own dispatch.run is a
// `for { select { ... } }` loop rather than self-recursion.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chronowatch/chronowatch/esclient"
	"github.com/chronowatch/chronowatch/esquery"
	"github.com/chronowatch/chronowatch/rulestate"
	"github.com/chronowatch/chronowatch/ruletype"
	"github.com/chronowatch/chronowatch/timeutil"
	"github.com/chronowatch/chronowatch/types"
	"github.com/chronowatch/chronowatch/writeback"
)

// maxScrollCycles guards against unbounded scroll recursion turned
// iteration (spec.md §4.C step 4): a rule whose scroll cursor never
// terminates aborts cleanly instead of looping forever.
const maxScrollCycles = 10000

// Result summarizes one Run call.
type Result struct {
	TotalHits  int
	MatchCount int
}

// Runner executes one rule's query for one segment window.
type Runner struct {
	client *esclient.Client
	wb     *writeback.Store
	logger *slog.Logger
}

// New returns a Runner backed by client, persisting backend errors to
// wb's error writeback.
func New(client *esclient.Client, wb *writeback.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{client: client, wb: wb, logger: logger.With("component", "query")}
}

// Run executes rule's query for (start, end], feeding survivors to det,
// per spec.md §4.C. bucketOffset is the cursor.AlignBucket offset for
// aggregation-mode rules that don't sync their bucket boundary (spec.md
// §4.E); it is ignored by every other mode.
func (r *Runner) Run(ctx context.Context, rule *types.Rule, st *rulestate.State, det ruletype.Detector, start, end time.Time, bucketOffset time.Duration) (*Result, error) {
	index, err := esclient.ResolveIndex(rule, start, end, true)
	if err != nil {
		return nil, r.fail(ctx, rule, fmt.Errorf("query: resolving index: %w", err))
	}

	filters := esquery.Filters(rule.Filters)
	if len(rule.Blacklist) > 0 || len(rule.Whitelist) > 0 {
		filters = esquery.ApplyListEnhancements(filters, rule.Blacklist, rule.Whitelist, rule.CompareKey)
	}

	switch rule.Mode {
	case types.ModeSearch:
		return r.runSearch(ctx, rule, st, det, index, filters, start, end)
	case types.ModeCount:
		return r.runCount(ctx, rule, det, index, filters, start, end)
	case types.ModeTerms:
		return r.runTerms(ctx, rule, det, index, filters, start, end)
	default:
		return r.runAggregation(ctx, rule, det, index, filters, start, end, bucketOffset)
	}
}

func (r *Runner) runSearch(ctx context.Context, rule *types.Rule, st *rulestate.State, det ruletype.Detector, index string, filters esquery.Filters, start, end time.Time) (*Result, error) {
	body := esquery.BuildSearch(filters, start, end, esquery.SearchOpts{
		TimestampField: rule.TimestampField,
		Sort:           true,
		Size:           rule.MaxQuerySize,
	})

	res, err := r.client.Search(ctx, index, body, rule.MaxQuerySize, rule.ScrollKeepalive)
	if err != nil {
		return nil, r.fail(ctx, rule, fmt.Errorf("query: search: %w", err))
	}

	total := res.TotalHits
	matchCount := r.ingest(rule, st, det, res.Hits)

	scrollID := res.ScrollID
	defer r.client.ClearScroll(ctx, scrollID)

	cycles := 0
	for scrollID != "" && total > rule.MaxQuerySize && cycles < maxScrollCycles {
		cycles++
		st.ScrollingCycle = cycles

		next, err := r.client.Scroll(ctx, scrollID, rule.ScrollKeepalive)
		if err != nil {
			return nil, r.fail(ctx, rule, fmt.Errorf("query: scroll: %w", err))
		}
		scrollID = next.ScrollID
		if len(next.Hits) == 0 {
			break
		}
		matchCount += r.ingest(rule, st, det, next.Hits)
	}

	return &Result{TotalHits: total, MatchCount: matchCount}, nil
}

func (r *Runner) runCount(ctx context.Context, rule *types.Rule, det ruletype.Detector, index string, filters esquery.Filters, start, end time.Time) (*Result, error) {
	body := esquery.BuildCount(filters, start, end, esquery.SearchOpts{TimestampField: rule.TimestampField})
	res, err := r.client.Search(ctx, index, body, 0, 0)
	if err != nil {
		return nil, r.fail(ctx, rule, fmt.Errorf("query: count: %w", err))
	}
	det.AddCountData(map[time.Time]int{end: res.TotalHits})
	return &Result{TotalHits: res.TotalHits}, nil
}

func (r *Runner) runTerms(ctx context.Context, rule *types.Rule, det ruletype.Detector, index string, filters esquery.Filters, start, end time.Time) (*Result, error) {
	field := rule.QueryKey
	if len(rule.CompoundQueryKey) > 0 {
		field = rule.CompoundQueryKey[0]
	}
	body := esquery.BuildTerms(filters, start, end, field, esquery.TermsOpts{
		TimestampField:    rule.TimestampField,
		TermsSize:         rule.TermsSize,
		MinDocCount:       rule.MinDocCount,
		RawCountKeys:      rule.RawCountKeys,
		MultiFieldPostfix: rule.MultiFieldPostfix,
	})
	res, err := r.client.Search(ctx, index, body, 0, 0)
	if err != nil {
		return nil, r.fail(ctx, rule, fmt.Errorf("query: terms: %w", err))
	}

	buckets := decodeTermsBuckets(res.Aggregations)
	det.AddTermsData(map[time.Time][]types.TermsBucket{end: buckets})
	return &Result{TotalHits: res.TotalHits}, nil
}

func (r *Runner) runAggregation(ctx context.Context, rule *types.Rule, det ruletype.Detector, index string, filters esquery.Filters, start, end time.Time, bucketOffset time.Duration) (*Result, error) {
	elem := esquery.AggElement(rule.RuleParams)
	opts := esquery.AggOpts{
		TimestampField: rule.TimestampField,
		QueryKey:       rule.CompoundQueryKey,
	}
	if rule.BucketIntervalTimedelta > 0 {
		opts.BucketIntervalPeriod = formatESInterval(rule.BucketIntervalTimedelta)
		if bucketOffset > 0 {
			opts.BucketOffsetDelta = formatESInterval(bucketOffset)
		}
	}
	body := esquery.BuildAggregation(filters, start, end, elem, opts)
	res, err := r.client.Search(ctx, index, body, 0, 0)
	if err != nil {
		return nil, r.fail(ctx, rule, fmt.Errorf("query: aggregation: %w", err))
	}

	tree := decodeAggTree(res.Aggregations)
	det.AddAggregationData(map[time.Time]types.AggNode{end: tree})
	return &Result{TotalHits: res.TotalHits}, nil
}

// ingest implements spec.md §4.C steps 5-7 for one page of hits:
// timestamp normalization, compound-key computation, and dedupe against
// the rule's processed_hits map.
func (r *Runner) ingest(rule *types.Rule, st *rulestate.State, det ruletype.Detector, hits []map[string]any) int {
	survivors := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		id, _ := hit["_id"].(string)
		if id != "" && st.SeenHit(id, time.Now()) {
			continue
		}

		if raw, ok := hit[rule.TimestampField]; ok {
			if ts, err := timeutil.ToInstant(raw, rule.TimestampFieldFormat); err == nil {
				hit[rule.TimestampField] = ts
			}
		}

		if len(rule.CompoundQueryKey) > 0 {
			if key, ok := timeutil.CompoundKey(hit, rule.CompoundQueryKey); ok {
				hit["_query_key"] = key
			}
		}

		survivors = append(survivors, hit)
	}
	det.AddData(survivors)
	return len(survivors)
}

func decodeTermsBuckets(aggs map[string]any) []types.TermsBucket {
	counts, ok := aggs["counts"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := counts["buckets"].([]any)
	if !ok {
		return nil
	}
	out := make([]types.TermsBucket, 0, len(raw))
	for _, b := range raw {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		key, _ := bm["key"].(string)
		count, _ := bm["doc_count"].(float64)
		out = append(out, types.TermsBucket{Key: key, DocCount: int(count)})
	}
	return out
}

func decodeAggTree(aggs map[string]any) types.AggNode {
	var node types.AggNode
	if v, ok := aggs["value"].(float64); ok {
		node.Value = v
	}
	if dc, ok := aggs["doc_count"].(float64); ok {
		node.DocCount = int(dc)
	}
	if bucketAgg, ok := aggs["bucket_aggs"].(map[string]any); ok {
		if raw, ok := bucketAgg["buckets"].([]any); ok {
			node.Buckets = map[string]types.AggNode{}
			for _, b := range raw {
				bm, ok := b.(map[string]any)
				if !ok {
					continue
				}
				key, _ := bm["key"].(string)
				node.Buckets[key] = decodeAggTree(bm)
			}
		}
	}
	return node
}

// fail implements spec.md §4.C step 8: truncate, persist via error
// writeback, return failure.
func (r *Runner) fail(ctx context.Context, rule *types.Rule, err error) error {
	r.logger.Error("query failed", "rule", rule.Name, "err", err)
	if r.wb != nil {
		if werr := r.wb.WriteError(ctx, writeback.ErrorDoc{
			Message: truncate(err.Error(), 1024),
			Data:    map[string]any{"rule_name": rule.Name},
		}); werr != nil {
			r.logger.Error("failed to persist error writeback", "err", werr)
		}
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// formatESInterval renders d as a fixed-interval/offset string the
// search backend's date_histogram aggregation accepts, per spec.md
// §4.B. Milliseconds are always exact, unlike a coarser unit that might
// round a sub-second bucket_interval_timedelta to zero.
func formatESInterval(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
