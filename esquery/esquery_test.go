package esquery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildSearchRangeAndSort(t *testing.T) {
	start := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	end := time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC)

	body := BuildSearch(nil, start, end, SearchOpts{TimestampField: "@timestamp", Sort: true, Size: 100})

	query := body["query"].(map[string]any)["bool"].(map[string]any)
	filters := query["filter"].([]map[string]any)
	require.Len(t, filters, 1)
	rng := filters[0]["range"].(map[string]any)["@timestamp"].(map[string]any)
	require.Equal(t, start.Format(time.RFC3339Nano), rng["gt"])
	require.Equal(t, end.Format(time.RFC3339Nano), rng["lte"])

	require.Equal(t, 100, body["size"])
	sort := body["sort"].([]map[string]any)[0]["@timestamp"].(map[string]any)
	require.Equal(t, "asc", sort["order"])
}

func TestBuildSearchLegacyQueryFlattening(t *testing.T) {
	f := Filters{{Raw: map[string]any{"query": map[string]any{"match_all": map[string]any{}}}}}
	body := BuildSearch(f, time.Now(), time.Now(), SearchOpts{TimestampField: "@timestamp"})
	filters := body["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]map[string]any)
	require.Len(t, filters, 2)
	require.Contains(t, filters[1], "match_all")
}

func TestBuildCountNoSortNoSize(t *testing.T) {
	body := BuildCount(nil, time.Now(), time.Now(), SearchOpts{TimestampField: "@timestamp"})
	require.Equal(t, 0, body["size"])
	require.NotContains(t, body, "sort")
}

func TestBuildTermsAppendsMultiFieldPostfix(t *testing.T) {
	body := BuildTerms(nil, time.Now(), time.Now(), "user", TermsOpts{
		TimestampField: "@timestamp", TermsSize: 5, RawCountKeys: true,
	})
	counts := body["aggs"].(map[string]any)["counts"].(map[string]any)["terms"].(map[string]any)
	require.Equal(t, "user.keyword", counts["field"])
	require.Equal(t, 5, counts["size"])
	require.Equal(t, 1, counts["min_doc_count"])
}

func TestBuildTermsSkipsPostfixWhenAlreadyPresent(t *testing.T) {
	body := BuildTerms(nil, time.Now(), time.Now(), "user.keyword", TermsOpts{
		TimestampField: "@timestamp", RawCountKeys: true,
	})
	counts := body["aggs"].(map[string]any)["counts"].(map[string]any)["terms"].(map[string]any)
	require.Equal(t, "user.keyword", counts["field"])
}

func TestBuildAggregationPlain(t *testing.T) {
	elem := AggElement{"metric": map[string]any{"avg": map[string]any{"field": "latency"}}}
	body := BuildAggregation(nil, time.Now(), time.Now(), elem, AggOpts{TimestampField: "@timestamp"})
	aggs := body["aggs"].(map[string]any)
	require.Contains(t, aggs, "metric")
}

func TestBuildAggregationWithIntervalAndQueryKeyNesting(t *testing.T) {
	elem := AggElement{"metric": map[string]any{"avg": map[string]any{"field": "latency"}}}
	body := BuildAggregation(nil, time.Now(), time.Now(), elem, AggOpts{
		TimestampField:       "@timestamp",
		QueryKey:             []string{"region", "host"},
		BucketIntervalPeriod: "1h",
		BucketOffsetDelta:    "30m",
	})

	outer := body["aggs"].(map[string]any)["bucket_aggs"].(map[string]any)
	require.Equal(t, "region", outer["terms"].(map[string]any)["field"])

	inner := outer["aggs"].(map[string]any)["bucket_aggs"].(map[string]any)
	require.Equal(t, "host", inner["terms"].(map[string]any)["field"])

	interval := inner["aggs"].(map[string]any)["interval_aggs"].(map[string]any)
	hist := interval["date_histogram"].(map[string]any)
	require.Equal(t, "1h", hist["fixed_interval"])
	require.Equal(t, "30m", hist["offset"])
	require.Contains(t, interval["aggs"].(map[string]any), "metric")
}

func TestApplyListEnhancements(t *testing.T) {
	out := ApplyListEnhancements(nil, []string{"bad", "/re.*/"}, []string{"good"}, "user")
	require.Len(t, out, 2)

	black := out[0].Raw["query_string"].(map[string]any)["query"].(string)
	require.Equal(t, `user:"bad" OR user:/re.*/`, black)

	white := out[1].Raw["query_string"].(map[string]any)["query"].(string)
	require.Equal(t, `NOT user:"good"`, white)
}

func TestFilterClauseFieldValueShorthand(t *testing.T) {
	f := Filters{{Field: "status", Value: "error"}}
	body := BuildSearch(f, time.Now(), time.Now(), SearchOpts{TimestampField: "@timestamp"})
	filters := body["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]map[string]any)
	term := filters[1]["term"].(map[string]any)
	require.Equal(t, "error", term["status"])
}
