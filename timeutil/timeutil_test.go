package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestToInstantEpochMillis(t *testing.T) {
	got, err := ToInstant("1700000000000", "")
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000), got.UnixMilli())

	got, err = ToInstant(float64(1700000000000), "")
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000), got.UnixMilli())
}

func TestToInstantLayout(t *testing.T) {
	got, err := ToInstant("2023-11-14T22:13:20Z", time.RFC3339)
	require.NoError(t, err)
	require.Equal(t, 2023, got.Year())

	_, err = ToInstant("not-a-time", time.RFC3339)
	require.Error(t, err)
}

func TestFromInstantRoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	s := FromInstant(now, "")
	got, err := ToInstant(s, "")
	require.NoError(t, err)
	require.True(t, got.Equal(now))

	s = FromInstant(now, time.RFC3339)
	require.Equal(t, "2026-07-31T12:00:00Z", s)
}

func TestLookupNestedFlatKey(t *testing.T) {
	doc := map[string]any{"kubernetes.pod_name": "web-1"}
	v, ok := LookupNested(doc, "kubernetes.pod_name")
	require.True(t, ok)
	require.Equal(t, "web-1", v)
}

func TestLookupNestedNestedKey(t *testing.T) {
	doc := map[string]any{"kubernetes": map[string]any{"pod_name": "web-1"}}
	v, ok := LookupNested(doc, "kubernetes.pod_name")
	require.True(t, ok)
	require.Equal(t, "web-1", v)
}

func TestLookupNestedLongestPrefix(t *testing.T) {
	doc := map[string]any{
		"a.b": map[string]any{"c": "inner"},
		"a":   map[string]any{"b": map[string]any{"c": "outer"}},
	}
	v, ok := LookupNested(doc, "a.b.c")
	require.True(t, ok)
	require.Equal(t, "inner", v)
}

func TestLookupNestedMissing(t *testing.T) {
	_, ok := LookupNested(map[string]any{"a": "x"}, "a.b.c")
	require.False(t, ok)
}

func TestSetNestedPrefersExistingFlatKey(t *testing.T) {
	doc := map[string]any{"a.b": "old"}
	SetNested(doc, "a.b", "new")
	require.Equal(t, "new", doc["a.b"])
}

func TestSetNestedDescendsExistingMaps(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": map[string]any{}}}
	SetNested(doc, "a.b.c", "v")
	require.Equal(t, "v", doc["a"].(map[string]any)["b"].(map[string]any)["c"])
}

func TestSetNestedFallsBackToFlatKey(t *testing.T) {
	doc := map[string]any{}
	SetNested(doc, "a.b.c", "v")
	require.Equal(t, "v", doc["a.b.c"])
}

func TestCompoundKey(t *testing.T) {
	doc := map[string]any{"user": "alice", "role": "admin"}
	key, ok := CompoundKey(doc, []string{"user", "role"})
	require.True(t, ok)
	require.Equal(t, "alice, admin", key)

	key, ok = CompoundKey(doc, []string{"user", "missing"})
	require.True(t, ok)
	require.Equal(t, "alice, None", key)

	_, ok = CompoundKey(doc, []string{"missing1", "missing2"})
	require.False(t, ok)
}
