package aggregation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/chronowatch/chronowatch/rulestate"
	"github.com/chronowatch/chronowatch/types"
	"github.com/chronowatch/chronowatch/writeback"
)

type fakeBackend struct {
	mtx      sync.Mutex
	alerts   map[string]writeback.AlertDoc
	pending  map[string]string // ruleName|key -> id
	failNext bool
	seq      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{alerts: map[string]writeback.AlertDoc{}, pending: map[string]string{}}
}

func (f *fakeBackend) WriteAlert(_ context.Context, doc writeback.AlertDoc) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errBoom
	}
	if doc.ID == "" {
		f.seq++
		doc.ID = fmt.Sprintf("id-%s-%d", doc.AggregationKey, f.seq)
	}
	f.alerts[doc.ID] = doc
	if doc.AggregateID == "" {
		f.pending[doc.RuleName+"|"+doc.AggregationKey] = doc.ID
	}
	return doc.ID, nil
}

func (f *fakeBackend) PendingAggregate(_ context.Context, ruleName, key string) (*writeback.AlertDoc, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	id, ok := f.pending[ruleName+"|"+key]
	if !ok {
		return nil, nil
	}
	doc := f.alerts[id]
	return &doc, nil
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}

func TestAdd_OpensThenJoinsGroup(t *testing.T) {
	wb := newFakeBackend()
	clock := quartz.NewMock(t)
	q := New(wb, clock, nil, nil, nil)
	rule := &types.Rule{Name: "r", AggregationKey: "host", Aggregation: types.Aggregation{Duration: 10 * time.Minute}}
	st := rulestate.New()

	m1 := types.Match{"host": "a"}
	require.NoError(t, q.Add(context.Background(), rule, st, m1))
	id1, ok := st.CurrentAggregateID["a"]
	require.True(t, ok)
	require.NotEmpty(t, id1)

	m2 := types.Match{"host": "a"}
	require.NoError(t, q.Add(context.Background(), rule, st, m2))
	require.Equal(t, id1, st.CurrentAggregateID["a"])
}

func TestAdd_MissingKeySentinel(t *testing.T) {
	wb := newFakeBackend()
	q := New(wb, quartz.NewMock(t), nil, nil, nil)
	rule := &types.Rule{Name: "r", AggregationKey: "host", Aggregation: types.Aggregation{Duration: time.Minute}}
	st := rulestate.New()

	require.NoError(t, q.Add(context.Background(), rule, st, types.Match{"other": "x"}))
	_, ok := st.CurrentAggregateID[missingKey]
	require.True(t, ok)
}

func TestAdd_WritebackFailureFallsBackToMemory(t *testing.T) {
	wb := newFakeBackend()
	wb.failNext = true
	q := New(wb, quartz.NewMock(t), nil, nil, nil)
	rule := &types.Rule{Name: "r", AggregationKey: "host", Aggregation: types.Aggregation{Duration: time.Minute}}
	st := rulestate.New()

	err := q.Add(context.Background(), rule, st, types.Match{"host": "a"})
	require.Error(t, err)
	require.Len(t, st.AggMatches, 1)
}

// TestAdd_ResumesPendingGroupAfterRestart implements scenario S4: a
// pending aggregate already exists in writeback when a fresh, empty
// rule state tries to open the group.
func TestAdd_ResumesPendingGroupAfterRestart(t *testing.T) {
	wb := newFakeBackend()
	deadline := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	wb.alerts["existing"] = writeback.AlertDoc{ID: "existing", RuleName: "r", AggregationKey: "k", AlertTime: deadline}
	wb.pending["r|k"] = "existing"

	q := New(wb, quartz.NewMock(t), nil, nil, nil)
	rule := &types.Rule{Name: "r", AggregationKey: "key", Aggregation: types.Aggregation{Duration: time.Minute}}
	st := rulestate.New()

	require.NoError(t, q.Add(context.Background(), rule, st, types.Match{"key": "k"}))
	require.Equal(t, "existing", st.CurrentAggregateID["k"])
	require.Equal(t, deadline, st.AggregateAlertTime["k"])
}

func TestDrainReady_DispatchesExpiredInMemoryGroups(t *testing.T) {
	var dispatched []types.Match
	dispatchFn := func(_ context.Context, _ *types.Rule, _ string, matches []types.Match) error {
		dispatched = append(dispatched, matches...)
		return nil
	}
	q := New(newFakeBackend(), quartz.NewMock(t), dispatchFn, nil, nil)
	rule := &types.Rule{Name: "r", AggregationKey: "host"}
	st := rulestate.New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	st.AggMatches = []types.Match{{"host": "a"}, {"host": "b"}}
	st.AggregateAlertTime["a"] = now.Add(-time.Minute)
	st.CurrentAggregateID["a"] = "id-a"
	st.AggregateAlertTime["b"] = now.Add(time.Hour)
	st.CurrentAggregateID["b"] = "id-b"

	require.NoError(t, q.DrainReady(context.Background(), rule, st, now))
	require.Len(t, dispatched, 1)
	require.Equal(t, "a", dispatched[0]["host"])
	require.Len(t, st.AggMatches, 1)
	require.Equal(t, "b", st.AggMatches[0]["host"])
	_, ok := st.CurrentAggregateID["a"]
	require.False(t, ok)
}
