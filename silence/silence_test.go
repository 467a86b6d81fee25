package silence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/chronowatch/chronowatch/types"
	"github.com/chronowatch/chronowatch/writeback"
)

type fakeBackend struct {
	mtx   sync.Mutex
	byKey map[string]writeback.SilenceDoc
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{byKey: map[string]writeback.SilenceDoc{}}
}

func (f *fakeBackend) WriteSilence(_ context.Context, doc writeback.SilenceDoc) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.byKey[doc.Key] = doc
	return nil
}

func (f *fakeBackend) LatestSilence(_ context.Context, key string) (*writeback.SilenceDoc, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	doc, ok := f.byKey[key]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func TestIsSilenced_CacheHitAndExpiry(t *testing.T) {
	mock := quartz.NewMock(t)
	s := New(newFakeBackend(), mock, nil)
	ctx := context.Background()

	require.NoError(t, s.SetRealert(ctx, "r", "r._silence", mock.Now().Add(time.Minute), 0))

	silenced, remaining, err := s.IsSilenced(ctx, "r._silence")
	require.NoError(t, err)
	require.True(t, silenced)
	require.InDelta(t, time.Minute, remaining, float64(time.Second))

	mock.Advance(2 * time.Minute)

	silenced, _, err = s.IsSilenced(ctx, "r._silence")
	require.NoError(t, err)
	require.False(t, silenced)
}

// TestIsSilenced_FallsBackToWriteback exercises spec.md §3 invariant 5:
// the cache is an accelerator, not a source of truth. A cold cache
// falls through to the durable store and repopulates itself.
func TestIsSilenced_FallsBackToWriteback(t *testing.T) {
	mock := quartz.NewMock(t)
	backend := newFakeBackend()
	until := mock.Now().Add(time.Hour)
	require.NoError(t, backend.WriteSilence(context.Background(), writeback.SilenceDoc{
		RuleName: "r", Key: "r._silence", Until: until,
	}))

	s := New(backend, mock, nil)
	silenced, _, err := s.IsSilenced(context.Background(), "r._silence")
	require.NoError(t, err)
	require.True(t, silenced)

	// Now served from cache without touching the backend again.
	entry, ok := s.cache.get("r._silence")
	require.True(t, ok)
	require.Equal(t, until, entry.Until)
}

// TestCleanupCache_EvictsExpired implements invariant 4: after
// CleanupCache, no entry with until < now remains.
func TestCleanupCache_EvictsExpired(t *testing.T) {
	mock := quartz.NewMock(t)
	s := New(newFakeBackend(), mock, nil)
	ctx := context.Background()

	require.NoError(t, s.SetRealert(ctx, "r", "expired", mock.Now().Add(-time.Minute), 0))
	require.NoError(t, s.SetRealert(ctx, "r", "fresh", mock.Now().Add(time.Hour), 0))

	n := s.CleanupCache(mock.Now())
	require.Equal(t, 1, n)

	_, ok := s.cache.get("expired")
	require.False(t, ok)
	_, ok = s.cache.get("fresh")
	require.True(t, ok)
}

// TestNextAlertTime_Scenario3 implements spec.md §8 scenario S3:
// realert=1min, exponential_realert=1h, alerts at t=0,30s,70s,3h should
// yield silence deadlines t+1m, t+2m, t+4m, t+1m (reset by the long gap).
func TestNextAlertTime_Scenario3(t *testing.T) {
	rule := &types.Rule{Name: "r", Realert: time.Minute, ExponentialRealert: time.Hour}
	s := New(newFakeBackend(), quartz.NewMock(t), nil)
	key := "r._silence"

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	until, exp := s.NextAlertTime(rule, key, t0)
	require.Equal(t, t0.Add(time.Minute), until)
	require.Equal(t, 0, exp)
	require.NoError(t, s.SetRealert(context.Background(), rule.Name, key, until, exp))

	t1 := t0.Add(30 * time.Second)
	until, exp = s.NextAlertTime(rule, key, t1)
	require.Equal(t, t1.Add(2*time.Minute), until)
	require.NoError(t, s.SetRealert(context.Background(), rule.Name, key, until, exp))

	t2 := t0.Add(70 * time.Second)
	until, exp = s.NextAlertTime(rule, key, t2)
	require.Equal(t, t2.Add(4*time.Minute), until)
	require.NoError(t, s.SetRealert(context.Background(), rule.Name, key, until, exp))

	t3 := t0.Add(3 * time.Hour)
	until, exp = s.NextAlertTime(rule, key, t3)
	require.Equal(t, t3.Add(time.Minute), until)
	require.Equal(t, 0, exp)
}

// TestNextAlertTime_Idempotent implements invariant 5: NextAlertTime is
// idempotent under fixed inputs and round-trips through
// SetRealert -> IsSilenced.
func TestNextAlertTime_Idempotent(t *testing.T) {
	rule := &types.Rule{Name: "r", Realert: time.Minute}
	s := New(newFakeBackend(), quartz.NewMock(t), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	u1, e1 := s.NextAlertTime(rule, "k", now)
	u2, e2 := s.NextAlertTime(rule, "k", now)
	require.Equal(t, u1, u2)
	require.Equal(t, e1, e2)

	require.NoError(t, s.SetRealert(context.Background(), rule.Name, "k", u1, e1))
	silenced, _, err := s.IsSilenced(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, silenced)
}
