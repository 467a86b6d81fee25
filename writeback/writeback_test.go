package writeback

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/chronowatch/chronowatch/esclient"
	"github.com/chronowatch/chronowatch/esquery"
)

type fakeBackend struct {
	docs      map[string]map[string]map[string]any // index -> id -> doc
	nextID    int
	deleted   []string
	updated   map[string]map[string]any
	searchFn  func(index string, body esquery.Body) *esclient.SearchResult
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{docs: map[string]map[string]map[string]any{}, updated: map[string]map[string]any{}}
}

func (f *fakeBackend) Search(_ context.Context, index string, body esquery.Body, size int, _ time.Duration) (*esclient.SearchResult, error) {
	if f.searchFn != nil {
		return f.searchFn(index, body), nil
	}
	var hits []map[string]any
	for id, doc := range f.docs[index] {
		hit := map[string]any{}
		for k, v := range doc {
			hit[k] = v
		}
		hit["_id"] = id
		hits = append(hits, hit)
	}
	if size > 0 && len(hits) > size {
		hits = hits[:size]
	}
	return &esclient.SearchResult{TotalHits: len(hits), Hits: hits}, nil
}

func (f *fakeBackend) Index(_ context.Context, index, id string, doc any) (string, error) {
	if id == "" {
		f.nextID++
		id = fmt.Sprintf("auto-%d", f.nextID)
	}
	buf, err := jsonRoundTrip(doc)
	if err != nil {
		return "", err
	}
	if f.docs[index] == nil {
		f.docs[index] = map[string]map[string]any{}
	}
	f.docs[index][id] = buf
	return id, nil
}

func (f *fakeBackend) Update(_ context.Context, index, id string, doc any) error {
	patch, err := jsonRoundTrip(doc)
	if err != nil {
		return err
	}
	if f.docs[index] == nil || f.docs[index][id] == nil {
		return nil
	}
	for k, v := range patch {
		f.docs[index][id][k] = v
	}
	f.updated[id] = patch
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, index, id string) error {
	delete(f.docs[index], id)
	f.deleted = append(f.deleted, id)
	return nil
}

func jsonRoundTrip(v any) (map[string]any, error) {
	var out map[string]any
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func TestWriteAndReadAlert(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, "elastalert_status", quartz.NewMock(t), nil)

	id, err := store.WriteAlert(context.Background(), AlertDoc{
		RuleName:       "r1",
		AggregationKey: "k1",
		AlertSent:      false,
		AlertTime:      time.Now(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending, err := store.PendingAggregate(context.Background(), "r1", "k1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.Equal(t, "r1", pending.RuleName)
}

func TestMarkAlertSentAndDelete(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, "elastalert_status", quartz.NewMock(t), nil)

	id, err := store.WriteAlert(context.Background(), AlertDoc{RuleName: "r1"})
	require.NoError(t, err)

	require.NoError(t, store.MarkAlertSent(context.Background(), id, true, ""))
	require.NoError(t, store.DeleteAlert(context.Background(), id))
	require.Contains(t, backend.deleted, id)
}

func TestWriteStatusStampsTimestamp(t *testing.T) {
	backend := newFakeBackend()
	clock := quartz.NewMock(t)
	store := New(backend, "elastalert_status", clock, nil)

	require.NoError(t, store.WriteStatus(context.Background(), StatusDoc{RuleName: "r1"}))
	require.Len(t, backend.docs["elastalert_status"], 1)
}

func TestWriteSilenceIndexSuffix(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, "elastalert_status", quartz.NewMock(t), nil)

	require.NoError(t, store.WriteSilence(context.Background(), SilenceDoc{RuleName: "r1", Key: "r1._silence"}))
	require.Len(t, backend.docs["elastalert_status_silence"], 1)
}

func TestWriteErrorIndexSuffix(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, "elastalert_status", quartz.NewMock(t), nil)

	require.NoError(t, store.WriteError(context.Background(), ErrorDoc{Message: "boom"}))
	require.Len(t, backend.docs["elastalert_status_error"], 1)
}
