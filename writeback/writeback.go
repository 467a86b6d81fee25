// Package writeback persists the four document kinds spec.md §3 names
// (elastalert_status, elastalert, silence, elastalert_error) and lets
// the rest of the rule-execution core resume state after a restart. It
// is the durable side of invariant 5 ("the silence cache is an
// accelerator, not a source of truth") and invariant 4 (exactly one
// pending elastalert document per open aggregate).
//
// Grounded on nflog's persisted-notification-log shape (one logical
// record kind, queried and deleted through a narrow backend interface)
// generalized from alertmanager's own gossip-synced log store to a
// search-backend-synced one.
package writeback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/chronowatch/chronowatch/esclient"
	"github.com/chronowatch/chronowatch/esquery"
	"github.com/chronowatch/chronowatch/types"
)

// Backend is the subset of esclient.Client the store needs. Tests
// substitute a fake; production wiring passes a real *esclient.Client.
type Backend interface {
	Search(ctx context.Context, index string, body esquery.Body, size int, scroll time.Duration) (*esclient.SearchResult, error)
	Index(ctx context.Context, index, id string, doc any) (string, error)
	Update(ctx context.Context, index, id string, doc any) error
	Delete(ctx context.Context, index, id string) error
}

// StatusDoc is one elastalert_status document: a per-tick summary.
type StatusDoc struct {
	RuleName  string    `json:"rule_name"`
	StartTime time.Time `json:"starttime"`
	EndTime   time.Time `json:"endtime"`
	Matches   int       `json:"matches"`
	Hits      int       `json:"hits"`
	TimeTaken float64   `json:"time_taken"`
	Timestamp time.Time `json:"@timestamp"`
}

// AlertDoc is one elastalert document: a single match/alert attempt.
type AlertDoc struct {
	ID             string         `json:"-"`
	RuleName       string         `json:"rule_name"`
	MatchBody      types.Match    `json:"match_body"`
	AlertInfo      map[string]any `json:"alert_info,omitempty"`
	AlertSent      bool           `json:"alert_sent"`
	AlertTime      time.Time      `json:"alert_time"`
	AlertException string         `json:"alert_exception,omitempty"`
	AggregateID    string         `json:"aggregate_id,omitempty"`
	AggregationKey string         `json:"aggregation_key,omitempty"`
	Timestamp      time.Time      `json:"@timestamp"`
}

// SilenceDoc is one silence document: the durable counterpart of
// silence.Entry.
type SilenceDoc struct {
	RuleName  string    `json:"rule_name"`
	Key       string    `json:"key"`
	Until     time.Time `json:"until"`
	Exponent  int       `json:"exponent"`
	Timestamp time.Time `json:"@timestamp"`
}

// ErrorDoc is one elastalert_error document.
type ErrorDoc struct {
	Message   string         `json:"message"`
	Traceback string         `json:"traceback,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"@timestamp"`
}

// Store resolves the four document kinds against a single base index
// name, per spec.md's "Writeback index layout" note (suffix rules are
// the backend client's call, not the rule executor's).
type Store struct {
	backend   Backend
	baseIndex string
	clock     quartz.Clock
	logger    *slog.Logger
}

// New returns a Store persisting against baseIndex (e.g.
// "elastalert_status").
func New(backend Backend, baseIndex string, clock quartz.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, baseIndex: baseIndex, clock: clock, logger: logger.With("component", "writeback")}
}

func (s *Store) statusIndex() string  { return s.baseIndex }
func (s *Store) alertIndex() string   { return s.baseIndex }
func (s *Store) silenceIndex() string { return s.baseIndex + "_silence" }
func (s *Store) errorIndex() string   { return s.baseIndex + "_error" }

// WriteStatus persists one elastalert_status document.
func (s *Store) WriteStatus(ctx context.Context, doc StatusDoc) error {
	doc.Timestamp = s.clock.Now().UTC()
	_, err := s.backend.Index(ctx, s.statusIndex(), "", doc)
	if err != nil {
		return fmt.Errorf("writeback: status: %w", err)
	}
	return nil
}

// LatestStatus returns the most recent elastalert_status document for
// ruleName, or nil if none exists, implementing the resume lookup in
// spec.md §4.E ("first tick of a rule").
func (s *Store) LatestStatus(ctx context.Context, ruleName string) (*StatusDoc, error) {
	body := esquery.Body{
		"query": map[string]any{"bool": map[string]any{"filter": []map[string]any{
			{"term": map[string]any{"rule_name": ruleName}},
		}}},
		"sort": []map[string]any{{"endtime": map[string]any{"order": "desc"}}},
	}
	res, err := s.backend.Search(ctx, s.statusIndex(), body, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("writeback: latest status: %w", err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	return decodeStatus(res.Hits[0])
}

// WriteAlert persists an AlertDoc, assigning it a new random UUID
// (uuid.NewString) when doc.ID is empty, and returns the stored id.
func (s *Store) WriteAlert(ctx context.Context, doc AlertDoc) (string, error) {
	doc.Timestamp = s.clock.Now().UTC()
	id := doc.ID
	if id == "" {
		id = uuid.NewString()
	}
	stored, err := s.backend.Index(ctx, s.alertIndex(), id, doc)
	if err != nil {
		return "", fmt.Errorf("writeback: alert: %w", err)
	}
	return stored, nil
}

// MarkAlertSent updates an alert document's delivery outcome in place,
// used by the dispatcher once it knows whether any alerter succeeded.
func (s *Store) MarkAlertSent(ctx context.Context, id string, sent bool, exception string) error {
	err := s.backend.Update(ctx, s.alertIndex(), id, map[string]any{
		"alert_sent":      sent,
		"alert_exception": exception,
	})
	if err != nil {
		return fmt.Errorf("writeback: mark alert sent: %w", err)
	}
	return nil
}

// DeleteAlert removes a pending elastalert document once its group has
// been dispatched.
func (s *Store) DeleteAlert(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, s.alertIndex(), id); err != nil {
		return fmt.Errorf("writeback: delete alert: %w", err)
	}
	return nil
}

// PendingAggregate finds an already-persisted, undispatched elastalert
// document for ruleName+aggregationKey, letting the aggregation queue
// resume an in-flight group after a restart (spec.md §4.G step 2).
func (s *Store) PendingAggregate(ctx context.Context, ruleName, aggregationKey string) (*AlertDoc, error) {
	body := esquery.Body{
		"query": map[string]any{"bool": map[string]any{
			"filter": []map[string]any{
				{"term": map[string]any{"rule_name": ruleName}},
				{"term": map[string]any{"aggregation_key": aggregationKey}},
				{"term": map[string]any{"alert_sent": false}},
			},
			"must_not": []map[string]any{
				{"exists": map[string]any{"field": "aggregate_id"}},
			},
		}},
		"sort": []map[string]any{{"alert_time": map[string]any{"order": "desc"}}},
	}
	res, err := s.backend.Search(ctx, s.alertIndex(), body, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("writeback: pending aggregate: %w", err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	return decodeAlert(res.Hits[0])
}

// PendingAlerts implements spec.md §4.I's retry-sweep query: documents
// with alert_sent=false, no aggregate_id, and alert_time within
// [now-alertTimeLimit, now], ordered by alert_time ascending, capped at
// 1000.
func (s *Store) PendingAlerts(ctx context.Context, now time.Time, alertTimeLimit time.Duration) ([]AlertDoc, error) {
	const limit = 1000
	body := esquery.Body{
		"query": map[string]any{"bool": map[string]any{
			"filter": []map[string]any{
				{"term": map[string]any{"alert_sent": false}},
				{"range": map[string]any{"alert_time": map[string]any{
					"gte": now.Add(-alertTimeLimit).UTC().Format(time.RFC3339Nano),
					"lte": now.UTC().Format(time.RFC3339Nano),
				}}},
			},
			"must_not": []map[string]any{
				{"exists": map[string]any{"field": "aggregate_id"}},
			},
		}},
		"sort": []map[string]any{{"alert_time": map[string]any{"order": "asc"}}},
	}
	res, err := s.backend.Search(ctx, s.alertIndex(), body, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("writeback: pending alerts: %w", err)
	}
	out := make([]AlertDoc, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, err := decodeAlert(hit)
		if err != nil {
			s.logger.Warn("skipping undecodable pending alert", "err", err)
			continue
		}
		out = append(out, *doc)
	}
	return out, nil
}

// AggregateChildren returns every elastalert document whose
// aggregate_id equals aggregateID, for the retry sweep's group dispatch
// (spec.md §4.I).
func (s *Store) AggregateChildren(ctx context.Context, aggregateID string) ([]AlertDoc, error) {
	body := esquery.Body{
		"query": map[string]any{"bool": map[string]any{"filter": []map[string]any{
			{"term": map[string]any{"aggregate_id": aggregateID}},
		}}},
	}
	res, err := s.backend.Search(ctx, s.alertIndex(), body, 1000, 0)
	if err != nil {
		return nil, fmt.Errorf("writeback: aggregate children: %w", err)
	}
	out := make([]AlertDoc, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, err := decodeAlert(hit)
		if err != nil {
			continue
		}
		out = append(out, *doc)
	}
	return out, nil
}

// WriteSilence persists a silence document.
func (s *Store) WriteSilence(ctx context.Context, doc SilenceDoc) error {
	doc.Timestamp = s.clock.Now().UTC()
	_, err := s.backend.Index(ctx, s.silenceIndex(), "", doc)
	if err != nil {
		return fmt.Errorf("writeback: silence: %w", err)
	}
	return nil
}

// LatestSilence returns the newest silence document for key, or nil if
// none exists, per spec.md §4.F's is_silenced cache-miss fallback.
func (s *Store) LatestSilence(ctx context.Context, key string) (*SilenceDoc, error) {
	body := esquery.Body{
		"query": map[string]any{"bool": map[string]any{"filter": []map[string]any{
			{"term": map[string]any{"key": key}},
		}}},
		"sort": []map[string]any{{"@timestamp": map[string]any{"order": "desc"}}},
	}
	res, err := s.backend.Search(ctx, s.silenceIndex(), body, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("writeback: latest silence: %w", err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	return decodeSilence(res.Hits[0])
}

// WriteError persists an elastalert_error document, truncating message
// to esclient.ShapeError's 1024-byte bound is the caller's
// responsibility (query.Runner and esclient already do this before
// calling here).
func (s *Store) WriteError(ctx context.Context, doc ErrorDoc) error {
	doc.Timestamp = s.clock.Now().UTC()
	_, err := s.backend.Index(ctx, s.errorIndex(), "", doc)
	if err != nil {
		return fmt.Errorf("writeback: error doc: %w", err)
	}
	return nil
}

// decodeStatus, decodeAlert and decodeSilence round-trip a hit's folded
// _source map (as produced by esclient's response decoding) back into
// the typed document it came from.
func decodeStatus(hit map[string]any) (*StatusDoc, error) {
	var doc StatusDoc
	if err := remarshal(hit, &doc); err != nil {
		return nil, fmt.Errorf("writeback: decoding status: %w", err)
	}
	return &doc, nil
}

func decodeAlert(hit map[string]any) (*AlertDoc, error) {
	var doc AlertDoc
	if err := remarshal(hit, &doc); err != nil {
		return nil, fmt.Errorf("writeback: decoding alert: %w", err)
	}
	if id, ok := hit["_id"].(string); ok {
		doc.ID = id
	}
	return &doc, nil
}

func decodeSilence(hit map[string]any) (*SilenceDoc, error) {
	var doc SilenceDoc
	if err := remarshal(hit, &doc); err != nil {
		return nil, fmt.Errorf("writeback: decoding silence: %w", err)
	}
	return &doc, nil
}

func remarshal(src map[string]any, dst any) error {
	buf, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, dst)
}
