// Package dispatch implements spec.md §4.I, the Alert Dispatcher: given
// one batch of matches for a rule, run enhancements, fan the batch out
// to every configured alerter in order, and persist the delivery
// outcome. It also implements the companion Pending Alert
// Sweep (spec.md §4.I "retry"), the periodic retry path that rereads
// undelivered writeback documents.
//
// Grounded directly on notify.Stage/RoutingStage/FanoutStage/RetryStage
// composition: alerters are called one after another and the outcome is
// recorded per match, following MultiStage/RoutingStage's sequential
// bookkeeping rather than notify.FanoutStage's concurrent fan-out.
// SendAlert builds a pipeline map for each dispatch, but the map is not
// handed to the alerters: alerter.Alerter's Alert takes only the
// matches.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chronowatch/chronowatch/alerter"
	"github.com/chronowatch/chronowatch/enhancement"
	"github.com/chronowatch/chronowatch/rulestate"
	"github.com/chronowatch/chronowatch/types"
	"github.com/chronowatch/chronowatch/writeback"
)

// Backend is the subset of writeback.Store the dispatcher and the
// pending-alert sweep need.
type Backend interface {
	WriteAlert(ctx context.Context, doc writeback.AlertDoc) (string, error)
	MarkAlertSent(ctx context.Context, id string, sent bool, exception string) error
	DeleteAlert(ctx context.Context, id string) error
	PendingAlerts(ctx context.Context, now time.Time, alertTimeLimit time.Duration) ([]writeback.AlertDoc, error)
	AggregateChildren(ctx context.Context, aggregateID string) ([]writeback.AlertDoc, error)
}

// TopCountFunc computes rule.top_count_keys for one match, per spec.md
// §4.H step 2 (a terms query over [match_ts-timeframe, match_ts+10min],
// doubled for flatline-style absence rules). It is an out-of-scope
// collaborator hook: the concrete implementation lives wherever the
// caller wires a query.Runner in, keeping this package free of a
// dependency on the query backend.
type TopCountFunc func(ctx context.Context, rule *types.Rule, match types.Match) (map[string]any, error)

// DiscoverURLFunc generates a Kibana/OpenSearch discover URL for the
// first match of a dispatch (spec.md §4.H step 3).
type DiscoverURLFunc func(rule *types.Rule, match types.Match) string

// Dispatcher runs enhancements and fans a batch of matches out to every
// alerter configured for a rule.
type Dispatcher struct {
	wb           Backend
	alerters     map[string]alerter.Alerter
	enhancements map[string]enhancement.Enhancement
	topCount     TopCountFunc
	discoverURL  DiscoverURLFunc
	debug        alerter.Alerter // non-nil in --debug mode, spec.md §4.H step 6
	backoff      func() backoff.BackOff
	metrics      *Metrics
	logger       *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDebugAlerter wires a debug-mode alerter: when set, SendAlert
// hands every batch to it instead of the rule's configured alerters and
// skips writeback entirely (spec.md §4.H step 6).
func WithDebugAlerter(a alerter.Alerter) Option { return func(d *Dispatcher) { d.debug = a } }

// WithTopCount wires the top_count_keys collaborator.
func WithTopCount(f TopCountFunc) Option { return func(d *Dispatcher) { d.topCount = f } }

// WithDiscoverURL wires the discover-URL collaborator.
func WithDiscoverURL(f DiscoverURLFunc) Option { return func(d *Dispatcher) { d.discoverURL = f } }

// WithMetrics attaches a Metrics collector.
func WithMetrics(m *Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithBackoff overrides the retry policy wrapping every alerter call.
// Tests use this to avoid the default policy's multi-minute elapsed-time
// budget when exercising a permanently failing alerter.
func WithBackoff(f func() backoff.BackOff) Option { return func(d *Dispatcher) { d.backoff = f } }

// New returns a Dispatcher backed by wb, delivering through alerters and
// running enhancements, keyed by the name a rule references them by.
func New(wb Backend, alerters map[string]alerter.Alerter, enhancements map[string]enhancement.Enhancement, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		wb:           wb,
		alerters:     alerters,
		enhancements: enhancements,
		backoff:      func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:       logger.With("component", "dispatch"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SendAlert implements spec.md §4.H's send_alert end to end. Matches
// sharing a dispatch share one writeback "group": all but the first get
// the first document's id as their aggregate_id once recorded.
func (d *Dispatcher) SendAlert(ctx context.Context, matches []types.Match, rule *types.Rule, alertTime *time.Time, retried bool) error {
	if len(matches) == 0 {
		return nil
	}

	matches = d.enrich(ctx, rule, matches)

	if !rule.RunEnhancementsFirst && !retried {
		var err error
		matches, err = d.applyEnhancements(ctx, rule, matches)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return nil
		}
	}

	if d.debug != nil {
		if err := d.debug.Alert(ctx, matches); err != nil {
			return fmt.Errorf("dispatch: debug alerter: %w", err)
		}
		return nil
	}

	d.metrics.observeSend(rule.Name, len(matches))

	pipeline := map[string]any{}
	sent, exception := d.fanout(ctx, rule, matches, pipeline)

	return d.persist(ctx, rule, matches, alertTime, sent, exception)
}

// enrich applies top_count_keys, discover-URL generation, and
// include_rule_params_in_matches, per spec.md §4.H steps 2-4.
func (d *Dispatcher) enrich(ctx context.Context, rule *types.Rule, matches []types.Match) []types.Match {
	out := make([]types.Match, len(matches))
	for i, m := range matches {
		out[i] = m.Clone()
	}

	if d.topCount != nil && len(rule.TopCountKeys) > 0 {
		for i := range out {
			counts, err := d.topCount(ctx, rule, out[i])
			if err != nil {
				d.logger.Warn("top_count_keys failed", "rule", rule.Name, "err", err)
				continue
			}
			for k, v := range counts {
				out[i][k] = v
			}
		}
	}

	if d.discoverURL != nil && len(out) > 0 {
		out[0]["discover_url"] = d.discoverURL(rule, out[0])
	}

	if rule.IncludeRuleParamsInMatches {
		limit := len(out)
		if rule.IncludeRuleParamsFirstOnly {
			limit = 1
		}
		for i := 0; i < limit && i < len(out); i++ {
			for k, v := range rule.RuleParams {
				out[i][k] = v
			}
		}
	}

	return out
}

// applyEnhancements runs every enhancement on every match, per spec.md
// §4.H step 5: drop signals remove the match, other errors are logged
// but non-fatal. If every match is dropped, the caller aborts.
func (d *Dispatcher) applyEnhancements(ctx context.Context, rule *types.Rule, matches []types.Match) ([]types.Match, error) {
	out := make([]types.Match, 0, len(matches))
	for _, m := range matches {
		dropped := false
		for _, name := range rule.Enhancements {
			enh, ok := d.enhancements[name]
			if !ok {
				continue
			}
			if err := enh.Process(ctx, m); err != nil {
				if errors.Is(err, enhancement.ErrDropMatch) {
					dropped = true
					break
				}
				d.logger.Error("enhancement failed", "rule", rule.Name, "enhancement", name, "err", err)
			}
		}
		if !dropped {
			out = append(out, m)
		}
	}
	return out, nil
}

// fanout calls every configured alerter in order with matches, per
// spec.md §4.H step 7: delivery is best-effort, not transactional —
// success means at least one alerter reported success. pipeline is not
// passed on: alerter.Alerter's Alert receives only the matches.
func (d *Dispatcher) fanout(ctx context.Context, rule *types.Rule, matches []types.Match, pipeline map[string]any) (sent bool, exception string) {
	var exceptions []string
	for _, name := range rule.Alerters {
		a, ok := d.alerters[name]
		if !ok {
			d.logger.Warn("unknown alerter", "rule", rule.Name, "alerter", name)
			continue
		}
		err := d.callWithRetry(ctx, a, matches)
		d.metrics.observeAlerter(rule.Name, name, err)
		if err != nil {
			d.logger.Error("alerter failed", "rule", rule.Name, "alerter", name, "err", err)
			exceptions = append(exceptions, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		sent = true
	}
	if len(exceptions) > 0 {
		exception = joinErrors(exceptions)
	}
	return sent, exception
}

func (d *Dispatcher) callWithRetry(ctx context.Context, a alerter.Alerter, matches []types.Match) error {
	op := func() error { return a.Alert(ctx, matches) }
	return backoff.Retry(op, backoff.WithContext(d.backoff(), ctx))
}

// persist implements spec.md §4.H step 8: one elastalert document per
// match, sharing the first document's id as aggregate_id.
func (d *Dispatcher) persist(ctx context.Context, rule *types.Rule, matches []types.Match, alertTime *time.Time, sent bool, exception string) error {
	var at time.Time
	if alertTime != nil {
		at = *alertTime
	}

	var groupID string
	var errs types.MultiError
	for i, m := range matches {
		doc := writeback.AlertDoc{
			RuleName:       rule.Name,
			MatchBody:      m,
			AlertSent:      sent,
			AlertTime:      at,
			AlertException: exception,
		}
		if i > 0 {
			doc.AggregateID = groupID
		}
		id, err := d.wb.WriteAlert(ctx, doc)
		if err != nil {
			errs.Add(fmt.Errorf("dispatch: persisting match %d: %w", i, err))
			continue
		}
		if i == 0 {
			groupID = id
		}
	}
	if errs.Len() > 0 {
		return &errs
	}
	return nil
}

func joinErrors(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}

// RunPendingSweep implements spec.md §4.I's retry sweep: query writeback
// for ready, undelivered documents, group children by aggregate id, and
// redispatch. rules maps rule name to the still-loaded *types.Rule;
// rules no longer present are skipped (the rule was removed). states
// maps rule name to that rule's rulestate.State; when a dispatched
// group carries an AggregationKey, its CurrentAggregateID/
// AggregateAlertTime entry is cleared on that rule's state, per spec.md
// §4.I ("clear the corresponding current_aggregate_id entry if
// matched"). lock is the process-wide §5 alert_lock, shared with every
// aggregation.Queue.Add call so a group's membership can never be read
// mid-write.
func RunPendingSweep(ctx context.Context, d *Dispatcher, rules map[string]*types.Rule, states map[string]*rulestate.State, now time.Time, alertTimeLimit time.Duration, lock *sync.Mutex) error {
	lock.Lock()
	defer lock.Unlock()

	pending, err := d.wb.PendingAlerts(ctx, now, alertTimeLimit)
	if err != nil {
		return fmt.Errorf("dispatch: querying pending alerts: %w", err)
	}

	seen := map[string]struct{}{}
	var errs types.MultiError
	for _, doc := range pending {
		if _, ok := seen[doc.ID]; ok {
			continue
		}
		rule, ok := rules[doc.RuleName]
		if !ok {
			continue
		}
		if now.Before(doc.AlertTime) {
			continue
		}

		children, err := d.wb.AggregateChildren(ctx, doc.ID)
		if err != nil {
			errs.Add(fmt.Errorf("dispatch: fetching aggregate children for %s: %w", doc.ID, err))
			continue
		}

		matches := []types.Match{doc.MatchBody}
		ids := []string{doc.ID}
		for _, c := range children {
			matches = append(matches, c.MatchBody)
			ids = append(ids, c.ID)
			seen[c.ID] = struct{}{}
		}
		seen[doc.ID] = struct{}{}

		alertTime := doc.AlertTime
		if err := d.SendAlert(ctx, matches, rule, &alertTime, true); err != nil {
			errs.Add(fmt.Errorf("dispatch: retrying %s: %w", doc.ID, err))
			continue
		}
		d.metrics.observeRetry()
		for _, id := range ids {
			if err := d.wb.DeleteAlert(ctx, id); err != nil {
				errs.Add(fmt.Errorf("dispatch: deleting %s: %w", id, err))
			}
		}
		clearAggregateEntry(states, doc)
	}
	if errs.Len() > 0 {
		return &errs
	}
	return nil
}

// clearAggregateEntry removes the rulestate bookkeeping for a dispatched
// aggregate group, mirroring aggregation.Queue.DrainReady's own cleanup
// for the in-memory-fallback path (spec.md §4.I).
func clearAggregateEntry(states map[string]*rulestate.State, doc writeback.AlertDoc) {
	if doc.AggregationKey == "" {
		return
	}
	st, ok := states[doc.RuleName]
	if !ok {
		return
	}
	st.Lock()
	delete(st.CurrentAggregateID, doc.AggregationKey)
	delete(st.AggregateAlertTime, doc.AggregationKey)
	st.Unlock()
}
