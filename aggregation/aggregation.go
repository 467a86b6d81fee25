// Package aggregation implements spec.md §4.H: grouping matches
// destined for aggregation by aggregation key until a deadline, with
// durable resume across restarts. Grounded on dispatch.aggrGroup's
// deadline-timer shape (the teacher's own in-memory alert-grouping
// type), re-targeted at spec.md §4.H's persisted-pending-group
// semantics: unlike aggrGroup, a chronowatch group must survive a
// restart (spec.md §3 invariant 4), so every match is written through
// to writeback as it arrives rather than held only in memory.
package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"

	"github.com/chronowatch/chronowatch/rulestate"
	"github.com/chronowatch/chronowatch/timeutil"
	"github.com/chronowatch/chronowatch/types"
	"github.com/chronowatch/chronowatch/writeback"
)

// missingKey is the sentinel aggregation-key value for a match whose
// configured aggregation_key field is present on the rule but absent
// from the match itself (spec.md §4.H: "missing → sentinel _missing").
const missingKey = "_missing"

// Backend is the subset of writeback.Store the queue needs.
type Backend interface {
	PendingAggregate(ctx context.Context, ruleName, aggregationKey string) (*writeback.AlertDoc, error)
	WriteAlert(ctx context.Context, doc writeback.AlertDoc) (string, error)
}

// DispatchFunc delivers one ready aggregation group. The aggregation
// queue calls it directly for groups whose matches never made it to
// durable writeback (the in-memory fallback path of step 4); groups
// that did persist are instead picked up by the separate Pending Alert
// Sweep in package dispatch, which queries writeback directly (spec.md
// §4.I) rather than through this in-memory path.
type DispatchFunc func(ctx context.Context, rule *types.Rule, key string, matches []types.Match) error

// Queue groups matches by aggregation key per rule and drains groups
// whose deadline has passed.
type Queue struct {
	mtx      *sync.Mutex // alert_lock, spec.md §5: shared with dispatch's pending-alert sweep
	wb       Backend
	clock    quartz.Clock
	dispatch DispatchFunc
	logger   *slog.Logger
}

// New returns a Queue backed by wb, calling dispatch for groups that
// must be delivered directly from memory. lock is the process-wide
// alert_lock (spec.md §5): pass the same *sync.Mutex given to
// dispatch.RunPendingSweep so the two can never race over a group's
// membership; a nil lock gets a private one (single-sweep tests, or a
// deployment that never runs the retry sweep concurrently).
func New(wb Backend, clock quartz.Clock, dispatch DispatchFunc, logger *slog.Logger, lock *sync.Mutex) *Queue {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Queue{wb: wb, clock: clock, dispatch: dispatch, logger: logger.With("component", "aggregation"), mtx: lock}
}

// KeyFor computes the aggregation-key value for m under rule, per
// spec.md §4.H: an unset rule.AggregationKey means "no keying" (the
// empty string groups everything together); a configured key absent
// from the match maps to missingKey.
func KeyFor(rule *types.Rule, m types.Match) string {
	if rule.AggregationKey == "" {
		return ""
	}
	v, ok := timeutil.LookupNested(m, rule.AggregationKey)
	if !ok {
		return missingKey
	}
	return fmt.Sprint(v)
}

// Add routes one match destined for aggregation into rule+key's group,
// opening a new group (resuming a persisted one if present, else
// computing a fresh deadline) or joining the currently open one, per
// spec.md §4.H steps 1-4.
func (q *Queue) Add(ctx context.Context, rule *types.Rule, st *rulestate.State, m types.Match) error {
	key := KeyFor(rule, m)
	now := q.compareTime(rule, m)

	q.mtx.Lock()
	defer q.mtx.Unlock()

	deadline, hasGroup := st.AggregateAlertTime[key]
	if !hasGroup || deadline.Before(now) {
		return q.openGroup(ctx, rule, st, key, m, now)
	}

	id := st.CurrentAggregateID[key]
	_, err := q.wb.WriteAlert(ctx, writeback.AlertDoc{
		RuleName:       rule.Name,
		MatchBody:      m,
		AlertSent:      false,
		AggregateID:    id,
		AggregationKey: key,
	})
	if err != nil {
		st.AggMatches = append(st.AggMatches, m)
		return fmt.Errorf("aggregation: persisting group member: %w", err)
	}
	return nil
}

func (q *Queue) openGroup(ctx context.Context, rule *types.Rule, st *rulestate.State, key string, m types.Match, now time.Time) error {
	pending, err := q.wb.PendingAggregate(ctx, rule.Name, key)
	if err != nil {
		st.AggMatches = append(st.AggMatches, m)
		return fmt.Errorf("aggregation: resuming pending group: %w", err)
	}

	if pending != nil {
		st.CurrentAggregateID[key] = pending.ID
		st.AggregateAlertTime[key] = pending.AlertTime
		if _, err := q.wb.WriteAlert(ctx, writeback.AlertDoc{
			RuleName:       rule.Name,
			MatchBody:      m,
			AlertSent:      false,
			AggregateID:    pending.ID,
			AggregationKey: key,
		}); err != nil {
			st.AggMatches = append(st.AggMatches, m)
			return fmt.Errorf("aggregation: persisting group member: %w", err)
		}
		return nil
	}

	alertTime, err := q.computeAlertTime(rule, m, now)
	if err != nil {
		st.AggMatches = append(st.AggMatches, m)
		return fmt.Errorf("aggregation: computing alert time: %w", err)
	}

	id, err := q.wb.WriteAlert(ctx, writeback.AlertDoc{
		RuleName:       rule.Name,
		MatchBody:      m,
		AlertSent:      false,
		AlertTime:      alertTime,
		AggregationKey: key,
	})
	if err != nil {
		st.AggMatches = append(st.AggMatches, m)
		return fmt.Errorf("aggregation: opening group: %w", err)
	}

	st.CurrentAggregateID[key] = id
	st.AggregateAlertTime[key] = alertTime
	return nil
}

func (q *Queue) compareTime(rule *types.Rule, m types.Match) time.Time {
	if rule.AggregationAlertTimeComparedWithTimestampField {
		if t, ok := m.EventTime(rule.TimestampField); ok {
			return t
		}
	}
	return q.clock.Now()
}

func (q *Queue) computeAlertTime(rule *types.Rule, m types.Match, now time.Time) (time.Time, error) {
	if rule.Aggregation.IsCron() {
		sched, err := cron.ParseStandard(rule.Aggregation.Schedule)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid aggregation schedule %q: %w", rule.Aggregation.Schedule, err)
		}
		return sched.Next(now), nil
	}
	if rule.AggregateByMatchTime {
		if t, ok := m.EventTime(rule.TimestampField); ok {
			return t.Add(rule.Aggregation.Duration), nil
		}
	}
	return now.Add(rule.Aggregation.Duration), nil
}

// DrainReady dispatches every group whose deadline has passed and whose
// matches are still only held in memory (the step-4 fallback path for
// matches that failed to persist). Matches whose write succeeded are
// durable and are instead drained by the Pending Alert Sweep in package
// dispatch, which queries writeback by alert_time window directly.
func (q *Queue) DrainReady(ctx context.Context, rule *types.Rule, st *rulestate.State, now time.Time) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if len(st.AggMatches) == 0 {
		return nil
	}

	groups := map[string][]types.Match{}
	remaining := make([]types.Match, 0, len(st.AggMatches))
	for _, m := range st.AggMatches {
		key := KeyFor(rule, m)
		deadline, ok := st.AggregateAlertTime[key]
		if ok && !now.Before(deadline) {
			groups[key] = append(groups[key], m)
		} else {
			remaining = append(remaining, m)
		}
	}
	st.AggMatches = remaining

	var errs types.MultiError
	for key, matches := range groups {
		if q.dispatch != nil {
			if err := q.dispatch(ctx, rule, key, matches); err != nil {
				errs.Add(fmt.Errorf("aggregation: dispatching group %q: %w", key, err))
				st.AggMatches = append(st.AggMatches, matches...)
				continue
			}
		}
		delete(st.CurrentAggregateID, key)
		delete(st.AggregateAlertTime, key)
	}
	if errs.Len() > 0 {
		return &errs
	}
	return nil
}
