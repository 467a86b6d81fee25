// Package ruleexec implements spec.md §4.F, the Rule Executor: the
// per-tick orchestration that drives a window through the Query Runner,
// routes survivors past the silence check and into either aggregation
// or direct dispatch, and persists a tick summary. Grounded on
// dispatch.Dispatcher.run's top-level "one loop body per tick"
// structure from the teacher (the method that calls processNotifyRequest,
// routes, and records metrics in sequence), re-targeted from
// alertmanager's notification pipeline to chronowatch's rule tick.
package ruleexec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/chronowatch/chronowatch/aggregation"
	"github.com/chronowatch/chronowatch/cursor"
	"github.com/chronowatch/chronowatch/dispatch"
	"github.com/chronowatch/chronowatch/query"
	"github.com/chronowatch/chronowatch/rulestate"
	"github.com/chronowatch/chronowatch/ruletype"
	"github.com/chronowatch/chronowatch/silence"
	"github.com/chronowatch/chronowatch/timeutil"
	"github.com/chronowatch/chronowatch/types"
	"github.com/chronowatch/chronowatch/writeback"
)

// StatusBackend is the subset of writeback.Store the executor needs for
// tick-summary persistence.
type StatusBackend interface {
	WriteStatus(ctx context.Context, doc writeback.StatusDoc) error
}

// QueryRunner is satisfied by *query.Runner; declaring it here (rather
// than depending on the concrete type) lets tests drive RunRule with a
// fake that never talks to a search backend.
type QueryRunner interface {
	Run(ctx context.Context, rule *types.Rule, st *rulestate.State, det ruletype.Detector, start, end time.Time, bucketOffset time.Duration) (*query.Result, error)
}

// Executor ties cursor, query, silence, aggregation, and dispatch
// together into one rule tick, per spec.md §4.F.
type Executor struct {
	runner     QueryRunner
	silences   *silence.Silences
	aggQueue   *aggregation.Queue
	dispatcher *dispatch.Dispatcher
	wb         StatusBackend
	clock      quartz.Clock
	logger     *slog.Logger
	metrics    *Metrics
}

// New returns an Executor wiring the given collaborators. clock defaults
// to the real clock; logger to slog.Default(); metrics may be nil.
func New(runner QueryRunner, silences *silence.Silences, aggQueue *aggregation.Queue, dispatcher *dispatch.Dispatcher, wb StatusBackend, clock quartz.Clock, logger *slog.Logger, metrics *Metrics) *Executor {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner:     runner,
		silences:   silences,
		aggQueue:   aggQueue,
		dispatcher: dispatcher,
		wb:         wb,
		clock:      clock,
		logger:     logger.With("component", "ruleexec"),
		metrics:    metrics,
	}
}

// RunRule executes one tick for rule, per spec.md §4.F: compute the
// window, run the query, garbage-collect the detector, then route every
// surviving match through the silence check into aggregation or direct
// dispatch. It returns the number of matches the detector produced
// (whether or not every one of them was ultimately delivered) and the
// first error class encountered, accumulated via types.MultiError so one
// bad match never aborts the rest of the tick (spec.md §9).
func (e *Executor) RunRule(ctx context.Context, rule *types.Rule, st *rulestate.State, det ruletype.Detector, endtime time.Time) (int, error) {
	st.Lock()
	defer st.Unlock()

	start, end := cursor.Next(e.clock, rule, st, endtime)

	var bucketOffset time.Duration
	if rule.Mode == types.ModeAggregation {
		start, end, bucketOffset = cursor.AlignBucket(rule, start, end)
	}

	now := e.clock.Now()
	if start.After(now) {
		e.logger.Warn("starttime is in the future, skipping tick", "rule", rule.Name, "start", start, "now", now)
		return 0, nil
	}

	tickStart := e.clock.Now()

	totalHits, actualEnd, zeroTail, err := e.runSegmented(ctx, rule, st, det, start, end, bucketOffset)
	if err != nil {
		e.recordError(rule.Name)
		return 0, fmt.Errorf("ruleexec: running query: %w", err)
	}
	if zeroTail {
		return 0, nil
	}
	end = actualEnd

	matches := det.Matches()

	var errs types.MultiError
	for _, m := range matches {
		if err := e.handleMatch(ctx, rule, st, m); err != nil {
			errs.Add(err)
		}
	}

	if err := e.aggQueue.DrainReady(ctx, rule, st, end); err != nil {
		errs.Add(fmt.Errorf("ruleexec: draining aggregation groups: %w", err))
	}

	st.PreviousEndTime = end
	st.HasRunOnce = true

	elapsed := e.clock.Now().Sub(tickStart)
	e.recordTick(rule.Name, len(matches), elapsed)

	if e.wb != nil {
		if werr := e.wb.WriteStatus(ctx, writeback.StatusDoc{
			RuleName:  rule.Name,
			StartTime: start,
			EndTime:   end,
			Matches:   len(matches),
			Hits:      totalHits,
			TimeTaken: elapsed.Seconds(),
		}); werr != nil {
			e.logger.Error("failed to persist status writeback", "rule", rule.Name, "err", werr)
		}
	}

	if errs.Len() > 0 {
		e.recordError(rule.Name)
		return len(matches), &errs
	}
	return len(matches), nil
}

// runSegmented walks [start, end) in rule.SegmentSize() chunks, calling
// the Query Runner once per segment and the detector's GarbageCollect
// at each segment boundary, per spec.md §4.F step 5. It returns the
// summed hit count across every segment queried, the actual end of the
// window processed (normally end, but shrunk for an aggregation-mode
// tail that doesn't fill a whole segment), and whether the tick found
// nothing to query at all (an aggregation-mode window narrower than one
// segment on its very first segment, per spec.md §4.F step 5's "if tail
// is zero, return 0").
func (e *Executor) runSegmented(ctx context.Context, rule *types.Rule, st *rulestate.State, det ruletype.Detector, start, end time.Time, bucketOffset time.Duration) (totalHits int, actualEnd time.Time, zeroTail bool, err error) {
	segmentSize := rule.SegmentSize()
	originalStart := start
	cur := start

	for segmentSize > 0 && end.Sub(cur) > segmentSize {
		tmpEnd := cur.Add(segmentSize)
		res, err := e.runner.Run(ctx, rule, st, det, cur, tmpEnd, bucketOffset)
		if err != nil {
			return 0, end, false, err
		}
		if res != nil {
			totalHits += res.TotalHits
		}
		cur = tmpEnd
		det.GarbageCollect(tmpEnd)
	}

	if rule.Mode == types.ModeAggregation {
		switch {
		case segmentSize > 0 && end.Sub(cur) == segmentSize:
			res, err := e.runner.Run(ctx, rule, st, det, cur, end, bucketOffset)
			if err != nil {
				return 0, end, false, err
			}
			if res != nil {
				totalHits += res.TotalHits
			}
		case cur.Equal(originalStart):
			// The whole window is narrower than one segment and no
			// segment ever ran: too little to query yet this tick.
			return 0, end, true, nil
		default:
			// Shrink to the last segment boundary actually queried.
			end = cur
		}
		return totalHits, end, false, nil
	}

	res, err := e.runner.Run(ctx, rule, st, det, cur, end, bucketOffset)
	if err != nil {
		return 0, end, false, err
	}
	if res != nil {
		totalHits += res.TotalHits
	}
	det.GarbageCollect(end)
	return totalHits, end, false, nil
}

// handleMatch implements spec.md §4.F steps 5-7 for one match: compute
// its silence key, skip silenced matches, route aggregation-configured
// rules into the queue, and otherwise dispatch immediately and arm the
// next realert deadline.
func (e *Executor) handleMatch(ctx context.Context, rule *types.Rule, st *rulestate.State, m types.Match) error {
	qk := queryKeyValue(rule, m)
	key := silence.Key(rule, qk)

	silenced, _, err := e.silences.IsSilenced(ctx, key)
	if err != nil {
		e.logger.Warn("silence check failed, treating as not silenced", "rule", rule.Name, "err", err)
	} else if silenced {
		return nil
	}

	if rule.AggregationKey != "" || !rule.Aggregation.IsZero() {
		return e.aggQueue.Add(ctx, rule, st, m)
	}

	if err := e.dispatcher.SendAlert(ctx, []types.Match{m}, rule, nil, false); err != nil {
		return fmt.Errorf("ruleexec: dispatching match: %w", err)
	}

	if rule.Realert > 0 {
		now := e.clock.Now()
		until, exponent := e.silences.NextAlertTime(rule, key, now)
		if err := e.silences.SetRealert(ctx, rule.Name, key, until, exponent); err != nil {
			return fmt.Errorf("ruleexec: arming realert: %w", err)
		}
	}
	return nil
}

// queryKeyValue extracts the match's query-key value for silence keying,
// per spec.md §4.F: the compound key if the rule configured one,
// otherwise the single query_key field, otherwise no suffix.
func queryKeyValue(rule *types.Rule, m types.Match) string {
	if len(rule.CompoundQueryKey) > 0 {
		if v, ok := m["_query_key"]; ok {
			return fmt.Sprint(v)
		}
	}
	if rule.QueryKey == "" {
		return ""
	}
	v, ok := timeutil.LookupNested(m, rule.QueryKey)
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

func (e *Executor) recordTick(rule string, matchCount int, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.matches.WithLabelValues(rule).Add(float64(matchCount))
	e.metrics.tickSeconds.WithLabelValues(rule).Observe(elapsed.Seconds())
}

func (e *Executor) recordError(rule string) {
	if e.metrics == nil {
		return
	}
	e.metrics.errors.WithLabelValues(rule).Inc()
}
