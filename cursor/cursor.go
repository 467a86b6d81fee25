// Package cursor computes each tick's query window. Alertmanager has no
// time-windowing concept of its own; this is built straight from
// spec.md §4.E, borrowing the injectable-clock convention
// silence.Silences uses (github.com/coder/quartz) so tests can drive
// ticks deterministically.
package cursor

import (
	"time"

	"github.com/coder/quartz"

	"github.com/chronowatch/chronowatch/rulestate"
	"github.com/chronowatch/chronowatch/types"
)

// Next computes the start of the next query window for rule, given the
// tick's endtime. It implements spec.md §4.E's normal-tick rules; the
// first-tick resume-from-writeback path lives in ruleexec, which has
// access to the writeback store and calls SetResume below before the
// first Next.
func Next(clock quartz.Clock, rule *types.Rule, st *rulestate.State, endtime time.Time) (start, end time.Time) {
	end = endtime

	switch rule.Mode {
	case types.ModeSearch, types.ModeTerms, types.ModeCount:
		start = end.Add(-rule.BufferTime)
		start = clampStart(start, st)
	default: // ModeAggregation
		if rule.ScanEntireTimeframe {
			start = end.Add(-rule.Timeframe)
			return start, end
		}
		start = end.Add(-rule.BufferTime)
		if rule.AllowBufferTimeOverlap && rule.BufferTime > rule.RunEvery {
			start = start.Add(-(rule.BufferTime - rule.RunEvery))
		}
		start = clampStart(start, st)
	}
	return start, end
}

func clampStart(start time.Time, st *rulestate.State) time.Time {
	if !st.MinimumStartTime.IsZero() && start.Before(st.MinimumStartTime) {
		start = st.MinimumStartTime
	}
	if !st.PreviousEndTime.IsZero() && start.Before(st.PreviousEndTime) {
		start = st.PreviousEndTime
	}
	return start
}

// SetResume applies the first-tick resume decision (spec.md §4.E "first
// tick of a rule"): if the most recent writeback status's endtime is
// within oldQueryLimit of now, resume from there and pin
// MinimumStartTime so the window never reopens earlier than the resume
// point. Callers pass the zero time for lastEndtime when no prior status
// exists, which leaves st untouched.
func SetResume(st *rulestate.State, now, lastEndtime time.Time, oldQueryLimit time.Duration) {
	if lastEndtime.IsZero() {
		return
	}
	if now.Sub(lastEndtime) > oldQueryLimit {
		return
	}
	st.PreviousEndTime = lastEndtime
	st.MinimumStartTime = lastEndtime
}

// AlignBucket implements spec.md §4.E's bucket-alignment rule for
// aggregation-mode rules with a configured bucket_interval_timedelta. It
// returns the (possibly shifted) window and, when the rule does not sync
// its bucket boundary, the offset the query builder must apply via
// AggOpts.BucketOffsetDelta.
func AlignBucket(rule *types.Rule, start, end time.Time) (alignedStart, alignedEnd time.Time, offset time.Duration) {
	delta := rule.BucketIntervalTimedelta
	if delta <= 0 {
		return start, end, 0
	}

	offset = time.Duration(start.Unix()%int64(delta/time.Second)) * time.Second

	if rule.SyncBucketInterval {
		return start.Add(-offset), end.Add(-offset), 0
	}
	return start, end, offset
}
