package cursor

import (
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/chronowatch/chronowatch/rulestate"
	"github.com/chronowatch/chronowatch/types"
)

func TestNextSearchModeBufferTime(t *testing.T) {
	clock := quartz.NewMock(t)
	rule := &types.Rule{Mode: types.ModeSearch, BufferTime: time.Hour}
	st := rulestate.New()

	end := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	start, gotEnd := Next(clock, rule, st, end)

	require.Equal(t, end, gotEnd)
	require.Equal(t, end.Add(-time.Hour), start)
}

func TestNextClampsToMinimumStartTime(t *testing.T) {
	clock := quartz.NewMock(t)
	rule := &types.Rule{Mode: types.ModeSearch, BufferTime: time.Hour}
	st := rulestate.New()
	end := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	st.MinimumStartTime = end.Add(-10 * time.Minute)

	start, _ := Next(clock, rule, st, end)
	require.Equal(t, st.MinimumStartTime, start)
}

func TestNextClampsToPreviousEndTime(t *testing.T) {
	clock := quartz.NewMock(t)
	rule := &types.Rule{Mode: types.ModeCount, BufferTime: time.Hour}
	st := rulestate.New()
	end := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	st.PreviousEndTime = end.Add(-5 * time.Minute)

	start, _ := Next(clock, rule, st, end)
	require.Equal(t, st.PreviousEndTime, start)
}

func TestNextAggregationOverlap(t *testing.T) {
	clock := quartz.NewMock(t)
	rule := &types.Rule{
		Mode:                    types.ModeAggregation,
		BufferTime:              time.Hour,
		RunEvery:                15 * time.Minute,
		AllowBufferTimeOverlap:  true,
	}
	st := rulestate.New()
	end := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	start, _ := Next(clock, rule, st, end)
	require.Equal(t, end.Add(-(time.Hour)-(time.Hour-15*time.Minute)), start)
}

func TestNextScanEntireTimeframe(t *testing.T) {
	clock := quartz.NewMock(t)
	rule := &types.Rule{Mode: types.ModeAggregation, Timeframe: 6 * time.Hour, ScanEntireTimeframe: true}
	st := rulestate.New()
	end := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	start, gotEnd := Next(clock, rule, st, end)
	require.Equal(t, end.Add(-6*time.Hour), start)
	require.Equal(t, end, gotEnd)
}

func TestSetResumeWithinOldQueryLimit(t *testing.T) {
	st := rulestate.New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	lastEnd := now.Add(-time.Hour)

	SetResume(st, now, lastEnd, 2*time.Hour)
	require.Equal(t, lastEnd, st.PreviousEndTime)
	require.Equal(t, lastEnd, st.MinimumStartTime)
}

func TestSetResumeStaleStatusIgnored(t *testing.T) {
	st := rulestate.New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	lastEnd := now.Add(-3 * time.Hour)

	SetResume(st, now, lastEnd, time.Hour)
	require.True(t, st.PreviousEndTime.IsZero())
}

func TestAlignBucketSync(t *testing.T) {
	rule := &types.Rule{BucketIntervalTimedelta: 10 * time.Minute, SyncBucketInterval: true}
	start := time.Date(2026, 7, 31, 12, 3, 0, 0, time.UTC)
	end := time.Date(2026, 7, 31, 13, 3, 0, 0, time.UTC)

	alignedStart, alignedEnd, offset := AlignBucket(rule, start, end)
	require.Equal(t, time.Duration(0), offset)
	require.True(t, alignedStart.Before(start))
	require.True(t, alignedEnd.Before(end))
}

func TestAlignBucketUnsyncedReturnsOffset(t *testing.T) {
	rule := &types.Rule{BucketIntervalTimedelta: 10 * time.Minute}
	start := time.Date(2026, 7, 31, 12, 3, 0, 0, time.UTC)
	end := time.Date(2026, 7, 31, 13, 3, 0, 0, time.UTC)

	alignedStart, alignedEnd, offset := AlignBucket(rule, start, end)
	require.Equal(t, start, alignedStart)
	require.Equal(t, end, alignedEnd)
	require.Greater(t, offset, time.Duration(0))
}
