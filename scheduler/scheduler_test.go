package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/chronowatch/chronowatch/types"
)

type fakeLoader struct {
	mtx    sync.Mutex
	rules  map[string]*types.Rule
	hashes map[string]uint64
}

func (f *fakeLoader) LoadRules(context.Context) (map[string]*types.Rule, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make(map[string]*types.Rule, len(f.rules))
	for k, v := range f.rules {
		out[k] = v
	}
	return out, nil
}

func (f *fakeLoader) Hashes(context.Context) (map[string]uint64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make(map[string]uint64, len(f.hashes))
	for k, v := range f.hashes {
		out[k] = v
	}
	return out, nil
}

func newTestScheduler(loader *fakeLoader) *Scheduler {
	return New(Config{}, nil, loader, nil, nil, nil, nil, quartz.NewMock(&testing.T{}), nil, nil)
}

func TestReload_StartsJobForEveryEnabledRule(t *testing.T) {
	loader := &fakeLoader{
		rules: map[string]*types.Rule{
			"a.yaml": {Name: "a", IsEnabled: true, RunEvery: time.Minute},
			"b.yaml": {Name: "b", IsEnabled: false, RunEvery: time.Minute},
		},
		hashes: map[string]uint64{"a.yaml": 1, "b.yaml": 2},
	}
	s := New(Config{}, nil, loader, nil, nil, nil, nil, quartz.NewMock(t), nil, nil)

	require.NoError(t, s.Reload(context.Background()))
	require.Len(t, s.jobs, 1)
	_, ok := s.jobs["a"]
	require.True(t, ok)
}

func TestReload_RespectsPinRules(t *testing.T) {
	loader := &fakeLoader{
		rules: map[string]*types.Rule{
			"a.yaml": {Name: "a", IsEnabled: true},
			"b.yaml": {Name: "b", IsEnabled: true},
		},
		hashes: map[string]uint64{"a.yaml": 1, "b.yaml": 2},
	}
	s := New(Config{PinRules: map[string]bool{"b": true}}, nil, loader, nil, nil, nil, nil, quartz.NewMock(t), nil, nil)

	require.NoError(t, s.Reload(context.Background()))
	require.Len(t, s.jobs, 1)
	_, ok := s.jobs["b"]
	require.True(t, ok)
}

func TestCheckConfigChanges_HotSwapsChangedRulePreservingState(t *testing.T) {
	loader := &fakeLoader{
		rules: map[string]*types.Rule{
			"a.yaml": {Name: "a", IsEnabled: true, RunEvery: time.Minute},
		},
		hashes: map[string]uint64{"a.yaml": 1},
	}
	s := New(Config{}, nil, loader, nil, nil, nil, nil, quartz.NewMock(t), nil, nil)
	require.NoError(t, s.Reload(context.Background()))

	job := s.jobs["a"]
	job.st.ProcessedHits["seen-hit"] = time.Now()
	job.st.CurrentAggregateID["host-a"] = "agg-1"

	loader.mtx.Lock()
	loader.rules["a.yaml"] = &types.Rule{Name: "a", IsEnabled: true, RunEvery: 2 * time.Minute}
	loader.hashes["a.yaml"] = 2
	loader.mtx.Unlock()

	require.NoError(t, s.checkConfigChanges(context.Background()))

	reloaded := s.jobs["a"]
	require.Same(t, job, reloaded, "the job object itself, and its state, must survive a hot reload")
	require.Equal(t, 2*time.Minute, reloaded.currentRule().RunEvery)
	_, stillSeen := reloaded.st.ProcessedHits["seen-hit"]
	require.True(t, stillSeen, "processed hit dedupe state must survive a hot reload")
	require.Equal(t, "agg-1", reloaded.st.CurrentAggregateID["host-a"])
}

func TestCheckConfigChanges_DisablingRuleStopsIt(t *testing.T) {
	loader := &fakeLoader{
		rules: map[string]*types.Rule{
			"a.yaml": {Name: "a", IsEnabled: true},
		},
		hashes: map[string]uint64{"a.yaml": 1},
	}
	s := New(Config{}, nil, loader, nil, nil, nil, nil, quartz.NewMock(t), nil, nil)
	require.NoError(t, s.Reload(context.Background()))
	require.Len(t, s.jobs, 1)

	loader.mtx.Lock()
	loader.rules["a.yaml"] = &types.Rule{Name: "a", IsEnabled: false}
	loader.mtx.Unlock()

	require.NoError(t, s.checkConfigChanges(context.Background()))
	require.Empty(t, s.jobs)
}

func TestCheckConfigChanges_UnchangedHashLeavesJobUntouched(t *testing.T) {
	loader := &fakeLoader{
		rules: map[string]*types.Rule{
			"a.yaml": {Name: "a", IsEnabled: true, RunEvery: time.Minute},
		},
		hashes: map[string]uint64{"a.yaml": 1},
	}
	s := New(Config{}, nil, loader, nil, nil, nil, nil, quartz.NewMock(t), nil, nil)
	require.NoError(t, s.Reload(context.Background()))
	job := s.jobs["a"]

	require.NoError(t, s.checkConfigChanges(context.Background()))
	require.Same(t, job, s.jobs["a"])
	require.Equal(t, time.Minute, s.jobs["a"].currentRule().RunEvery)
}

func TestShouldRun(t *testing.T) {
	s := &Scheduler{}
	require.False(t, s.shouldRun(&types.Rule{IsEnabled: false}))
	require.True(t, s.shouldRun(&types.Rule{IsEnabled: true}))

	s.cfg.PinRules = map[string]bool{"only-this": true}
	require.False(t, s.shouldRun(&types.Rule{Name: "other", IsEnabled: true}))
	require.True(t, s.shouldRun(&types.Rule{Name: "only-this", IsEnabled: true}))
}

func TestTickAllowed_EmptyLimitExecutionAlwaysAllows(t *testing.T) {
	s := &Scheduler{clock: quartz.NewMock(t), logger: nil}
	s.logger = discardLogger()
	require.True(t, s.tickAllowed(&types.Rule{}))
}

func TestTickAllowed_GatesOnCronSchedule(t *testing.T) {
	clock := quartz.NewMock(t)
	s := &Scheduler{clock: clock, logger: discardLogger()}

	rule := &types.Rule{LimitExecution: "0 * * * *"} // top of every hour
	now := clock.Now()
	onHour := time.Date(now.Year(), now.Month(), now.Day(), 10, 0, 0, 0, time.UTC)
	offHour := onHour.Add(30 * time.Minute)

	clock.Set(onHour)
	require.True(t, s.tickAllowed(rule))

	clock.Set(offHour)
	require.False(t, s.tickAllowed(rule))
}

func TestTickAllowed_InvalidExpressionAllowsTick(t *testing.T) {
	s := &Scheduler{clock: quartz.NewMock(t), logger: discardLogger()}
	require.True(t, s.tickAllowed(&types.Rule{LimitExecution: "not a cron expression"}))
}
