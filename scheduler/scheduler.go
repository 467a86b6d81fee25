// Package scheduler implements spec.md §4.J: a per-rule periodic job
// runner plus three process-wide background jobs (the pending-alert
// sweep, the config-change check, and the memory GC sweep), composed
// behind a single graceful-shutdown interrupt.
//
// Grounded on github.com/oklog/run.Group, the actor-group shape
// inhibit/inhibit.go (the teacher) imports for exactly this purpose:
// bundle a set of independently-cancelable goroutines so one terminates
// all. Each per-rule job's own loop is grounded on
// dispatch.Dispatcher.run's select-over-ticker-and-done idiom.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/oklog/run"
	"github.com/robfig/cron/v3"

	"github.com/chronowatch/chronowatch/config"
	"github.com/chronowatch/chronowatch/dispatch"
	"github.com/chronowatch/chronowatch/rulestate"
	"github.com/chronowatch/chronowatch/ruleexec"
	"github.com/chronowatch/chronowatch/ruletype"
	"github.com/chronowatch/chronowatch/silence"
	"github.com/chronowatch/chronowatch/types"
)

// initialJitter and recurringJitter bound the random delay before a
// rule's first tick and before each subsequent tick, spreading ticks
// across run_every instead of firing every rule in lockstep.
const (
	initialJitter   = 15 * time.Second
	recurringJitter = 5 * time.Second

	memoryGCInterval = 10 * time.Minute
)

// DetectorFactory returns a fresh Detector for rule. Rule-type detectors
// are an out-of-scope collaborator (spec.md §6); the scheduler only
// knows how to ask for one per rule.
type DetectorFactory func(rule *types.Rule) ruletype.Detector

// Config holds the settings the scheduler's background jobs need beyond
// a single rule's own attributes.
type Config struct {
	AlertTimeLimit time.Duration // window the pending-alert sweep scans, spec.md §4.I
	ConfigCheckEvery time.Duration // how often load_rule_changes runs, default 1m
	PinRules         map[string]bool // --pin_rules: if non-empty, only these rule names run
}

func (c Config) withDefaults() Config {
	if c.AlertTimeLimit <= 0 {
		c.AlertTimeLimit = 2 * time.Hour
	}
	if c.ConfigCheckEvery <= 0 {
		c.ConfigCheckEvery = time.Minute
	}
	return c
}

// ruleJob is one rule's ticking state: its own rulestate.State, detector,
// and a handle letting the config-change watcher hot-swap the rule
// descriptor without losing in-flight state (spec.md §4.J
// load_rule_changes: "preserve agg_matches, current_aggregate_id,
// aggregate_alert_time, processed_hits, starttime, minimum_starttime,
// has_run_once across a hot reload of a changed-but-not-disabled rule").
type ruleJob struct {
	mtx  sync.Mutex
	rule *types.Rule
	hash uint64
	det  ruletype.Detector
	st   *rulestate.State
}

func (j *ruleJob) currentRule() *types.Rule {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	return j.rule
}

func (j *ruleJob) swapRule(rule *types.Rule, hash uint64) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	j.rule = rule
	j.hash = hash
}

// Scheduler owns every rule's job goroutine plus the three background
// jobs, and coordinates their shutdown via run.Group.
type Scheduler struct {
	cfg    Config
	exec   *ruleexec.Executor
	loader config.Loader
	pending *dispatch.Dispatcher
	silences *silence.Silences

	detectors DetectorFactory
	clock     quartz.Clock
	logger    *slog.Logger

	lock *sync.Mutex // alert_lock, spec.md §5: shared with aggregation.Queue

	metrics *Metrics

	mtx  sync.Mutex
	jobs map[string]*ruleJob
}

// New returns a Scheduler. dispatcher and alertLock must be the same
// *dispatch.Dispatcher and *sync.Mutex the Executor itself was wired
// with, so the retry sweep and the aggregation drain never race over a
// group's membership (spec.md §5). silences must be the same
// *silence.Silences the Executor uses, so the memory-GC sweep evicts
// from the one cache ticks actually consult. metrics may be nil.
func New(cfg Config, exec *ruleexec.Executor, loader config.Loader, dispatcher *dispatch.Dispatcher, alertLock *sync.Mutex, silences *silence.Silences, detectors DetectorFactory, clock quartz.Clock, logger *slog.Logger, metrics *Metrics) *Scheduler {
	if detectors == nil {
		detectors = func(*types.Rule) ruletype.Detector { return ruletype.NewPassThrough() }
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if alertLock == nil {
		alertLock = &sync.Mutex{}
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		exec:      exec,
		loader:    loader,
		pending:   dispatcher,
		silences:  silences,
		detectors: detectors,
		clock:     clock,
		logger:    logger.With("component", "scheduler"),
		lock:      alertLock,
		metrics:   metrics,
		jobs:      map[string]*ruleJob{},
	}
}

// Run loads the initial rule set and blocks running every job and
// background actor until ctx is canceled or one actor fails. A SIGINT
// reaching ctx's cancellation terminates every actor immediately with
// no further finalizer work, per spec.md §4.J.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return fmt.Errorf("scheduler: initial rule load: %w", err)
	}

	var g run.Group

	runCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		<-runCtx.Done()
		return runCtx.Err()
	}, func(error) { cancel() })

	s.mtx.Lock()
	for name, job := range s.jobs {
		name, job := name, job
		g.Add(func() error {
			return s.runRuleJob(runCtx, name, job)
		}, func(error) {})
	}
	s.mtx.Unlock()

	g.Add(func() error {
		return s.runPendingSweepLoop(runCtx)
	}, func(error) {})

	g.Add(func() error {
		return s.runConfigWatchLoop(runCtx)
	}, func(error) {})

	g.Add(func() error {
		return s.runMemoryGCLoop(runCtx)
	}, func(error) {})

	return g.Run()
}

// Reload implements load_configuration (spec.md §6): discover every
// rule file and start a job for each newly discovered, enabled rule.
// Existing jobs are left untouched; use checkConfigChanges for
// in-flight-state-preserving hot reload of already-running rules.
func (s *Scheduler) Reload(ctx context.Context) error {
	rules, err := s.loader.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: loading rules: %w", err)
	}
	hashes, err := s.loader.Hashes(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: hashing rules: %w", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for path, rule := range rules {
		if !s.shouldRun(rule) {
			continue
		}
		if _, exists := s.jobs[rule.Name]; exists {
			continue
		}
		s.jobs[rule.Name] = &ruleJob{
			rule: rule,
			hash: hashes[path],
			det:  s.detectors(rule),
			st:   rulestate.New(),
		}
	}
	s.metrics.setActiveJobs(len(s.jobs))
	return nil
}

func (s *Scheduler) shouldRun(rule *types.Rule) bool {
	if !rule.IsEnabled {
		return false
	}
	if len(s.cfg.PinRules) > 0 && !s.cfg.PinRules[rule.Name] {
		return false
	}
	return true
}

// runRuleJob drives one rule's ticks forever, jittering the first tick
// up to initialJitter and every subsequent one up to recurringJitter so
// many rules sharing a run_every don't all fire in the same instant.
// limit_execution (a cron expression) gates whether a given tick fires
// at all, per spec.md §4.J.
func (s *Scheduler) runRuleJob(ctx context.Context, name string, job *ruleJob) error {
	if err := sleepJittered(ctx, initialJitter); err != nil {
		return err
	}

	for {
		rule := job.currentRule()

		if s.tickAllowed(rule) {
			n, err := s.exec.RunRule(ctx, rule, job.st, job.det, s.clock.Now())
			if err != nil {
				s.logger.Error("rule tick failed", "rule", name, "err", err)
			} else {
				s.logger.Debug("rule tick complete", "rule", name, "matches", n)
			}
		}

		wait := rule.RunEvery
		if wait <= 0 {
			wait = time.Minute
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err := sleepJittered(ctx, recurringJitter); err != nil {
			return err
		}
	}
}

// tickAllowed implements limit_execution: an empty expression always
// allows the tick; otherwise the tick only runs in the minute the cron
// expression's next scheduled fire (relative to one minute before now)
// equals now's minute.
func (s *Scheduler) tickAllowed(rule *types.Rule) bool {
	if rule.LimitExecution == "" {
		return true
	}
	sched, err := cron.ParseStandard(rule.LimitExecution)
	if err != nil {
		s.logger.Warn("invalid limit_execution, allowing tick", "rule", rule.Name, "err", err)
		return true
	}
	now := s.clock.Now()
	prev := now.Add(-time.Minute)
	next := sched.Next(prev)
	return !next.After(now)
}

func sleepJittered(ctx context.Context, maxJitter time.Duration) error {
	if maxJitter <= 0 {
		return nil
	}
	d := time.Duration(rand.Int63n(int64(maxJitter)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// runPendingSweepLoop implements spec.md §4.I: every run_every (we use
// a fixed one-minute cadence, since the sweep is process-wide rather
// than per-rule), redeliver any alert still undelivered within
// AlertTimeLimit.
func (s *Scheduler) runPendingSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rules := s.ruleSnapshot()
			states := s.ruleStateSnapshot()
			if err := dispatch.RunPendingSweep(ctx, s.pending, rules, states, s.clock.Now(), s.cfg.AlertTimeLimit, s.lock); err != nil {
				s.logger.Error("pending alert sweep failed", "err", err)
			}
		}
	}
}

// runConfigWatchLoop implements load_rule_changes (spec.md §4.J): on
// every ConfigCheckEvery tick, re-hash every rule file and hot-swap the
// rule descriptor for any file whose hash changed, without touching
// that rule's rulestate.State or detector — all in-flight aggregation
// and dedupe state survives the reload.
func (s *Scheduler) runConfigWatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ConfigCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.checkConfigChanges(ctx); err != nil {
				s.logger.Error("config change check failed", "err", err)
			}
		}
	}
}

func (s *Scheduler) checkConfigChanges(ctx context.Context) error {
	s.metrics.observeConfigCheck()

	hashes, err := s.loader.Hashes(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: hashing rules: %w", err)
	}
	rules, err := s.loader.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: loading rules: %w", err)
	}

	byName := make(map[string]*types.Rule, len(rules))
	byNameHash := make(map[string]uint64, len(rules))
	for path, rule := range rules {
		byName[rule.Name] = rule
		byNameHash[rule.Name] = hashes[path]
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	for name, job := range s.jobs {
		rule, ok := byName[name]
		if !ok {
			continue // deleted rule files keep running their last known config
		}
		if !rule.IsEnabled {
			delete(s.jobs, name)
			continue
		}
		newHash := byNameHash[name]
		job.mtx.Lock()
		changed := job.hash != newHash
		job.mtx.Unlock()
		if changed {
			job.swapRule(rule, newHash)
			s.metrics.observeHotReload(name)
			s.logger.Info("hot-reloaded rule", "rule", name)
		}
	}

	for name, rule := range byName {
		if _, exists := s.jobs[name]; !exists && s.shouldRun(rule) {
			s.jobs[name] = &ruleJob{rule: rule, hash: byNameHash[name], det: s.detectors(rule), st: rulestate.New()}
		}
	}
	s.metrics.setActiveJobs(len(s.jobs))
	return nil
}

// runMemoryGCLoop implements spec.md §9's design note: a GC sweep runs
// every ten minutes against every rule's state, using TryLock so a rule
// mid-tick is simply skipped this cycle rather than blocked on.
func (s *Scheduler) runMemoryGCLoop(ctx context.Context) error {
	ticker := time.NewTicker(memoryGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepMemory()
		}
	}
}

// sweepMemory implements spec.md §4.J's ten-minute Memory GC: evict
// expired silence-cache entries, evict expired processed-hit entries,
// and evict expired aggregate deadlines together with the ids they
// point at. chronowatch has no per-rule search-backend client cache to
// evict (unlike the teacher's original per-rule ES client map): every
// rule shares the one *esclient.Client wired in cmd/chronowatchd, so
// there is no "client handle for a rule that no longer exists" to leak.
func (s *Scheduler) sweepMemory() {
	now := s.clock.Now()
	var evictedSilences int
	if s.silences != nil {
		evictedSilences = s.silences.CleanupCache(now)
	}
	skipped := 0
	for _, job := range s.ruleJobSnapshot() {
		rule := job.currentRule()
		if !job.st.TryLock() {
			skipped++
			continue
		}
		maxAge := rule.BufferTime + rule.QueryDelay
		job.st.RemoveOldEvents(now, maxAge)
		for key, deadline := range job.st.AggregateAlertTime {
			if now.After(deadline) {
				delete(job.st.AggregateAlertTime, key)
				delete(job.st.CurrentAggregateID, key)
			}
		}
		job.st.Unlock()
	}
	s.metrics.observeGCSweep(skipped)
	if evictedSilences > 0 {
		s.logger.Debug("memory GC evicted silence cache entries", "count", evictedSilences)
	}
}

func (s *Scheduler) ruleSnapshot() map[string]*types.Rule {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make(map[string]*types.Rule, len(s.jobs))
	for name, job := range s.jobs {
		out[name] = job.currentRule()
	}
	return out
}

// ruleStateSnapshot returns every currently loaded rule's rulestate.State
// keyed by rule name, for the pending-alert sweep to clear
// CurrentAggregateID/AggregateAlertTime entries on a retried group
// (spec.md §4.I: "Clear the corresponding current_aggregate_id entry if
// matched").
func (s *Scheduler) ruleStateSnapshot() map[string]*rulestate.State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make(map[string]*rulestate.State, len(s.jobs))
	for name, job := range s.jobs {
		out[name] = job.st
	}
	return out
}

func (s *Scheduler) ruleJobSnapshot() []*ruleJob {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*ruleJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

