// Package silence implements spec.md §4.F: the silence cache, the
// exponential-realert backoff computation, and the durable silence
// writeback that backs it. Grounded closely on silence/silence.go's
// Silences type (a mutex-guarded struct fronting a durable store, with
// an injectable quartz.Clock for deterministic tests) and on
// matcher/compat's precedence-of-cache pattern: invariant 5 in spec.md
// §3 ("the silence cache is an accelerator, not a source of truth") is
// the same rule the teacher's cache applies to alert-matching, here
// re-pointed at a single string silence key instead of a label matcher
// set.
package silence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/chronowatch/chronowatch/types"
	"github.com/chronowatch/chronowatch/writeback"
)

// Entry is one silence cache row: the tuple (until, exponent) spec.md
// §3 names as Silence entry (S), minus the key (the cache indexes by
// it already).
type Entry struct {
	Until    time.Time
	Exponent int
}

// Backend is the subset of writeback.Store the silencer needs. Tests
// substitute a fake.
type Backend interface {
	WriteSilence(ctx context.Context, doc writeback.SilenceDoc) error
	LatestSilence(ctx context.Context, key string) (*writeback.SilenceDoc, error)
}

// Silences binds a bounded in-memory cache to durable writeback,
// implementing is_silenced/next_alert_time/set_realert from spec.md
// §4.F.
type Silences struct {
	cache  *cache
	wb     Backend
	clock  quartz.Clock
	logger *slog.Logger
}

// New returns a Silences backed by wb. clock defaults to the real
// clock; logger defaults to slog.Default().
func New(wb Backend, clock quartz.Clock, logger *slog.Logger) *Silences {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Silences{
		cache:  newCache(defaultCacheSize),
		wb:     wb,
		clock:  clock,
		logger: logger.With("component", "silence"),
	}
}

// Key returns the silence key for a match under rule, per the GLOSSARY:
// "<rule_name>.<query_key_value>" when qk is non-empty, else
// rule.RealertKey() ("<rule_name>._silence").
func Key(rule *types.Rule, qk string) string {
	if qk == "" {
		return rule.RealertKey()
	}
	return rule.Name + "." + qk
}

// IsSilenced implements spec.md §4.F's is_silenced: a cache hit that
// hasn't expired answers immediately; an expired hit is evicted and
// falls through to a writeback lookup, which repopulates the cache.
// The second return value is the remaining silence duration (zero when
// not silenced), surfacing the original's "report remaining duration"
// behavior (SPEC_FULL.md §3.1); no caller in chronowatch reads it.
func (s *Silences) IsSilenced(ctx context.Context, key string) (bool, time.Duration, error) {
	now := s.clock.Now()

	if e, ok := s.cache.get(key); ok {
		if now.Before(e.Until) {
			return true, e.Until.Sub(now), nil
		}
		s.cache.delete(key)
	}

	doc, err := s.wb.LatestSilence(ctx, key)
	if err != nil {
		return false, 0, fmt.Errorf("silence: querying writeback: %w", err)
	}
	if doc == nil {
		return false, 0, nil
	}
	s.cache.set(key, Entry{Until: doc.Until, Exponent: doc.Exponent})
	if now.Before(doc.Until) {
		return true, doc.Until.Sub(now), nil
	}
	return false, 0, nil
}

// NextAlertTime implements spec.md §4.F's next_alert_time exactly,
// including the exponential-backoff reset/cap rules; see DESIGN.md for
// the worked resolution of the "cap and decrement" edge case.
func (s *Silences) NextAlertTime(rule *types.Rule, key string, now time.Time) (time.Time, int) {
	entry, ok := s.cache.get(key)
	return nextAlertTime(rule, entry, ok, now)
}

func nextAlertTime(rule *types.Rule, entry Entry, ok bool, now time.Time) (time.Time, int) {
	if !ok || rule.ExponentialRealert <= 0 {
		return now.Add(rule.Realert), 0
	}

	exp := entry.Exponent
	diff := now.Sub(entry.Until)
	step := func(e int) time.Duration { return rule.Realert * time.Duration(int64(1)<<uint(e)) }

	if diff < step(exp) {
		exp++
	} else {
		for exp > 0 && diff > step(exp) {
			diff -= step(exp)
			exp--
		}
	}

	wait := step(exp)
	if wait >= rule.ExponentialRealert {
		wait = rule.ExponentialRealert
		if exp > 0 {
			exp--
		}
	}
	return now.Add(wait), exp
}

// SetRealert writes a new silence deadline to both the cache and
// durable writeback, per spec.md §4.F's set_realert.
func (s *Silences) SetRealert(ctx context.Context, ruleName, key string, until time.Time, exponent int) error {
	s.cache.set(key, Entry{Until: until, Exponent: exponent})
	err := s.wb.WriteSilence(ctx, writeback.SilenceDoc{
		RuleName: ruleName,
		Key:      key,
		Until:    until,
		Exponent: exponent,
	})
	if err != nil {
		return fmt.Errorf("silence: persisting: %w", err)
	}
	return nil
}

// StartupSilence implements the --silence CLI flag (spec.md §6): a
// single write establishing a deadline with exponent 0, independent of
// any prior backoff state.
func (s *Silences) StartupSilence(ctx context.Context, ruleName, key string, d time.Duration) error {
	return s.SetRealert(ctx, ruleName, key, s.clock.Now().Add(d), 0)
}

// CleanupCache evicts every cache entry whose deadline has passed,
// implementing spec.md §8 invariant 4 ("∀ key in silence cache with
// until < now after cleanup_silence_cache: k ∉ cache") for the
// scheduler's periodic memory-GC sweep (spec.md §4.J).
func (s *Silences) CleanupCache(now time.Time) int {
	return s.cache.evictBefore(now)
}
