// Package rulestate holds the mutable, mutex-guarded per-rule state a
// tick reads and updates: scroll position, processed-hit dedupe set,
// in-flight aggregate matches, and the cursor bookkeeping time cursor
// logic needs to compute the next window. Grounded directly on
// provider/mem.Alerts' sync.RWMutex-guarded map idiom and
// types.memMarker's narrow getter/setter surface.
package rulestate

import (
	"sync"
	"time"

	"github.com/chronowatch/chronowatch/types"
)

// State is owned by exactly one rule. Invariant 2 (spec.md §3) says at
// most one tick and one GC sweep may touch it concurrently, enforced by
// mtx; a GC sweep uses TryLock so a slow tick is never blocked on it.
type State struct {
	mtx sync.Mutex

	StartTime        time.Time
	PreviousEndTime  time.Time
	MinimumStartTime time.Time
	OriginalStartTime time.Time

	ScrollID string

	ProcessedHits map[string]time.Time

	AggMatches          []types.Match
	CurrentAggregateID  map[string]string
	AggregateAlertTime  map[string]time.Time

	ScrollingCycle int
	HasRunOnce     bool

	NextStartTime    *time.Time
	NextMinStartTime *time.Time
}

// New returns a zero-valued State ready for a rule's first tick.
func New() *State {
	return &State{
		ProcessedHits:      make(map[string]time.Time),
		CurrentAggregateID: make(map[string]string),
		AggregateAlertTime: make(map[string]time.Time),
	}
}

// Lock acquires the per-rule mutex for the duration of a tick.
func (s *State) Lock() { s.mtx.Lock() }

// Unlock releases the per-rule mutex.
func (s *State) Unlock() { s.mtx.Unlock() }

// TryLock attempts to acquire the per-rule mutex without blocking, for
// the GC sweep's skip-on-busy behavior (spec.md §9 design note: GC never
// queues behind a running tick).
func (s *State) TryLock() bool { return s.mtx.TryLock() }

// RemoveOldEvents drops processed-hit entries older than maxAge relative
// to now, per spec.md §4.D step 7 ("entries older than buffer_time +
// query_delay"). Callers hold the lock already.
func (s *State) RemoveOldEvents(now time.Time, maxAge time.Duration) {
	cutoff := now.Add(-maxAge)
	for id, seen := range s.ProcessedHits {
		if seen.Before(cutoff) {
			delete(s.ProcessedHits, id)
		}
	}
}

// SeenHit reports whether id has already been processed, recording it if
// not. Used by the Query Runner's dedupe step (spec.md §4.C step 6).
func (s *State) SeenHit(id string, seenAt time.Time) bool {
	if _, ok := s.ProcessedHits[id]; ok {
		return true
	}
	s.ProcessedHits[id] = seenAt
	return false
}
