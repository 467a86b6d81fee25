package silence

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds the silence cache per SPEC_FULL.md's DOMAIN
// STACK note on github.com/hashicorp/golang-lru/v2: a runaway number of
// distinct query-keys must not leak memory before remove_old_events/GC
// runs.
const defaultCacheSize = 10000

// cache is a bounded, mutex-guarded key -> Entry map, replacing the
// teacher's fingerprint/version-keyed matching cache (silence/cache.go)
// with a plain LRU: chronowatch's silence keys are strings the caller
// already computed, not a label-matcher match result to invalidate by
// version.
type cache struct {
	mtx sync.RWMutex
	lru *lru.Cache[string, Entry]
}

func newCache(size int) *cache {
	l, err := lru.New[string, Entry](size)
	if err != nil {
		// Only returns an error for size <= 0, which never happens with
		// defaultCacheSize; fall back to a tiny cache rather than panic.
		l, _ = lru.New[string, Entry](1)
	}
	return &cache{lru: l}
}

func (c *cache) get(key string) (Entry, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.lru.Get(key)
}

func (c *cache) set(key string, e Entry) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lru.Add(key, e)
}

func (c *cache) delete(key string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lru.Remove(key)
}

// evictBefore removes every entry whose Until has passed, returning the
// number evicted.
func (c *cache) evictBefore(now time.Time) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	n := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.After(e.Until) {
			c.lru.Remove(key)
			n++
		}
	}
	return n
}
