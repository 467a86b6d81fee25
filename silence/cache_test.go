package silence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheGetSetDelete(t *testing.T) {
	c := newCache(10)

	_, ok := c.get("k")
	require.False(t, ok)

	until := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.set("k", Entry{Until: until, Exponent: 2})

	e, ok := c.get("k")
	require.True(t, ok)
	require.Equal(t, until, e.Until)
	require.Equal(t, 2, e.Exponent)

	c.delete("k")
	_, ok = c.get("k")
	require.False(t, ok)
}

func TestCacheEvictBefore(t *testing.T) {
	c := newCache(10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c.set("expired-1", Entry{Until: now.Add(-time.Hour)})
	c.set("expired-2", Entry{Until: now.Add(-time.Minute)})
	c.set("fresh", Entry{Until: now.Add(time.Hour)})

	n := c.evictBefore(now)
	require.Equal(t, 2, n)

	_, ok := c.get("fresh")
	require.True(t, ok)
	_, ok = c.get("expired-1")
	require.False(t, ok)
	_, ok = c.get("expired-2")
	require.False(t, ok)
}

func TestCacheBoundedSize(t *testing.T) {
	c := newCache(4)
	for i := 0; i < 10; i++ {
		c.set(string(rune('a'+i)), Entry{Until: time.Now().Add(time.Hour)})
	}
	require.LessOrEqual(t, c.lru.Len(), 4)
}
