package silence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/chronowatch/chronowatch/types"
)

// BenchmarkIsSilenced measures cache-hit lookup cost at increasing
// numbers of distinct silence keys, the same "does the cache scale"
// question the teacher's silence_bench_test.go asked of its matcher
// cache, here asked of a plain key lookup.
func BenchmarkIsSilenced(b *testing.B) {
	for _, n := range []int{10, 100, 1000, 10000} {
		b.Run(fmt.Sprintf("%d keys", n), func(b *testing.B) {
			clock := quartz.NewMock(b)
			s := New(newFakeBackend(), clock, nil)
			ctx := context.Background()
			for i := 0; i < n; i++ {
				key := fmt.Sprintf("rule-%d._silence", i)
				_ = s.SetRealert(ctx, "rule", key, clock.Now().Add(time.Hour), 0)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _, _ = s.IsSilenced(ctx, fmt.Sprintf("rule-%d._silence", i%n))
			}
		})
	}
}

// BenchmarkNextAlertTime measures the exponential-backoff computation
// cost, which runs once per alert on the hot path (spec.md §4.D step 6).
func BenchmarkNextAlertTime(b *testing.B) {
	rule := &types.Rule{Realert: time.Minute, ExponentialRealert: time.Hour}
	s := New(newFakeBackend(), quartz.NewMock(b), nil)
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.NextAlertTime(rule, "k", now)
	}
}
