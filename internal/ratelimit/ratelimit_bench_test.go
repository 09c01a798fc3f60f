package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
)

var benchTier = domain.Tier{Name: domain.TierRead, Window: time.Minute, MaxRequests: 1 << 30}

func BenchmarkInMemoryLimiter_Admit(b *testing.B) {
	rl := NewInMemoryLimiter()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Admit(ctx, "ip:10.0.0.1", benchTier)
	}
}

func BenchmarkInMemoryLimiter_Admit_Parallel(b *testing.B) {
	rl := NewInMemoryLimiter()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			rl.Admit(ctx, "ip:10.0.0.1", benchTier)
		}
	})
}

func BenchmarkInMemoryLimiter_ManyKeys(b *testing.B) {
	rl := NewInMemoryLimiter()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.Admit(ctx, fmt.Sprintf("ip:10.0.%d.%d", (i/256)%256, i%256), benchTier)
			i++
		}
	})
}
