package governor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestProperty_RateLimiter_PerMinuteCeiling(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(rt, "limit")
		kind := rapid.SampledFrom([]CallKind{CallLLM, CallExternalAPI, CallDB}).Draw(rt, "kind")
		clock := newFakeClock()

		cfg := RateLimitConfig{LLMCallsPerMinute: limit, ExternalAPICallsPerMinute: limit, DBCallsPerMinute: limit}
		rl := NewRateLimiter(cfg, WithLimiterClock(clock.Now))

		for i := 0; i < limit; i++ {
			ok, reason := rl.CheckAndConsume("tenant", Call{Kind: kind})
			require.True(rt, ok, reason)
			clock.Advance(time.Duration(rapid.IntRange(0, 100).Draw(rt, "gapMs")) * time.Millisecond)
		}
		ok, reason := rl.CheckAndConsume("tenant", Call{Kind: kind})
		require.False(rt, ok)
		require.Contains(rt, reason, string(kind))

		// 窗口滑出后恢复
		clock.Advance(time.Minute)
		ok, _ = rl.CheckAndConsume("tenant", Call{Kind: kind})
		require.True(rt, ok)
	})
}

func TestRateLimiter_KindsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{LLMCallsPerMinute: 1, DBCallsPerMinute: 1})

	ok, _ := rl.CheckAndConsume("t", Call{Kind: CallLLM})
	require.True(t, ok)
	ok, _ = rl.CheckAndConsume("t", Call{Kind: CallLLM})
	assert.False(t, ok)

	ok, _ = rl.CheckAndConsume("t", Call{Kind: CallDB})
	assert.True(t, ok)
	// ExternalAPICallsPerMinute = 0 表示不限制
	for i := 0; i < 100; i++ {
		ok, _ = rl.CheckAndConsume("t", Call{Kind: CallExternalAPI})
		require.True(t, ok)
	}

	ok, reason := rl.CheckAndConsume("t", Call{Kind: "gpu"})
	assert.False(t, ok)
	assert.Contains(t, reason, "unknown call kind")
}

func TestRateLimiter_TokenWindows(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{TokensPerMinute: 100, TokensPerHour: 250}, WithLimiterClock(clock.Now))

	ok, _ := rl.CheckAndConsume("t", Call{Kind: CallLLM, Tokens: 100})
	require.True(t, ok)
	ok, reason := rl.CheckAndConsume("t", Call{Kind: CallLLM, Tokens: 1})
	assert.False(t, ok)
	assert.Contains(t, reason, "tokens per minute")

	clock.Advance(61 * time.Second)
	ok, _ = rl.CheckAndConsume("t", Call{Kind: CallLLM, Tokens: 100})
	require.True(t, ok)
	clock.Advance(61 * time.Second)
	ok, reason = rl.CheckAndConsume("t", Call{Kind: CallLLM, Tokens: 100})
	assert.False(t, ok)
	assert.Contains(t, reason, "tokens per hour")

	// 小时窗口按经过时间重置
	clock.Advance(time.Hour)
	ok, _ = rl.CheckAndConsume("t", Call{Kind: CallLLM, Tokens: 100})
	assert.True(t, ok)
}

func TestRateLimiter_CostWindows(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{CostPerHour: 5, CostPerDay: 8}, WithLimiterClock(clock.Now))

	ok, _ := rl.CheckAndConsume("t", Call{Kind: CallLLM, CostUSD: 5})
	require.True(t, ok)
	ok, reason := rl.CheckAndConsume("t", Call{Kind: CallLLM, CostUSD: 0.5})
	assert.False(t, ok)
	assert.Contains(t, reason, "cost per hour")

	clock.Advance(time.Hour)
	ok, _ = rl.CheckAndConsume("t", Call{Kind: CallLLM, CostUSD: 3})
	require.True(t, ok)

	clock.Advance(time.Hour)
	ok, reason = rl.CheckAndConsume("t", Call{Kind: CallLLM, CostUSD: 1})
	assert.False(t, ok)
	assert.Contains(t, reason, "cost per day")

	clock.Advance(24 * time.Hour)
	ok, _ = rl.CheckAndConsume("t", Call{Kind: CallLLM, CostUSD: 1})
	assert.True(t, ok)
}

func TestRateLimiter_RejectionConsumesNothing(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{LLMCallsPerMinute: 10, TokensPerMinute: 50})

	ok, _ := rl.CheckAndConsume("t", Call{Kind: CallLLM, Tokens: 40})
	require.True(t, ok)
	ok, _ = rl.CheckAndConsume("t", Call{Kind: CallLLM, Tokens: 20})
	require.False(t, ok)

	usage := rl.Usage("t")
	assert.Equal(t, 1, usage.CallsLastMinute[CallLLM])
	assert.Equal(t, 40, usage.TokensLastMinute)
}

func TestRateLimiter_TenantConfig(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{LLMCallsPerMinute: 1})

	assert.Equal(t, 1, rl.TenantConfig("a").LLMCallsPerMinute)
	rl.SetTenantConfig("b", RateLimitConfig{LLMCallsPerMinute: 3})

	for i := 0; i < 3; i++ {
		ok, _ := rl.CheckAndConsume("b", Call{Kind: CallLLM})
		require.True(t, ok)
	}
	ok, _ := rl.CheckAndConsume("a", Call{Kind: CallLLM})
	assert.True(t, ok, "tenants do not share counters")

	// 空租户归入 global
	ok, _ = rl.CheckAndConsume("", Call{Kind: CallLLM})
	require.True(t, ok)
	ok, _ = rl.CheckAndConsume(GlobalTenant, Call{Kind: CallLLM})
	assert.False(t, ok)
	assert.Equal(t, GlobalTenant, rl.Usage("").TenantID)
}

func TestRateLimiter_SetDefaultConfig(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{DBCallsPerMinute: 1})
	rl.SetTenantConfig("pinned", RateLimitConfig{DBCallsPerMinute: 2})
	assert.Equal(t, 1, rl.TenantConfig("old").DBCallsPerMinute)

	rl.SetDefaultConfig(RateLimitConfig{DBCallsPerMinute: 5})
	assert.Equal(t, 5, rl.TenantConfig("old").DBCallsPerMinute, "tenants without an override follow the defaults")
	assert.Equal(t, 2, rl.TenantConfig("pinned").DBCallsPerMinute)

	rl.ClearTenantConfig("pinned")
	assert.Equal(t, 5, rl.TenantConfig("pinned").DBCallsPerMinute)
}

func TestRateLimiter_ReadsDoNotCreateState(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())

	_ = rl.TenantConfig("visitor")
	usage := rl.Usage("visitor")
	rl.SetTenantConfig("configured", RateLimitConfig{LLMCallsPerMinute: 1})

	assert.Equal(t, 0, rl.Tenants())
	assert.Equal(t, "visitor", usage.TenantID)
	assert.Empty(t, usage.CallsLastMinute)
}

func TestRateLimiter_SweepDropsIdleEmptyTenants(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimitConfig{ExternalAPICallsPerMinute: 1, CostPerDay: 10}, WithLimiterClock(clock.Now))
	rl.SetTenantConfig("pinned", RateLimitConfig{ExternalAPICallsPerMinute: 1})

	for _, id := range []string{"a", "b", "pinned"} {
		ok, reason := rl.CheckAndConsume(id, Call{Kind: CallExternalAPI})
		require.True(t, ok, reason)
	}
	ok, _ := rl.CheckAndConsume("spender", Call{Kind: CallExternalAPI, CostUSD: 1})
	require.True(t, ok)
	require.Equal(t, 4, rl.Tenants())

	assert.Equal(t, 0, rl.Sweep(3*time.Minute), "nobody idle yet")

	clock.Advance(5 * time.Minute)
	ok, _ = rl.CheckAndConsume("b", Call{Kind: CallExternalAPI})
	require.True(t, ok)

	// a 与 pinned 空闲且窗口已清空；spender 仍有当日花费；b 刚调用过
	assert.Equal(t, 2, rl.Sweep(3*time.Minute))
	assert.Equal(t, 2, rl.Tenants())
	assert.InDelta(t, 1.0, rl.Usage("spender").CostToday, 1e-9)
	assert.Equal(t, 1, rl.TenantConfig("pinned").ExternalAPICallsPerMinute, "overrides survive a sweep")

	// 被清理的租户重新开始计数
	ok, _ = rl.CheckAndConsume("a", Call{Kind: CallExternalAPI})
	assert.True(t, ok)
}

func TestRateLimiter_ConcurrentAdmissionsNeverOvershoot(t *testing.T) {
	const limit = 25
	rl := NewRateLimiter(RateLimitConfig{ExternalAPICallsPerMinute: limit})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := rl.CheckAndConsume("shared", Call{Kind: CallExternalAPI}); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(limit), admitted.Load())
}
