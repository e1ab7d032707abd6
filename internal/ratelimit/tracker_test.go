package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryConsumeWithinLimit(t *testing.T) {
	tr := New(zerolog.Nop())

	for i := 0; i < 5; i++ {
		allowed, _ := tr.TryConsume("user:abc", "identity", 5, time.Hour)
		require.True(t, allowed, "request %d should be admitted", i)
	}

	allowed, retryAfter := tr.TryConsume("user:abc", "identity", 5, time.Hour)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Hour)
}

func TestScopesAreIndependent(t *testing.T) {
	tr := New(zerolog.Nop())

	allowed, _ := tr.TryConsume("10.0.0.1", "ip", 1, time.Hour)
	require.True(t, allowed)
	allowed, _ = tr.TryConsume("10.0.0.1", "ip", 1, time.Hour)
	require.False(t, allowed)

	// Same identity string under a different scope has its own budget.
	allowed, _ = tr.TryConsume("10.0.0.1", "identity", 1, time.Hour)
	assert.True(t, allowed)
}

func TestWindowRollover(t *testing.T) {
	tr := New(zerolog.Nop())

	allowed, _ := tr.TryConsume("user:abc", "identity", 1, 20*time.Millisecond)
	require.True(t, allowed)
	allowed, _ = tr.TryConsume("user:abc", "identity", 1, 20*time.Millisecond)
	require.False(t, allowed)

	time.Sleep(30 * time.Millisecond)

	allowed, _ = tr.TryConsume("user:abc", "identity", 1, 20*time.Millisecond)
	assert.True(t, allowed, "budget must reset when the window rolls over")
}

// With N concurrent requests against a budget of K, exactly K are admitted.
func TestConcurrentAdmissionIsExact(t *testing.T) {
	tr := New(zerolog.Nop())

	const n = 100
	const limit = 17

	var admitted int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if allowed, _ := tr.TryConsume("user:abc", "identity", limit, time.Hour); allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted)
}

func TestRemaining(t *testing.T) {
	tr := New(zerolog.Nop())

	assert.Equal(t, 10, tr.Remaining("user:abc", "identity", 10, time.Hour))

	tr.TryConsume("user:abc", "identity", 10, time.Hour)
	tr.TryConsume("user:abc", "identity", 10, time.Hour)
	tr.TryConsume("user:abc", "identity", 10, time.Hour)

	assert.Equal(t, 7, tr.Remaining("user:abc", "identity", 10, time.Hour))
}

func TestReset(t *testing.T) {
	tr := New(zerolog.Nop())

	allowed, _ := tr.TryConsume("user:abc", "identity", 1, time.Hour)
	require.True(t, allowed)
	allowed, _ = tr.TryConsume("user:abc", "identity", 1, time.Hour)
	require.False(t, allowed)

	tr.Reset("user:abc", "identity")

	allowed, _ = tr.TryConsume("user:abc", "identity", 1, time.Hour)
	assert.True(t, allowed)
}

func TestSweepRemovesIdleWindows(t *testing.T) {
	tr := New(zerolog.Nop())

	tr.TryConsume("user:abc", "identity", 10, time.Hour)
	tr.TryConsume("user:def", "identity", 10, time.Hour)

	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 0, tr.Sweep(time.Hour))
	assert.Equal(t, 2, tr.Sweep(time.Millisecond))
}

func TestTryConsumeAllIsAllOrNothing(t *testing.T) {
	tr := New(zerolog.Nop())
	budgets := []Budget{
		{Identity: "user:abc", Scope: "identity", Limit: 5, Window: time.Hour},
		{Identity: "10.0.0.1", Scope: "ip", Limit: 1, Window: time.Hour},
	}

	allowed, _ := tr.TryConsumeAll(budgets)
	require.True(t, allowed)

	allowed, retryAfter := tr.TryConsumeAll(budgets)
	require.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	// The denied call consumed nothing from the identity budget.
	assert.Equal(t, 4, tr.Remaining("user:abc", "identity", 5, time.Hour))
}

func TestTryConsumeAllSkipsUnboundedBudgets(t *testing.T) {
	tr := New(zerolog.Nop())
	budgets := []Budget{
		{Identity: "user:abc", Scope: "identity", Limit: 1, Window: time.Hour},
		{Identity: "10.0.0.1", Scope: "ip", Limit: 0, Window: time.Hour},
	}

	allowed, _ := tr.TryConsumeAll(budgets)
	require.True(t, allowed)
	allowed, _ = tr.TryConsumeAll(budgets)
	assert.False(t, allowed, "only the bounded budget gates admission")
}
