package github

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeRateLimitsProperties(t *testing.T) {
	reset := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	observations := []RateLimit{
		{},
		{Limit: 5000, Remaining: 4000, ResetAt: reset},
		{Limit: 5000, Remaining: 3500, ResetAt: reset},
		{Limit: 4000, Remaining: 3900, ResetAt: reset},
		{Limit: 5000, Remaining: 4999, ResetAt: reset.Add(time.Hour)},
		{Limit: 5000, Remaining: 10, ResetAt: reset.Add(-time.Hour)},
	}

	for _, a := range observations {
		assert.Equal(t, a, MergeRateLimits(a, a), "idempotent")
		for _, b := range observations {
			ab := MergeRateLimits(a, b)
			assert.Equal(t, ab, MergeRateLimits(b, a), "commutative")
			if !a.IsZero() && !b.IsZero() && a.ResetAt.Equal(b.ResetAt) {
				assert.LessOrEqual(t, ab.Remaining, min(a.Remaining, b.Remaining))
			}
		}
	}
}

func TestMergeRateLimitsLaterWindowWins(t *testing.T) {
	reset := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	old := RateLimit{Limit: 5000, Remaining: 3, ResetAt: reset}
	fresh := RateLimit{Limit: 5000, Remaining: 4999, ResetAt: reset.Add(time.Hour)}

	assert.Equal(t, fresh, MergeRateLimits(old, fresh))
	assert.Equal(t, old, MergeRateLimits(old, RateLimit{}))
}

func TestIsExhaustedAtReserveFloor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(30 * time.Minute)

	atFloor := RateLimit{Limit: 5000, Remaining: DefaultRateLimitReserve, ResetAt: reset}
	aboveFloor := RateLimit{Limit: 5000, Remaining: DefaultRateLimitReserve + 1, ResetAt: reset}

	assert.True(t, atFloor.IsExhausted(DefaultRateLimitReserve, now))
	assert.False(t, aboveFloor.IsExhausted(DefaultRateLimitReserve, now))
	assert.False(t, atFloor.IsExhausted(DefaultRateLimitReserve, reset), "window reset")
	assert.False(t, RateLimit{}.IsExhausted(DefaultRateLimitReserve, now), "never observed")
}

func TestRateLimitTrackerConcurrentObserve(t *testing.T) {
	reset := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewRateLimitTracker(RateLimit{})

	var wg sync.WaitGroup
	for remaining := 1000; remaining < 1100; remaining++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Observe(RateLimit{Limit: 5000, Remaining: remaining, ResetAt: reset})
		}()
	}
	wg.Wait()

	got := tracker.Snapshot()
	require.Equal(t, 1000, got.Remaining)
	require.Equal(t, reset, got.ResetAt)
}
