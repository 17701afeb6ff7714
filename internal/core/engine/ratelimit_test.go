package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
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

// Sleep advances the clock instead of blocking.
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func TestRateLimiterFractionalRefill(t *testing.T) {
	clock := newFakeClock()
	limiter := &RateLimiter{Rate: 0.2, Burst: 1, Clock: clock.Now}

	require.True(t, limiter.TryAcquire())
	require.False(t, limiter.TryAcquire())

	clock.Advance(4 * time.Second)
	require.False(t, limiter.TryAcquire())

	clock.Advance(time.Second)
	require.True(t, limiter.TryAcquire())
}

func TestRateLimiterBurstCapacity(t *testing.T) {
	clock := newFakeClock()
	limiter := &RateLimiter{Rate: 1, Burst: 3, Clock: clock.Now}

	for i := 0; i < 3; i++ {
		require.True(t, limiter.TryAcquire())
	}
	require.False(t, limiter.TryAcquire())

	// Long idle periods refill only up to the burst capacity.
	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		require.True(t, limiter.TryAcquire())
	}
	require.False(t, limiter.TryAcquire())
}

func TestRateLimiterAcquireWaitsForToken(t *testing.T) {
	clock := newFakeClock()
	limiter := &RateLimiter{Rate: 0.2, Burst: 1, Clock: clock.Now, Sleep: clock.Sleep}
	start := clock.Now()

	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.Acquire(context.Background()))
	}

	require.GreaterOrEqual(t, clock.Now().Sub(start), 15*time.Second)
}

func TestRateLimiterAcquireWallClock(t *testing.T) {
	limiter := NewRateLimiter(20, 1)
	start := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Acquire(context.Background()))
	}

	// n sequential acquires take at least (n-1)/r.
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond-5*time.Millisecond)
}

func TestRateLimiterAcquireCancelled(t *testing.T) {
	limiter := NewRateLimiter(0.01, 1)
	require.True(t, limiter.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiterTryAcquireTimeout(t *testing.T) {
	clock := newFakeClock()
	limiter := &RateLimiter{Rate: 0.2, Burst: 1, Clock: clock.Now, Sleep: clock.Sleep}

	require.True(t, limiter.TryAcquire())
	require.False(t, limiter.TryAcquireTimeout(context.Background(), time.Second))

	// The failed attempt must not have consumed the pending token.
	require.True(t, limiter.TryAcquireTimeout(context.Background(), 5*time.Second))
	require.False(t, limiter.TryAcquire())
}

func TestRateLimiterMargin(t *testing.T) {
	limiter := &RateLimiter{Rate: 1, Margin: 0.5}
	require.InDelta(t, 0.5, limiter.EffectiveRate(), 1e-9)

	limiter = &RateLimiter{Rate: 1, Margin: 2}
	require.InDelta(t, 1.0, limiter.EffectiveRate(), 1e-9)

	limiter = &RateLimiter{}
	require.InDelta(t, DefaultRequestRate, limiter.EffectiveRate(), 1e-9)
}

func TestRateLimiterNilSafe(t *testing.T) {
	var limiter *RateLimiter
	require.True(t, limiter.TryAcquire())
	require.NoError(t, limiter.Acquire(context.Background()))
	require.True(t, limiter.TryAcquireTimeout(context.Background(), time.Second))
}
