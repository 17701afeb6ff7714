package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultRequestRate is the steady-state upstream request rate (one request every five seconds).
const DefaultRequestRate = 0.2

// RateLimiter is a continuous-refill token bucket gating outbound upstream requests.
// Tokens available at time T are min(Burst, tokens + rate*(T - last)).
type RateLimiter struct {
	// Rate is the steady-state request rate in requests per second. Fractional rates are allowed.
	Rate float64
	// Burst is the bucket capacity. Values below 1 are treated as 1.
	Burst int
	// Margin scales Rate by a ratio in (0, 1] to stay under the upstream's tolerance.
	Margin float64
	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *logging.Logger

	once    sync.Once
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter for the given rate and burst.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{Rate: requestsPerSecond, Burst: burst}
}

// Acquire blocks until a token is available and consumes it.
// It returns the context error if ctx ends first; the token is then returned to the bucket.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := r.now()
	reservation := r.bucket().ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	if delay > 100*time.Millisecond {
		r.debug("waiting for rate limit token", zap.Duration("wait", delay))
	}

	if err := r.sleep(ctx, delay); err != nil {
		reservation.CancelAt(r.now())
		return err
	}
	return nil
}

// TryAcquire consumes a token only if one is immediately available.
func (r *RateLimiter) TryAcquire() bool {
	if r == nil {
		return true
	}
	return r.bucket().AllowN(r.now(), 1)
}

// TryAcquireTimeout waits up to timeout for a token. It returns false without consuming
// anything when no token can be obtained within timeout or ctx ends first.
func (r *RateLimiter) TryAcquireTimeout(ctx context.Context, timeout time.Duration) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := r.now()
	reservation := r.bucket().ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return true
	}
	if delay > timeout {
		reservation.CancelAt(now)
		return false
	}
	if err := r.sleep(ctx, delay); err != nil {
		reservation.CancelAt(r.now())
		return false
	}
	return true
}

// EffectiveRate returns the configured rate after the safety margin is applied.
func (r *RateLimiter) EffectiveRate() float64 {
	if r == nil {
		return 0
	}
	requestRate := r.Rate
	if requestRate <= 0 {
		requestRate = DefaultRequestRate
	}
	if r.Margin > 0 && r.Margin <= 1 {
		requestRate *= r.Margin
	}
	return requestRate
}

func (r *RateLimiter) bucket() *rate.Limiter {
	r.once.Do(func() {
		burst := r.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(r.EffectiveRate()), burst)
	})
	return r.limiter
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (r *RateLimiter) debug(msg string, fields ...zap.Field) {
	if r.Logger != nil {
		r.Logger.Debug(msg, fields...)
	}
}

// sleepContext waits for d or until ctx ends, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
