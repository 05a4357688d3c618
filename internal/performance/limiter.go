// Package performance provides the shared request budget and the worker pool
// used to fan symbols out across goroutines.
package performance

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. One instance is shared by every caller of a
// provider, so the budget holds across workers and retries.
type RateLimiter struct {
	perSecond float64
	capacity  float64
	now       func() time.Time

	mu         sync.Mutex
	available  float64
	lastRefill time.Time
	stats      LimiterStats
}

// LimiterStats counts how the budget was spent.
type LimiterStats struct {
	Granted   int64         `json:"granted"`
	Throttled int64         `json:"throttled"`
	Waited    time.Duration `json:"waited"`
}

// NewRateLimiter refills perSecond tokens per second up to burst. The bucket starts full.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	r := &RateLimiter{
		perSecond: perSecond,
		capacity:  float64(burst),
		available: float64(burst),
		now:       time.Now,
	}
	r.lastRefill = r.now()
	return r
}

// NewPerMinuteLimiter allows n requests per minute, the unit providers publish.
func NewPerMinuteLimiter(n, burst int) *RateLimiter {
	return NewRateLimiter(float64(n)/60, burst)
}

// refill must be called with mu held.
func (r *RateLimiter) refill() {
	now := r.now()
	if elapsed := now.Sub(r.lastRefill); elapsed > 0 {
		r.available = min(r.capacity, r.available+elapsed.Seconds()*r.perSecond)
		r.lastRefill = now
	}
}

// Allow takes a token if one is available right now.
func (r *RateLimiter) Allow() bool {
	return r.reserve() == 0
}

// reserve takes a token, or returns the time until the next one without taking it.
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.available >= 1 {
		r.available--
		r.stats.Granted++
		return 0
	}
	if r.perSecond <= 0 {
		return time.Minute
	}
	return max(time.Millisecond, time.Duration((1-r.available)/r.perSecond*float64(time.Second)))
}

// Wait blocks until a token is taken or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.Allow() {
		return nil
	}
	var waited time.Duration
	for {
		d := r.reserve()
		if d == 0 {
			if waited > 0 {
				r.mu.Lock()
				r.stats.Throttled++
				r.stats.Waited += waited
				r.mu.Unlock()
			}
			return nil
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			waited += d
		}
	}
}

// Tokens returns the tokens available now.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.available
}

// Stats returns the lifetime counters.
func (r *RateLimiter) Stats() LimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
