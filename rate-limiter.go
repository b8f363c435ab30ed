package rdns

import (
	"expvar"
	"sync"
	"time"
)

// RateLimiter is a token-bucket admission gate. One instance backs a
// single configured rate-limit rule; the rule's matcher decides which
// queries are subject to it (see RuleSet/ActionRateLimit). Refill uses
// a continuous rate rather than fixed windows so bursts are smoothed
// rather than reset on window boundaries.
type RateLimiter struct {
	id string

	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // bucket capacity
	tokens     float64
	lastRefill time.Time

	metrics *RateLimiterMetrics
}

// RateLimiterMetrics exposes passed/blocked counters for a limiter instance.
type RateLimiterMetrics struct {
	passed  *expvar.Int
	blocked *expvar.Int
}

// NewRateLimiter returns a token-bucket limiter allowing up to rate
// queries per second, with burst capacity to absorb short spikes. A
// burst of 0 defaults to the rate itself (1 second of headroom).
func NewRateLimiter(id string, rate float64, burst float64) *RateLimiter {
	if burst <= 0 {
		burst = rate
	}
	return &RateLimiter{
		id:         id,
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
		metrics: &RateLimiterMetrics{
			passed:  getVarInt("ratelimit", id, "passed"),
			blocked: getVarInt("ratelimit", id, "blocked"),
		},
	}
}

// Check refills the bucket for elapsed time, then attempts to take one
// token. It returns true (allow) if a token was available, false
// (block) otherwise.
func (r *RateLimiter) Check() bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.rate
		if r.tokens > r.burst {
			r.tokens = r.burst
		}
		r.lastRefill = now
	}

	if r.tokens >= 1 {
		r.tokens--
		r.metrics.passed.Add(1)
		return true
	}
	r.metrics.blocked.Add(1)
	return false
}

func (r *RateLimiter) String() string {
	return r.id
}
