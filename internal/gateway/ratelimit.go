package gateway

import (
	"sync"
	"time"
)

// rateLimiter applies a per-integration token bucket to webhook
// ingress. Each integration gets its own bucket so one noisy platform
// cannot starve the others.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	limit   int // tokens per minute, 0 disables limiting
}

type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*tokenBucket),
		limit:   perMinute,
	}
}

func (rl *rateLimiter) setLimit(perMinute int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if perMinute != rl.limit {
		rl.limit = perMinute
		// Buckets carry the old capacity; start fresh.
		rl.buckets = make(map[string]*tokenBucket)
	}
}

// allow consumes one token for the key, refilling by elapsed time.
func (rl *rateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return true
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{
			tokens:     float64(rl.limit),
			capacity:   float64(rl.limit),
			refillRate: float64(rl.limit) / 60.0,
			lastRefill: now,
		}
		rl.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
