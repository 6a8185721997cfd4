// Package ratelimit applies per-(group, tool) token buckets to tool
// invocations.
package ratelimit

import (
	"math"
	"sync"

	"golang.org/x/time/rate"
)

type key struct {
	group string
	tool  string
}

// Limiter hands out tokens per (group, tool) pair. Buckets are created
// lazily on first use and start full.
type Limiter struct {
	perMinute int
	burst     int

	mu      sync.Mutex
	buckets map[key]*rate.Limiter
}

// New creates a limiter with the given refill rate and burst size.
// Non-positive values disable limiting.
func New(requestsPerMinute, burstSize int) *Limiter {
	return &Limiter{
		perMinute: requestsPerMinute,
		burst:     burstSize,
		buckets:   make(map[key]*rate.Limiter),
	}
}

// Allow consumes one token for the pair. When the bucket is empty it
// returns false and the number of whole seconds until the next token
// becomes available (at least 1).
func (l *Limiter) Allow(group, tool string) (retryAfter int64, ok bool) {
	if l.perMinute <= 0 || l.burst <= 0 {
		return 0, true
	}

	l.mu.Lock()
	bucket, exists := l.buckets[key{group, tool}]
	if !exists {
		bucket = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)
		l.buckets[key{group, tool}] = bucket
	}
	l.mu.Unlock()

	reservation := bucket.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return 0, true
	}
	reservation.Cancel()

	seconds := int64(math.Ceil(delay.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds, false
}
