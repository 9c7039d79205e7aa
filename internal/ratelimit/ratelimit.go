// Package ratelimit implements the premium rate-limit tier named in
// spec §6 but deliberately kept separate from internal/pool's
// admission control (spec §9's Open Question resolution): this is a
// local, per-instance token bucket keyed by user id, not a
// distributed slot count.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per user, sized by whether that user
// carries the X-Premium-User header.
type Limiter struct {
	defaultPerMinute int
	premiumPerMinute int
	burst            int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a Limiter. Rates are requests per minute; burst caps the
// token bucket size for both tiers.
func New(defaultPerMinute, premiumPerMinute, burst int) *Limiter {
	return &Limiter{
		defaultPerMinute: defaultPerMinute,
		premiumPerMinute: premiumPerMinute,
		burst:            burst,
		buckets:          make(map[string]*rate.Limiter),
	}
}

// Allow reports whether userID may make a request right now, under its
// tier's rate. A bucket is created lazily on first use and reused for
// the lifetime of the process.
func (l *Limiter) Allow(userID string, premium bool) bool {
	l.mu.Lock()
	b, ok := l.buckets[userID]
	if !ok {
		perMinute := l.defaultPerMinute
		if premium {
			perMinute = l.premiumPerMinute
		}
		b = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), l.burst)
		l.buckets[userID] = b
	}
	l.mu.Unlock()

	return b.Allow()
}
