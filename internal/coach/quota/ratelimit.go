// Package quota limits how much chat each owner can use: a sliding window
// on requests and a daily allowance of estimated tokens.
package quota

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the number of chat requests allowed per owner per
	// window when no explicit limit is configured.
	DefaultRateLimit = 20

	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-owner sliding-window request limit. It keeps
// the request timestamps inside the window and prunes stale ones on each
// call. Safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string][]time.Time
}

// NewRateLimiter allows at most limit requests per owner within window.
// Non-positive values fall back to 20 per minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// Allow records a request for ownerID and reports whether it is within the
// limit. Rejected requests are not recorded.
func (r *RateLimiter) Allow(ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(ownerID, now)
	if len(valid) >= r.limit {
		return false
	}
	r.counters[ownerID] = append(valid, now)
	return true
}

// Remaining returns how many more requests ownerID may make now.
func (r *RateLimiter) Remaining(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return max(r.limit-len(r.prune(ownerID, r.now())), 0)
}

// prune drops timestamps outside the window. Must be called with r.mu held.
func (r *RateLimiter) prune(ownerID string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.counters[ownerID]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.counters, ownerID)
		return nil
	}
	r.counters[ownerID] = valid
	return valid
}
