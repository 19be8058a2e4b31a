package server

import (
	"sync"
	"time"
)

// RateLimiter tracks inbound message counts per connection over a sliding
// window.
type RateLimiter struct {
	mu     sync.Mutex
	counts map[string][]time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts: make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

// Allow checks whether a connection may process another message.
// Returns true if under limit, false if rate limited.
func (r *RateLimiter) Allow(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.counts[connID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.counts[connID] = recent
		return false
	}

	r.counts[connID] = append(recent, now)
	return true
}

// Reset clears the window for a connection (on close).
func (r *RateLimiter) Reset(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, connID)
}
