package ingress

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps tracked rate-limit keys so rotating source IPs
	// cannot exhaust memory.
	maxTrackedKeys = 4096

	rateLimitWindow  = 60 * time.Second
	rateLimitMaxHits = 120
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter bounds per-source request rates on the webhook endpoint.
// Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewRateLimiter creates a bounded webhook rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]*rateLimitEntry)}
}

// Allow returns true if the key is within rate limits. Stale entries are
// pruned as the cap approaches.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= rateLimitMaxHits
}
