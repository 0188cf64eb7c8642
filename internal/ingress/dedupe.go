package ingress

import (
	"sync"
	"time"
)

// ReservationCache is the edge dedupe layer: a dedupe key is reserved before
// dispatch and released if dispatch fails, so a retried delivery gets a
// second chance. Bounded and TTL'd.
type ReservationCache struct {
	ttl     time.Duration
	maxKeys int

	mu       sync.Mutex
	reserved map[string]time.Time
}

// NewReservationCache builds a cache with the given retention window.
func NewReservationCache(ttl time.Duration) *ReservationCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ReservationCache{ttl: ttl, maxKeys: 65536, reserved: make(map[string]time.Time)}
}

// Reserve claims a key. Returns false when the key is already held within
// the TTL window.
func (c *ReservationCache) Reserve(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.reserved[key]; ok && now.Sub(at) < c.ttl {
		return false
	}

	if len(c.reserved) >= c.maxKeys {
		for k, at := range c.reserved {
			if now.Sub(at) >= c.ttl {
				delete(c.reserved, k)
			}
		}
		for len(c.reserved) >= c.maxKeys {
			for k := range c.reserved {
				delete(c.reserved, k)
				break
			}
		}
	}

	c.reserved[key] = now
	return true
}

// Release frees a reserved key after a failed dispatch.
func (c *ReservationCache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reserved, key)
}
