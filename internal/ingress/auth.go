package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Auth header names for the HMAC mode.
const (
	HeaderTimestamp = "x-brewva-timestamp"
	HeaderNonce     = "x-brewva-nonce"
	HeaderSignature = "x-brewva-signature"
)

// Signature computes the hex HMAC-SHA256 over the canonical input
// "<timestamp>.<nonce>.<body>". Workers signing webhook posts must produce
// the identical string bit-for-bit.
func Signature(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type authenticator struct {
	mode        string // "bearer", "hmac", "both"
	bearerToken string
	hmacSecret  string
	maxSkew     time.Duration // 0 = skew check disabled
	nonces      *nonceCache
}

// authenticate validates a request per the configured mode. A non-nil error
// carries the reason sent back in the 401 body.
func (a *authenticator) authenticate(r *http.Request, body []byte) error {
	switch a.mode {
	case "bearer":
		return a.checkBearer(r)
	case "hmac":
		return a.checkHMAC(r, body)
	case "both":
		if err := a.checkBearer(r); err != nil {
			return err
		}
		return a.checkHMAC(r, body)
	default:
		return fmt.Errorf("unknown auth mode")
	}
}

func (a *authenticator) checkBearer(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return fmt.Errorf("missing bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) != 1 {
		return fmt.Errorf("invalid bearer token")
	}
	return nil
}

func (a *authenticator) checkHMAC(r *http.Request, body []byte) error {
	timestamp := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	signature := r.Header.Get(HeaderSignature)
	if timestamp == "" || nonce == "" || signature == "" {
		return fmt.Errorf("missing signature headers")
	}

	if a.maxSkew > 0 {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed timestamp")
		}
		skew := time.Since(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > a.maxSkew {
			return fmt.Errorf("timestamp outside allowed skew")
		}
	}

	want := Signature(a.hmacSecret, timestamp, nonce, body)
	if !hmac.Equal([]byte(signature), []byte(want)) {
		return fmt.Errorf("signature mismatch")
	}

	// Nonce check runs after the signature so attackers cannot poison the
	// cache with unauthenticated requests.
	if !a.nonces.observe(nonce) {
		return fmt.Errorf("replayed nonce")
	}
	return nil
}

// nonceCache remembers nonces for a TTL window. Bounded to keep memory flat
// under rotating-nonce floods.
type nonceCache struct {
	ttl     time.Duration
	maxKeys int

	mu   sync.Mutex
	seen map[string]time.Time
}

func newNonceCache(ttl time.Duration) *nonceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &nonceCache{ttl: ttl, maxKeys: 65536, seen: make(map[string]time.Time)}
}

// observe records a nonce, returning false when it was already seen within
// the TTL window.
func (c *nonceCache) observe(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if at, ok := c.seen[nonce]; ok && now.Sub(at) < c.ttl {
		return false
	}

	if len(c.seen) >= c.maxKeys {
		for k, at := range c.seen {
			if now.Sub(at) >= c.ttl {
				delete(c.seen, k)
			}
		}
		for len(c.seen) >= c.maxKeys {
			for k := range c.seen {
				delete(c.seen, k)
				break
			}
		}
	}

	c.seen[nonce] = now
	return true
}
