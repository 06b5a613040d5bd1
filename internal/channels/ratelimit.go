package channels

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys so rotating
// source keys cannot exhaust memory.
const maxTrackedKeys = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter applies a fixed-window per-key limit on webhook
// ingress. Safe for concurrent use.
type WebhookRateLimiter struct {
	window  time.Duration
	maxHits int

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewWebhookRateLimiter limits each key to maxPerMinute requests within a
// one-minute window.
func NewWebhookRateLimiter(maxPerMinute int) *WebhookRateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 30
	}
	return &WebhookRateLimiter{
		window:  time.Minute,
		maxHits: maxPerMinute,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow reports whether the key is within its limit, counting the request.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// Prune stale entries when at the cap; hard-evict if pruning was not
	// enough.
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
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
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
