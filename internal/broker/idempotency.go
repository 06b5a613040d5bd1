package broker

import (
	"sync"
	"time"
)

// idempotencyEntry caches a created run for retry deduplication. Keyed by
// "<workspaceId>:<clientKey>".
type idempotencyEntry struct {
	runID       string
	fingerprint string
	createdAt   time.Time
}

type idempotencyTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
}

func newIdempotencyTable(ttl time.Duration) *idempotencyTable {
	return &idempotencyTable{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
	}
}

// lookup returns the cached entry when present and fresh. Stale entries are
// removed inline so a retry after expiry behaves like a first request.
func (t *idempotencyTable) lookup(key string) (idempotencyEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return idempotencyEntry{}, false
	}
	if time.Since(entry.createdAt) > t.ttl {
		delete(t.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, true
}

func (t *idempotencyTable) store(key, fingerprint, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = idempotencyEntry{
		runID:       runID,
		fingerprint: fingerprint,
		createdAt:   time.Now().UTC(),
	}
}

// expire removes entries older than the TTL and returns how many went.
func (t *idempotencyTable) expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, entry := range t.entries {
		if now.Sub(entry.createdAt) > t.ttl {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}
