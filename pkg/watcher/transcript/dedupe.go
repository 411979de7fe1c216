package transcript

import (
	"sync"
	"time"
)

// dedupeKey identifies a previously emitted generation for dedup purposes
// (spec §5: "Deduplication cache (transcript watcher): ... per-(workspace_hash,
// generation_id) key"). A session's main transcript and its agent files can
// both surface the same tool-use generation; this cache prevents re-emitting
// it twice.
type dedupeKey struct {
	workspaceHash string
	generationID  string
}

// dedupeCache is a bounded, TTL-swept set of recently seen dedupeKeys.
type dedupeCache struct {
	mu     sync.Mutex
	seenAt map[dedupeKey]time.Time
	ttl    time.Duration
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	return &dedupeCache{
		seenAt: make(map[dedupeKey]time.Time),
		ttl:    ttl,
	}
}

// CheckAndMark returns true if key was already seen within the TTL window
// (the caller should skip emitting), recording it as seen either way.
func (c *dedupeCache) CheckAndMark(key dedupeKey, now time.Time) bool {
	if key.generationID == "" {
		// Nothing to dedup against; every line without a generation id is
		// treated as novel.
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.seenAt[key]
	c.seenAt[key] = now
	return ok && now.Sub(last) < c.ttl
}

// Sweep drops entries older than the TTL, bounding memory growth over a
// long-running watcher (spec §5).
func (c *dedupeCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, seenAt := range c.seenAt {
		if now.Sub(seenAt) >= c.ttl {
			delete(c.seenAt, k)
			removed++
		}
	}
	return removed
}
