package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeCacheSkipsRepeatedGenerationID(t *testing.T) {
	c := newDedupeCache(time.Hour)
	key := dedupeKey{workspaceHash: "hash-1", generationID: "gen-1"}

	now := time.Now()
	assert.False(t, c.CheckAndMark(key, now), "first sighting must not be treated as a duplicate")
	assert.True(t, c.CheckAndMark(key, now.Add(time.Minute)), "second sighting within TTL must be a duplicate")
}

func TestDedupeCacheTreatsEmptyGenerationIDAsAlwaysNovel(t *testing.T) {
	c := newDedupeCache(time.Hour)
	key := dedupeKey{workspaceHash: "hash-1"}

	now := time.Now()
	assert.False(t, c.CheckAndMark(key, now))
	assert.False(t, c.CheckAndMark(key, now))
}

func TestDedupeCacheSweepRemovesExpiredEntries(t *testing.T) {
	c := newDedupeCache(time.Hour)
	key := dedupeKey{workspaceHash: "hash-1", generationID: "gen-1"}

	now := time.Now()
	c.CheckAndMark(key, now)

	removed := c.Sweep(now.Add(2 * time.Hour))
	assert.Equal(t, 1, removed)

	assert.False(t, c.CheckAndMark(key, now.Add(2*time.Hour)), "entry swept past TTL must be treated as novel again")
}
