package registry

import (
	"sync"
	"time"
)

// maxCacheEntries bounds the digest response cache per spec §4.1's "≈1000
// entries" cache bound.
const maxCacheEntries = 1000

// DigestEntry is a cached manifest resolution for one {image, tag, platform}.
type DigestEntry struct {
	Digest     string
	Manifest   []byte
	Registry   string
	Repository string
	Tag        string
	expiresAt  time.Time
}

// DigestCache is a TTL-tiered cache of registry digest lookups, keyed
// "{image}:{tag}:{platform}". TTL is chosen by the shape of the tag: latest
// tags get a short TTL since they move often, pinned semver tags get a long
// TTL since they never move, floating major/minor tags get a medium TTL, and
// everything else gets the default bucket.
type DigestCache struct {
	mu      sync.Mutex
	entries map[string]DigestEntry

	// ttl buckets, refreshed from config on each write so tests (and live
	// config reloads) can adjust them without reconstructing the cache.
	ttlFn func() (latest, pinned, floating, def time.Duration)
}

// NewDigestCache creates a cache that consults ttlFn for its current TTL
// buckets on every write, mirroring config.Config.TTLBuckets.
func NewDigestCache(ttlFn func() (latest, pinned, floating, def time.Duration)) *DigestCache {
	return &DigestCache{
		entries: make(map[string]DigestEntry),
		ttlFn:   ttlFn,
	}
}

// cacheKey builds the "{image}:{tag}:{platform}" composite key.
func cacheKey(image, tag, platform string) string {
	return image + ":" + tag + ":" + platform
}

// Get returns the cached entry if present and unexpired.
func (c *DigestCache) Get(image, tag, platform string) (DigestEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(image, tag, platform)]
	if !ok || time.Now().After(e.expiresAt) {
		return DigestEntry{}, false
	}
	return e, true
}

// Put stores a resolution, choosing a TTL bucket by the tag's shape and
// evicting if the cache is at its bound.
func (c *DigestCache) Put(image, tag, platform string, e DigestEntry) {
	latest, pinned, floating, def := c.ttlFn()
	var ttl time.Duration
	switch classifyTagShape(tag) {
	case shapeLatest:
		ttl = latest
	case shapePinned:
		ttl = pinned
	case shapeFloating:
		ttl = floating
	default:
		ttl = def
	}
	e.expiresAt = time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[cacheKey(image, tag, platform)]; !exists && len(c.entries) >= maxCacheEntries {
		c.evictLocked()
	}
	c.entries[cacheKey(image, tag, platform)] = e
}

// evictLocked removes all expired entries first; if none were expired, it
// falls back to dropping the oldest 10% by expiry to make room.
func (c *DigestCache) evictLocked() {
	now := time.Now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		return
	}

	target := len(c.entries) / 10
	if target < 1 {
		target = 1
	}
	type kv struct {
		key string
		at  time.Time
	}
	oldest := make([]kv, 0, len(c.entries))
	for k, e := range c.entries {
		oldest = append(oldest, kv{k, e.expiresAt})
	}
	for i := 0; i < target && len(oldest) > 0; i++ {
		minIdx := 0
		for j := 1; j < len(oldest); j++ {
			if oldest[j].at.Before(oldest[minIdx].at) {
				minIdx = j
			}
		}
		delete(c.entries, oldest[minIdx].key)
		oldest = append(oldest[:minIdx], oldest[minIdx+1:]...)
	}
}

// Len reports the current entry count, exposed so tests can assert cache
// bounds and eviction behavior directly.
func (c *DigestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
