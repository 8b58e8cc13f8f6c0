package contextbuild

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

// Cache is a process-local, time-boxed context cache. Entries are replaced on
// write, never mutated in place; a stale entry is never served.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group

	// now is replaceable in tests.
	now func() time.Time
}

type cacheEntry struct {
	value  any
	expiry time.Time
}

func NewCache() *Cache {
	return &Cache{
		entries: map[string]cacheEntry{},
		now:     time.Now,
	}
}

// Get returns the cached value, or (nil, false) when absent or expired.
// Expired entries are discarded on read.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiry) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl removes the key.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = cacheEntry{value: value, expiry: c.now().Add(ttl)}
}

// GetOrBuild returns the cached value or builds it, caching the result for
// ttl. Concurrent builds for the same key are collapsed into one call.
func (c *Cache) GetOrBuild(key string, ttl time.Duration, build func() (any, error)) (any, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the entry between the
		// miss above and acquiring the flight.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := build()
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

// CacheKey derives a stable cache key namespaced per tenant and run, so one
// tenant's context can never be served to another.
func CacheKey(tenantID, runID, stepID string, cfg Config) string {
	h := blake3.New()
	for _, part := range []string{tenantID, runID, stepID} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	if b, err := json.Marshal(cfg); err == nil {
		_, _ = h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}
