package toolcache

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// keySep separates the tool name from the canonical argument hash in cache
// keys. It cannot appear in a tool name.
const keySep = "\x00"

// entry is a stored tool result plus its expiry stamp. Per-tool TTL
// overrides shorter than the cache default are enforced via the stamp; the
// LRU's own TTL is the backstop.
type entry struct {
	value    string
	storedAt time.Time
	expires  time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Entries     int     `json:"entries"`
	HitRate     float64 `json:"hit_rate"`
}

// Cache memoizes deterministic tool results with LRU eviction and TTL
// expiry. Only successful results are stored; failures never enter the
// cache.
type Cache struct {
	lru        *expirable.LRU[string, entry]
	defaultTTL time.Duration

	mu        sync.RWMutex
	overrides map[string]time.Duration // per-tool TTL, clamped to defaultTTL

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// New creates a Cache holding at most size entries with the given default TTL.
func New(size int, defaultTTL time.Duration) *Cache {
	c := &Cache{
		defaultTTL: defaultTTL,
		overrides:  make(map[string]time.Duration),
	}
	c.lru = expirable.NewLRU[string, entry](size, func(_ string, e entry) {
		if time.Now().After(e.expires) {
			c.expirations.Add(1)
		} else {
			c.evictions.Add(1)
		}
	}, defaultTTL)
	return c
}

// SetTTL registers a per-tool TTL override. Overrides longer than the cache
// default are clamped: the LRU backstop would expire them anyway.
func (c *Cache) SetTTL(toolName string, ttl time.Duration) {
	if ttl > c.defaultTTL {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.overrides[toolName] = ttl
	c.mu.Unlock()
}

// Key builds the canonical cache key for a tool invocation: the tool name
// plus the argument object re-marshalled with sorted keys and no whitespace.
// Returns false when the arguments are not a valid JSON value.
func Key(toolName string, args json.RawMessage) (string, bool) {
	canon, ok := canonicalJSON(args)
	if !ok {
		return "", false
	}
	return toolName + keySep + canon, true
}

// canonicalJSON normalizes a JSON value: object keys sorted, whitespace
// stripped. encoding/json sorts map keys on marshal, which does the work.
func canonicalJSON(raw json.RawMessage) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}", true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// Get returns the cached result for key if present and unexpired.
func (c *Cache) Get(key string) (string, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	if time.Now().After(e.expires) {
		// Shorter per-tool TTL elapsed before the LRU backstop.
		c.lru.Remove(key)
		c.expirations.Add(1)
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return e.value, true
}

// Put stores a successful tool result under key. The TTL is the per-tool
// override for toolName when registered, else the cache default.
func (c *Cache) Put(toolName, key, value string) {
	ttl := c.defaultTTL
	c.mu.RLock()
	if o, ok := c.overrides[toolName]; ok {
		ttl = o
	}
	c.mu.RUnlock()

	now := time.Now()
	c.lru.Add(key, entry{value: value, storedAt: now, expires: now.Add(ttl)})
}

// Invalidate removes all entries for the tool namespace, or a single entry
// when key is given.
func (c *Cache) Invalidate(toolName string, key ...string) int {
	if len(key) > 0 {
		n := 0
		for _, k := range key {
			if c.lru.Remove(k) {
				n++
			}
		}
		return n
	}
	prefix := toolName + keySep
	n := 0
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			if c.lru.Remove(k) {
				n++
			}
		}
	}
	return n
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Entries:     c.lru.Len(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Purge drops every entry (test and reload support).
func (c *Cache) Purge() {
	c.lru.Purge()
}
