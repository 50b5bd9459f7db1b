package cache

import (
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
)

// Cache is the field-level response cache. Entries live until their TTL
// expires or the LRU bound evicts them; expired entries are evicted lazily on
// the next lookup, never by a background sweep. Safe for concurrent use.
type Cache struct {
	entries *lru.Cache
	now     func() time.Time
}

type entry struct {
	value   any
	expires time.Time
}

const DefaultSize = 4096

// New creates a cache bounded to size entries. size <= 0 uses DefaultSize.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	entries, _ := lru.New(size)
	return &Cache{entries: entries, now: time.Now}
}

// Get returns the cached value for key. A stale entry is evicted and
// reported as a miss; stale values are never returned.
func (c *Cache) Get(key uint64) (any, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(entry)
	if !c.now().Before(e.expires) {
		c.entries.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Put stores value under key for ttl. Non-positive ttl is ignored.
func (c *Cache) Put(key uint64, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.entries.Add(key, entry{value: value, expires: c.now().Add(ttl)})
}

// Len reports the number of resident entries, including not-yet-evicted
// stale ones.
func (c *Cache) Len() int { return c.entries.Len() }

// FieldKey derives the cache key for a field resolution: the field identity
// (type.field path), the resolved argument set, and a fingerprint of the
// resolved parent value.
func FieldKey(fieldIdentity string, args map[string]any, parent any) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(fieldIdentity)
	_, _ = d.WriteString("\x00")
	if len(args) > 0 {
		b, _ := json.Marshal(args)
		_, _ = d.Write(b)
	}
	_, _ = d.WriteString("\x00")
	if parent != nil {
		b, _ := json.Marshal(parent)
		_, _ = d.Write(b)
	}
	return d.Sum64()
}
