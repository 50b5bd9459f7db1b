package plan

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize bounds the number of compiled plans kept per config
// snapshot.
const DefaultCacheSize = 512

// Cache stores compiled plans keyed by operation shape. A cache belongs to
// one config snapshot; reload replaces the whole cache, so stale plans never
// outlive their configuration.
type Cache struct {
	plans *lru.Cache
}

func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	plans, _ := lru.New(size)
	return &Cache{plans: plans}
}

// ShapeKey derives the cache key for an operation. The raw query text is
// hashed, so syntactically identical operations share a plan while literal
// argument changes compile fresh.
func ShapeKey(query, operationName string) uint64 {
	h := xxhash.New()
	h.WriteString(query)
	h.WriteString("\x00")
	h.WriteString(operationName)
	return h.Sum64()
}

func (c *Cache) Get(query, operationName string) (*Plan, bool) {
	v, ok := c.plans.Get(ShapeKey(query, operationName))
	if !ok {
		return nil, false
	}
	return v.(*Plan), true
}

func (c *Cache) Add(query, operationName string, p *Plan) {
	p.ShapeKey = ShapeKey(query, operationName)
	c.plans.Add(p.ShapeKey, p)
}

// Purge drops every cached plan. Called on config reload.
func (c *Cache) Purge() { c.plans.Purge() }
