package aggregator

import (
	"sync"
	"time"
)

// defaultTTL is the aggregated catalog's memoization window (§3 ToolCache).
const defaultTTL = 5 * time.Minute

// ttlCache memoizes the aggregated tool list for a bounded window. Adapted
// from the teacher's in-memory session cache (internal/session/cache.go) to
// the single (tools, cached_at) pair described by the spec's ToolCache --
// there is no external-store branch here since the broker keeps no durable
// or shared state (see DESIGN.md's dropped-dependency note on go-redis).
type ttlCache struct {
	ttl time.Duration

	mu       sync.RWMutex
	tools    []Tool
	cachedAt time.Time
	valid    bool
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl}
}

// get returns the cached tools if present and within TTL.
func (c *ttlCache) get() ([]Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid || time.Since(c.cachedAt) > c.ttl {
		return nil, false
	}
	return c.tools, true
}

func (c *ttlCache) set(tools []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
	c.cachedAt = time.Now()
	c.valid = true
}

// clear invalidates the cache, e.g. on downstream add/remove.
func (c *ttlCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}
