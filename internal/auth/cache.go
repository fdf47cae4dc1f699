package auth

import (
	"sync"
	"time"

	"github.com/coordcore/coordinator/internal/clock"
)

// MemoryCache is the in-process positive cache, used when no Redis
// address is configured.
type MemoryCache struct {
	clock   clock.Clock
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	p       *Principal
	expires time.Time
}

func NewMemoryCache(clk clock.Clock) *MemoryCache {
	return &MemoryCache{clock: clk, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(token string) (*Principal, bool) {
	c.mu.RLock()
	e, ok := c.entries[token]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, token)
		c.mu.Unlock()
		return nil, false
	}
	return e.p, true
}

func (c *MemoryCache) Set(token string, p *Principal, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[token] = memoryEntry{p: p, expires: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(token string) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}
