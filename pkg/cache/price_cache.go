// Package cache provides a sharded mark-price cache. Sharding keeps the
// websocket writer and the control-loop readers off the same lock when many
// symbols stream at once.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache stores the latest mark price per symbol with its update time.
type PriceCache struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *PriceCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the latest price for a symbol.
func (c *PriceCache) Set(symbol string, price float64) {
	s := c.shardFor(symbol)
	s.mu.Lock()
	s.items[symbol] = entry{price: price, updatedAt: time.Now()}
	s.mu.Unlock()
}

// GetFresh returns the price only when it is younger than maxAge. A stale or
// missing entry returns false so the caller can fall back to REST.
func (c *PriceCache) GetFresh(symbol string, maxAge time.Duration) (float64, bool) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	e, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok || time.Since(e.updatedAt) > maxAge {
		return 0, false
	}
	return e.price, true
}

// Len returns total entries across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup drops entries older than maxAge and reports how many were removed.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
