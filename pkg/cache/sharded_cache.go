package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedTTLCache is a concurrency-friendly cache for short-lived snapshots
// (shared analysis results, batched agent configuration rows). Entries expire
// after a per-cache TTL and can be invalidated explicitly.
type ShardedTTLCache struct {
	shards [numShards]*shard
	ttl    time.Duration
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     any
	updatedAt time.Time
}

// NewShardedTTLCache creates a cache whose entries expire after ttl.
func NewShardedTTLCache(ttl time.Duration) *ShardedTTLCache {
	c := &ShardedTTLCache{ttl: ttl}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *ShardedTTLCache) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value under key.
func (c *ShardedTTLCache) Set(key string, value any) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, updatedAt: time.Now()}
	s.mu.Unlock()
}

// Get retrieves a live value; expired entries report a miss.
func (c *ShardedTTLCache) Get(key string) (any, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.updatedAt) > c.ttl {
		return nil, false
	}
	return e.value, true
}

// Invalidate removes a key immediately.
func (c *ShardedTTLCache) Invalidate(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total live and expired items across all shards.
func (c *ShardedTTLCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than the TTL and returns how many went.
func (c *ShardedTTLCache) Cleanup() int {
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	cutoff := time.Now().Add(-c.ttl)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
