package cache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"bot-core/pkg/deriv"
)

const numShards = 16

// Key builds the cache key for one candle window.
func Key(symbol string, granularity int) string {
	return fmt.Sprintf("%s:%d", symbol, granularity)
}

// ShardedCandleCache holds recently fetched candle windows keyed by
// symbol and granularity. Sharding keeps lock contention low when many
// sessions scan the same cycle.
type ShardedCandleCache struct {
	shards [numShards]*candleShard
}

type candleShard struct {
	mu    sync.RWMutex
	items map[string]candleEntry
}

type candleEntry struct {
	candles   []deriv.Candle
	fetchedAt time.Time
}

// NewShardedCandleCache creates an empty cache.
func NewShardedCandleCache() *ShardedCandleCache {
	c := &ShardedCandleCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &candleShard{
			items: make(map[string]candleEntry),
		}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *ShardedCandleCache) getShard(key string) *candleShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a candle window. The slice is copied so later appends by the
// caller cannot corrupt the cache.
func (c *ShardedCandleCache) Set(key string, candles []deriv.Candle) {
	cp := make([]deriv.Candle, len(candles))
	copy(cp, candles)

	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = candleEntry{
		candles:   cp,
		fetchedAt: time.Now(),
	}
	shard.mu.Unlock()
}

// Get retrieves a candle window.
func (c *ShardedCandleCache) Get(key string) ([]deriv.Candle, bool) {
	candles, _, ok := c.GetWithAge(key)
	return candles, ok
}

// GetWithAge retrieves a candle window and how long ago it was fetched.
// The returned slice is a copy.
func (c *ShardedCandleCache) GetWithAge(key string) ([]deriv.Candle, time.Duration, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	cp := make([]deriv.Candle, len(entry.candles))
	copy(cp, entry.candles)
	return cp, time.Since(entry.fetchedAt), true
}

// Delete removes a key from the cache.
func (c *ShardedCandleCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Len returns total windows across all shards.
func (c *ShardedCandleCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Keys returns all cached keys, sorted.
func (c *ShardedCandleCache) Keys() []string {
	var keys []string
	for _, shard := range c.shards {
		shard.mu.RLock()
		for k := range shard.items {
			keys = append(keys, k)
		}
		shard.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Cleanup removes windows older than maxAge and reports how many went.
func (c *ShardedCandleCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if entry.fetchedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CleanupInvalid removes windows whose key is not in the valid set. Used
// when the configured symbol list shrinks.
func (c *ShardedCandleCache) CleanupInvalid(validKeys []string) int {
	valid := make(map[string]bool, len(validKeys))
	for _, k := range validKeys {
		valid[k] = true
	}

	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key := range shard.items {
			if !valid[key] {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedCandleCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.fetchedAt.Before(oldest) {
				oldest = entry.fetchedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
