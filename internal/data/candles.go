package data

import (
	"context"
	"log"
	"time"

	"bot-core/pkg/cache"
	"bot-core/pkg/deriv"
)

// BrokerClient is the slice of the broker API the candle service needs.
type BrokerClient interface {
	Candles(ctx context.Context, symbol string, granularity, count int) ([]deriv.Candle, error)
}

// CandleService fetches candle windows for strategy analysis through a
// shared TTL cache. Market data is account-independent, so many sessions
// can share one cache: fifty bots scanning R_10 in the same cycle cost one
// broker round-trip, not fifty.
type CandleService struct {
	client BrokerClient
	cache  *cache.ShardedCandleCache
	ttl    time.Duration
}

// NewCandleService wires a candle service over the given client. Pass a
// shared cache to pool windows across sessions; nil gets a private one.
// The ttl should sit below the scan interval so each cycle sees fresh data.
func NewCandleService(client BrokerClient, shared *cache.ShardedCandleCache, ttl time.Duration) *CandleService {
	if shared == nil {
		shared = cache.NewShardedCandleCache()
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CandleService{
		client: client,
		cache:  shared,
		ttl:    ttl,
	}
}

// Get returns the most recent count candles at the given granularity,
// serving from cache when the window is fresh enough and large enough.
// A failed refetch is returned as-is: analyzing stale candles would mean
// trading on prices that no longer exist.
func (s *CandleService) Get(ctx context.Context, symbol string, granularity, count int) ([]deriv.Candle, error) {
	key := cache.Key(symbol, granularity)

	if candles, age, ok := s.cache.GetWithAge(key); ok && age < s.ttl && len(candles) >= count {
		return candles[len(candles)-count:], nil
	}

	candles, err := s.client.Candles(ctx, symbol, granularity, count)
	if err != nil {
		log.Printf("[Data] ⚠️ candle fetch %s failed: %v", key, err)
		return nil, err
	}
	s.cache.Set(key, candles)

	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

// Latest returns the newest cached candle for the window, if any. It never
// hits the broker.
func (s *CandleService) Latest(symbol string, granularity int) (deriv.Candle, bool) {
	candles, ok := s.cache.Get(cache.Key(symbol, granularity))
	if !ok || len(candles) == 0 {
		return deriv.Candle{}, false
	}
	return candles[len(candles)-1], true
}

// Invalidate drops one cached window.
func (s *CandleService) Invalidate(symbol string, granularity int) {
	s.cache.Delete(cache.Key(symbol, granularity))
}

// CleanupOlderThan evicts windows past maxAge and reports how many went.
func (s *CandleService) CleanupOlderThan(maxAge time.Duration) int {
	return s.cache.Cleanup(maxAge)
}

// CacheStats exposes the underlying cache statistics for the metrics API.
func (s *CandleService) CacheStats() cache.CacheStats {
	return s.cache.Stats()
}
