package cache

import (
	"fmt"
	"testing"
	"time"

	"bot-core/pkg/deriv"
)

func window(n int) []deriv.Candle {
	out := make([]deriv.Candle, n)
	for i := range out {
		out[i] = deriv.Candle{Epoch: int64(i * 60), Close: float64(100 + i)}
	}
	return out
}

func TestSetGetRoundTrip(t *testing.T) {
	c := NewShardedCandleCache()
	key := Key("R_10", 60)
	c.Set(key, window(5))

	got, ok := c.Get(key)
	if !ok || len(got) != 5 || got[4].Close != 104 {
		t.Fatalf("Get = %v candles ok=%v", len(got), ok)
	}

	if _, ok := c.Get(Key("R_10", 120)); ok {
		t.Error("different granularity must be a different key")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := NewShardedCandleCache()
	key := Key("R_10", 60)
	src := window(3)
	c.Set(key, src)

	src[0].Close = -1
	got, _ := c.Get(key)
	if got[0].Close == -1 {
		t.Error("Set must copy the caller's slice")
	}

	got[1].Close = -2
	again, _ := c.Get(key)
	if again[1].Close == -2 {
		t.Error("Get must hand out a copy")
	}
}

func TestGetWithAge(t *testing.T) {
	c := NewShardedCandleCache()
	key := Key("R_25", 60)
	c.Set(key, window(1))

	_, age, ok := c.GetWithAge(key)
	if !ok {
		t.Fatal("miss on fresh entry")
	}
	if age < 0 || age > time.Second {
		t.Errorf("age = %v", age)
	}

	if _, _, ok := c.GetWithAge(Key("R_50", 60)); ok {
		t.Error("hit on absent key")
	}
}

func TestCleanupEvictsOldWindows(t *testing.T) {
	c := NewShardedCandleCache()
	c.Set(Key("R_10", 60), window(1))
	c.Set(Key("R_25", 60), window(1))

	time.Sleep(15 * time.Millisecond)
	c.Set(Key("R_50", 60), window(1))

	removed := c.Cleanup(10 * time.Millisecond)
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if _, ok := c.Get(Key("R_50", 60)); !ok {
		t.Error("fresh window was evicted")
	}
}

func TestCleanupInvalidKeepsConfiguredSymbols(t *testing.T) {
	c := NewShardedCandleCache()
	c.Set(Key("R_10", 60), window(1))
	c.Set(Key("R_25", 60), window(1))
	c.Set(Key("R_100", 60), window(1))

	removed := c.CleanupInvalid([]string{Key("R_10", 60)})
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	keys := c.Keys()
	if len(keys) != 1 || keys[0] != "R_10:60" {
		t.Errorf("keys = %v", keys)
	}
}

func TestStatsAcrossShards(t *testing.T) {
	c := NewShardedCandleCache()
	for i := 0; i < 40; i++ {
		c.Set(Key(fmt.Sprintf("R_%d", i), 60), window(1))
	}

	stats := c.Stats()
	if stats.TotalItems != 40 {
		t.Errorf("TotalItems = %d, want 40", stats.TotalItems)
	}
	sum := 0
	for _, n := range stats.ShardCounts {
		sum += n
	}
	if sum != 40 {
		t.Errorf("shard counts sum to %d", sum)
	}
	if stats.OldestAge < 0 {
		t.Errorf("OldestAge = %v", stats.OldestAge)
	}
}
