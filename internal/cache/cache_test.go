package cache

import (
	"testing"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	"github.com/rs/zerolog"
)

func testResult(version int64) *aggregate.Result {
	return &aggregate.Result{
		Dataset: "gps_points",
		Version: version,
		Metric:  aggregate.Metric{Fn: aggregate.FnCount},
		Buckets: []aggregate.Bucket{{Key: []string{}, Value: 42}},
	}
}

func TestCacheGetPut(t *testing.T) {
	c, err := New(16, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, ok := c.Get(1, "k1"); ok {
		t.Error("expected miss on empty cache")
	}

	res := testResult(1)
	c.Put(1, "k1", res)

	got, ok := c.Get(1, "k1")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got != res {
		t.Error("cache returned a different result pointer")
	}

	// Same descriptor against a different version is a distinct entry.
	if _, ok := c.Get(2, "k1"); ok {
		t.Error("expected miss for different version")
	}
	if _, ok := c.Get(1, "k2"); ok {
		t.Error("expected miss for different descriptor")
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	c, _ := New(16, zerolog.Nop())
	c.Put(1, "a", testResult(1))
	c.Put(1, "b", testResult(1))
	c.Put(2, "a", testResult(2))

	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}

	c.InvalidateAll()

	if c.Len() != 0 {
		t.Errorf("len after invalidation = %d, want 0", c.Len())
	}
	for _, v := range []int64{1, 2} {
		if _, ok := c.Get(v, "a"); ok {
			t.Errorf("entry for version %d survived invalidation", v)
		}
	}
}

func TestCacheBoundedSize(t *testing.T) {
	c, _ := New(4, zerolog.Nop())
	for i := 0; i < 10; i++ {
		c.Put(1, string(rune('a'+i)), testResult(1))
	}
	if c.Len() > 4 {
		t.Errorf("len = %d, want <= 4 (LRU bound)", c.Len())
	}
	// Most recent entries survive.
	if _, ok := c.Get(1, "j"); !ok {
		t.Error("most recently added entry was evicted")
	}
}

func TestCacheStats(t *testing.T) {
	c, _ := New(16, zerolog.Nop())
	c.Put(1, "a", testResult(1))
	c.Get(1, "a")
	c.Get(1, "missing")
	c.InvalidateAll()

	stats := c.Stats()
	if stats["hits"].(int64) != 1 {
		t.Errorf("hits = %v, want 1", stats["hits"])
	}
	if stats["misses"].(int64) != 1 {
		t.Errorf("misses = %v, want 1", stats["misses"])
	}
	if stats["invalidations"].(int64) != 1 {
		t.Errorf("invalidations = %v, want 1", stats["invalidations"])
	}
}
