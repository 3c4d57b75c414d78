// Package cache memoizes aggregate results keyed by (dataset version,
// descriptor). Entries never go stale within a version because versions
// are immutable; a reload invalidates the whole cache, which is the
// simplest policy that can never serve a prior version's data.
package cache

import (
	"sync/atomic"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultMaxEntries bounds cache memory within a version.
const DefaultMaxEntries = 4096

type key struct {
	version int64
	desc    string
}

// Cache is a bounded LRU of aggregate results.
type Cache struct {
	lru    *lru.Cache[key, *aggregate.Result]
	logger zerolog.Logger

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

// New creates a result cache holding up to maxEntries results.
func New(maxEntries int, logger zerolog.Logger) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	l, err := lru.New[key, *aggregate.Result](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		lru:    l,
		logger: logger.With().Str("component", "result-cache").Logger(),
	}, nil
}

// Get returns the cached result for (version, descriptor key), if any.
func (c *Cache) Get(version int64, descKey string) (*aggregate.Result, bool) {
	res, ok := c.lru.Get(key{version: version, desc: descKey})
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return res, true
}

// Put stores a result for (version, descriptor key).
func (c *Cache) Put(version int64, descKey string, res *aggregate.Result) {
	c.lru.Add(key{version: version, desc: descKey}, res)
}

// InvalidateAll drops every entry. Called when a new version becomes
// current.
func (c *Cache) InvalidateAll() {
	c.invalidations.Add(1)
	n := c.lru.Len()
	c.lru.Purge()
	c.logger.Debug().Int("entries", n).Msg("Cache invalidated")
}

// Len returns the current number of cached results.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns cache statistics as a map.
func (c *Cache) Stats() map[string]interface{} {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return map[string]interface{}{
		"entries":          c.lru.Len(),
		"hits":             hits,
		"misses":           misses,
		"hit_rate_percent": hitRate,
		"invalidations":    c.invalidations.Load(),
	}
}
