// Package service is the coordination layer between the HTTP surface
// and the store: it pins a snapshot per query, consults the result
// cache, collapses duplicate in-flight aggregations, and serializes
// loads per dataset.
package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fleetlens/fleetlens/internal/aggregate"
	"github.com/fleetlens/fleetlens/internal/cache"
	"github.com/fleetlens/fleetlens/internal/loader"
	"github.com/fleetlens/fleetlens/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Service answers aggregate queries and coordinates dataset loads.
type Service struct {
	store  *store.Store
	cache  *cache.Cache
	loader *loader.Loader
	logger zerolog.Logger
	opts   aggregate.Options

	group singleflight.Group

	loadMu sync.Mutex
	loads  map[string]*sync.Mutex // per-dataset load serialization

	queries     atomic.Int64
	cacheServed atomic.Int64
}

// New creates a service. opts zero values fall back to aggregate
// defaults.
func New(st *store.Store, c *cache.Cache, l *loader.Loader, opts aggregate.Options, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		cache:  c,
		loader: l,
		logger: logger.With().Str("component", "service").Logger(),
		opts:   opts,
		loads:  make(map[string]*sync.Mutex),
	}
}

// Query runs an aggregate query against the current version of the
// descriptor's dataset. The snapshot is pinned for the duration of the
// scan, so a concurrent reload never changes the data mid-query. The
// bool reports whether the result came from the cache.
func (s *Service) Query(ctx context.Context, desc *aggregate.Descriptor) (*aggregate.Result, bool, error) {
	s.queries.Add(1)

	snap, err := s.store.Acquire(desc.Dataset)
	if err != nil {
		return nil, false, err
	}
	defer snap.Release()

	if err := desc.Validate(snap.Schema()); err != nil {
		return nil, false, err
	}

	version := snap.Version()
	descKey := desc.Key()

	if res, ok := s.cache.Get(version, descKey); ok {
		s.cacheServed.Add(1)
		return res, true, nil
	}

	// Identical queries racing on a cold cache share one scan. The key
	// includes the version, so callers pinned to different versions
	// never share a result.
	flightKey := fmt.Sprintf("%d\x1f%s", version, descKey)
	v, err, shared := s.group.Do(flightKey, func() (interface{}, error) {
		if res, ok := s.cache.Get(version, descKey); ok {
			return res, nil
		}
		res, err := aggregate.Aggregate(ctx, snap, desc, s.opts)
		if err != nil {
			return nil, err
		}
		s.cache.Put(version, descKey, res)
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		s.cacheServed.Add(1)
	}

	res := v.(*aggregate.Result)
	s.logger.Debug().
		Str("dataset", desc.Dataset).
		Int64("version", version).
		Int64("rows_scanned", res.RowsScanned).
		Int("buckets", len(res.Buckets)).
		Bool("shared", shared).
		Msg("Query executed")
	return res, shared, nil
}

// Load replaces the dataset's current version with the contents of the
// file at path. Loads for the same dataset are serialized; loads for
// different datasets and all queries proceed concurrently.
func (s *Service) Load(ctx context.Context, dataset, path string) (*loader.Result, error) {
	mu := s.datasetLoadMu(dataset)
	mu.Lock()
	defer mu.Unlock()
	return s.loader.Load(ctx, dataset, path)
}

// LoadReader is Load for an already-open stream, e.g. an upload.
func (s *Service) LoadReader(ctx context.Context, dataset, source string, r io.Reader) (*loader.Result, error) {
	mu := s.datasetLoadMu(dataset)
	mu.Lock()
	defer mu.Unlock()
	return s.loader.LoadReader(ctx, dataset, source, r)
}

func (s *Service) datasetLoadMu(dataset string) *sync.Mutex {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	mu, ok := s.loads[dataset]
	if !ok {
		mu = &sync.Mutex{}
		s.loads[dataset] = mu
	}
	return mu
}

// CurrentVersion reports the current version of a dataset.
func (s *Service) CurrentVersion(dataset string) (*store.VersionInfo, error) {
	return s.store.CurrentVersion(dataset)
}

// Datasets lists registered dataset names.
func (s *Service) Datasets() []string {
	return s.store.Datasets()
}

// Stats returns service statistics for the stats endpoint.
func (s *Service) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queries":      s.queries.Load(),
		"cache_served": s.cacheServed.Load(),
		"cache":        s.cache.Stats(),
	}
}
