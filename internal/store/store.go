// Package store implements the versioned record store. Each load
// produces an immutable dataset version backed by its own DuckDB table;
// a single atomically-swapped "current" pointer per dataset decides
// what queries see. In-flight queries pin their version via refcounted
// snapshots, so a reload never tears or evicts data out from under a
// running aggregation.
package store

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/fleetlens/fleetlens/internal/catalog"
	"github.com/fleetlens/fleetlens/internal/database"
	"github.com/fleetlens/fleetlens/internal/schema"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownDataset is returned for dataset names that were never registered.
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrNoDataset is returned when a dataset has no committed version yet.
	ErrNoDataset = errors.New("dataset has no loaded version")
)

var datasetNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// Store manages all datasets and their version chains.
type Store struct {
	db      *database.DuckDB
	catalog *catalog.Catalog
	logger  zerolog.Logger

	// keepVersions is how many committed versions beyond the current one
	// are retained before eviction (bounded retention policy).
	keepVersions int

	mu       sync.Mutex
	datasets map[string]*datasetState
}

// datasetState is guarded by Store.mu except for immutable fields.
type datasetState struct {
	schema   *schema.Schema
	current  *Version
	retained map[int64]*Version // committed versions, including current
	lastID   int64              // highest version id ever allocated
}

// Version is one immutable committed snapshot of a dataset.
// refs counts in-flight snapshots; guarded by Store.mu.
type Version struct {
	Dataset   string
	ID        int64
	Table     string
	Rows      int64
	CreatedAt time.Time

	refs    int
	evicted bool // table dropped, kept out of retained map
}

// VersionInfo is the exported view of a version.
type VersionInfo struct {
	Dataset   string    `json:"dataset"`
	Version   int64     `json:"version"`
	Rows      int64     `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a store. Datasets must be registered before use.
func New(db *database.DuckDB, cat *catalog.Catalog, keepVersions int, logger zerolog.Logger) *Store {
	if keepVersions < 0 {
		keepVersions = 0
	}
	return &Store{
		db:           db,
		catalog:      cat,
		logger:       logger.With().Str("component", "store").Logger(),
		keepVersions: keepVersions,
		datasets:     make(map[string]*datasetState),
	}
}

// Register adds a dataset and recovers its latest committed version
// from the catalog, dropping any stale tables left by older versions.
func (s *Store) Register(sch *schema.Schema) error {
	if !datasetNameRe.MatchString(sch.Name) {
		return fmt.Errorf("invalid dataset name %q", sch.Name)
	}

	st := &datasetState{
		schema:   sch,
		retained: make(map[int64]*Version),
	}

	versions, err := s.catalog.Versions(sch.Name)
	if err != nil {
		return fmt.Errorf("failed to recover dataset %q: %w", sch.Name, err)
	}
	for i, vr := range versions {
		if vr.Version > st.lastID {
			st.lastID = vr.Version
		}
		if i == 0 {
			// Newest committed version becomes current again.
			v := &Version{
				Dataset:   vr.Dataset,
				ID:        vr.Version,
				Table:     vr.TableName,
				Rows:      vr.RowCount,
				CreatedAt: vr.CreatedAt,
			}
			st.current = v
			st.retained[v.ID] = v
			continue
		}
		// Older versions are not worth keeping across restarts.
		s.dropTable(vr.TableName)
		if err := s.catalog.DeleteVersion(vr.Dataset, vr.Version); err != nil {
			s.logger.Warn().Err(err).Str("dataset", vr.Dataset).Int64("version", vr.Version).
				Msg("Failed to delete stale version from catalog")
		}
	}

	s.mu.Lock()
	s.datasets[sch.Name] = st
	s.mu.Unlock()

	ev := s.logger.Info().Str("dataset", sch.Name)
	if st.current != nil {
		ev = ev.Int64("recovered_version", st.current.ID).Int64("rows", st.current.Rows)
	}
	ev.Msg("Dataset registered")
	return nil
}

// Datasets returns the names of all registered datasets.
func (s *Store) Datasets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.datasets))
	for name := range s.datasets {
		out = append(out, name)
	}
	return out
}

// Schema returns the schema of a registered dataset.
func (s *Store) Schema(dataset string) (*schema.Schema, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.datasets[dataset]
	if !ok {
		return nil, false
	}
	return st.schema, true
}

// CurrentVersion returns the current version of a dataset.
func (s *Store) CurrentVersion(dataset string) (*VersionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.datasets[dataset]
	if !ok {
		return nil, ErrUnknownDataset
	}
	if st.current == nil {
		return nil, ErrNoDataset
	}
	v := st.current
	return &VersionInfo{Dataset: v.Dataset, Version: v.ID, Rows: v.Rows, CreatedAt: v.CreatedAt}, nil
}

// Acquire pins the current version of a dataset and returns a snapshot
// over it. The caller must Release the snapshot when done; until then
// the version cannot be evicted.
func (s *Store) Acquire(dataset string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.datasets[dataset]
	if !ok {
		return nil, ErrUnknownDataset
	}
	if st.current == nil {
		return nil, ErrNoDataset
	}
	st.current.refs++
	return &Snapshot{store: s, version: st.current, schema: st.schema}, nil
}

// release is called by Snapshot.Release. Evicts the version if it was
// superseded while pinned.
func (s *Store) release(v *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.refs > 0 {
		v.refs--
	}
	st, ok := s.datasets[v.Dataset]
	if !ok {
		return
	}
	if v.refs == 0 {
		s.sweepLocked(st)
	}
}

// commit installs a newly staged version as current. Called by Staging.
func (s *Store) commit(st *datasetState, v *Version, source string) error {
	if err := s.catalog.CommitVersion(catalog.VersionRecord{
		Dataset:   v.Dataset,
		Version:   v.ID,
		TableName: v.Table,
		RowCount:  v.Rows,
		Source:    source,
		CreatedAt: v.CreatedAt,
	}); err != nil {
		return err
	}

	// The swap is the sole mutation point: once the pointer moves, every
	// new Acquire sees the new version; in-flight snapshots keep theirs.
	s.mu.Lock()
	st.current = v
	st.retained[v.ID] = v
	s.sweepLocked(st)
	s.mu.Unlock()

	s.logger.Info().
		Str("dataset", v.Dataset).
		Int64("version", v.ID).
		Int64("rows", v.Rows).
		Msg("Version committed")
	return nil
}

// EvictStale drops retained versions outside the retention window for
// all datasets. Safe to call concurrently with queries; pinned versions
// are skipped until released.
func (s *Store) EvictStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.datasets {
		s.sweepLocked(st)
	}
}

// sweepLocked evicts unpinned versions outside the retention window.
// Must be called with s.mu held.
func (s *Store) sweepLocked(st *datasetState) {
	if st.current == nil {
		return
	}
	cutoff := st.current.ID - int64(s.keepVersions)
	for id, v := range st.retained {
		if v == st.current || id >= cutoff || v.refs > 0 {
			continue
		}
		delete(st.retained, id)
		v.evicted = true
		s.dropTable(v.Table)
		if err := s.catalog.DeleteVersion(v.Dataset, v.ID); err != nil {
			s.logger.Warn().Err(err).Str("dataset", v.Dataset).Int64("version", v.ID).
				Msg("Failed to delete evicted version from catalog")
		}
		s.logger.Debug().
			Str("dataset", v.Dataset).
			Int64("version", v.ID).
			Msg("Version evicted")
	}
}

func (s *Store) dropTable(table string) {
	if _, err := s.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table)); err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("Failed to drop table")
	}
}

// RetainedVersions returns the ids of retained versions for a dataset,
// in no particular order. Intended for tests and introspection.
func (s *Store) RetainedVersions(dataset string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.datasets[dataset]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(st.retained))
	for id := range st.retained {
		out = append(out, id)
	}
	return out
}
