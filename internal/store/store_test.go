package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/fleetlens/fleetlens/internal/catalog"
	"github.com/fleetlens/fleetlens/internal/database"
	"github.com/fleetlens/fleetlens/internal/schema"
	"github.com/fleetlens/fleetlens/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Name: "points",
		Columns: []schema.Column{
			{Name: "tag", Kind: schema.String},
			{Name: "value", Kind: schema.Float},
			{Name: "n", Kind: schema.Int},
			{Name: "flag", Kind: schema.Bool},
		},
	}
}

type fixture struct {
	db    *database.DuckDB
	cat   *catalog.Catalog
	store *Store
}

func newFixture(t *testing.T, keepVersions int) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	db, err := database.New(&database.Config{MaxConnections: 4}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	st := New(db, cat, keepVersions, logger)
	require.NoError(t, st.Register(testSchema()))
	return &fixture{db: db, cat: cat, store: st}
}

func commitRows(t *testing.T, s *Store, recs ...models.Record) *VersionInfo {
	t.Helper()
	stg, err := s.NewStaging("points")
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, stg.Append(rec))
	}
	info, err := stg.Commit("test")
	require.NoError(t, err)
	return info
}

func rec(tag string, value float64, n int64, flag bool) models.Record {
	return models.Record{"tag": tag, "value": value, "n": n, "flag": flag}
}

func scanAll(t *testing.T, snap *Snapshot) []models.Record {
	t.Helper()
	var out []models.Record
	err := snap.Scan(context.Background(), 2, func(batch []models.Record) error {
		out = append(out, batch...)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestCommitAndScanRoundTrip(t *testing.T) {
	f := newFixture(t, 2)

	want := []models.Record{
		rec("a", 1.5, 3, true),
		rec("b", -2.0, 0, false),
		rec("c", 0, 9, true),
	}
	info := commitRows(t, f.store, want...)
	assert.Equal(t, int64(3), info.Rows)

	snap, err := f.store.Acquire("points")
	require.NoError(t, err)
	defer snap.Release()

	got := scanAll(t, snap)
	require.Len(t, got, 3)

	// Rows come back as a set; order is not part of the contract.
	byTag := map[string]models.Record{}
	for _, r := range got {
		byTag[r["tag"].(string)] = r
	}
	for _, w := range want {
		g := byTag[w["tag"].(string)]
		require.NotNil(t, g)
		assert.Equal(t, w["value"], g["value"])
		assert.Equal(t, w["n"], g["n"])
		assert.Equal(t, w["flag"], g["flag"])
	}
}

func TestVersionsAreMonotonic(t *testing.T) {
	f := newFixture(t, 10)

	var last int64
	for i := 0; i < 4; i++ {
		info := commitRows(t, f.store, rec("a", float64(i), 0, false))
		assert.Greater(t, info.Version, last)
		last = info.Version
	}

	cur, err := f.store.CurrentVersion("points")
	require.NoError(t, err)
	assert.Equal(t, last, cur.Version)
}

func TestErrorsForMissingDatasets(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.store.CurrentVersion("nope")
	assert.ErrorIs(t, err, ErrUnknownDataset)
	_, err = f.store.Acquire("nope")
	assert.ErrorIs(t, err, ErrUnknownDataset)
	_, err = f.store.NewStaging("nope")
	assert.ErrorIs(t, err, ErrUnknownDataset)

	_, err = f.store.CurrentVersion("points")
	assert.ErrorIs(t, err, ErrNoDataset)
	_, err = f.store.Acquire("points")
	assert.ErrorIs(t, err, ErrNoDataset)
}

func TestRegisterRejectsBadNames(t *testing.T) {
	f := newFixture(t, 2)

	for _, name := range []string{"", "1abc", "has space", "semi;colon", "dash-ed"} {
		err := f.store.Register(&schema.Schema{Name: name})
		assert.Error(t, err, name)
	}
}

func TestPinnedSnapshotSurvivesReload(t *testing.T) {
	f := newFixture(t, 0) // evict superseded versions immediately

	commitRows(t, f.store, rec("old", 1, 0, false))
	snap, err := f.store.Acquire("points")
	require.NoError(t, err)
	oldVersion := snap.Version()

	commitRows(t, f.store, rec("new", 2, 0, false))

	// The pinned snapshot still reads the old version's rows.
	got := scanAll(t, snap)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0]["tag"])

	// New acquires see the new version.
	snap2, err := f.store.Acquire("points")
	require.NoError(t, err)
	assert.Greater(t, snap2.Version(), oldVersion)
	got2 := scanAll(t, snap2)
	assert.Equal(t, "new", got2[0]["tag"])
	snap2.Release()

	// Releasing the pin lets the superseded version be evicted.
	snap.Release()
	retained := f.store.RetainedVersions("points")
	assert.NotContains(t, retained, oldVersion)

	// Scanning after release fails fast.
	err = snap.Scan(context.Background(), 0, func([]models.Record) error { return nil })
	assert.Error(t, err)
}

func TestRetentionWindow(t *testing.T) {
	f := newFixture(t, 1)

	v1 := commitRows(t, f.store, rec("a", 1, 0, false)).Version
	v2 := commitRows(t, f.store, rec("b", 2, 0, false)).Version
	v3 := commitRows(t, f.store, rec("c", 3, 0, false)).Version

	retained := f.store.RetainedVersions("points")
	sort.Slice(retained, func(i, j int) bool { return retained[i] < retained[j] })
	assert.Equal(t, []int64{v2, v3}, retained)
	assert.NotContains(t, retained, v1)

	// The catalog only records retained versions.
	versions, err := f.cat.Versions("points")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, v3, versions[0].Version)
}

func TestAbortDiscardsStaging(t *testing.T) {
	f := newFixture(t, 2)

	commitRows(t, f.store, rec("keep", 1, 0, false))
	before, err := f.store.CurrentVersion("points")
	require.NoError(t, err)

	stg, err := f.store.NewStaging("points")
	require.NoError(t, err)
	require.NoError(t, stg.Append(rec("discard", 2, 0, false)))
	stg.Abort()

	after, err := f.store.CurrentVersion("points")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)

	snap, err := f.store.Acquire("points")
	require.NoError(t, err)
	defer snap.Release()
	got := scanAll(t, snap)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0]["tag"])
}

func TestRecoveryAfterRestart(t *testing.T) {
	f := newFixture(t, 2)

	commitRows(t, f.store, rec("a", 1, 0, false))
	want := commitRows(t, f.store, rec("b", 2, 0, false), rec("c", 3, 0, false))

	// A new store over the same database and catalog stands in for a
	// restarted process.
	restarted := New(f.db, f.cat, 2, zerolog.Nop())
	require.NoError(t, restarted.Register(testSchema()))

	cur, err := restarted.CurrentVersion("points")
	require.NoError(t, err)
	assert.Equal(t, want.Version, cur.Version)
	assert.Equal(t, int64(2), cur.Rows)

	snap, err := restarted.Acquire("points")
	require.NoError(t, err)
	defer snap.Release()
	assert.Len(t, scanAll(t, snap), 2)

	// New versions continue the id sequence instead of reusing ids.
	info := commitRows(t, restarted, rec("d", 4, 0, false))
	assert.Greater(t, info.Version, want.Version)
}

func TestScanCancellation(t *testing.T) {
	f := newFixture(t, 2)

	var recs []models.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, rec("a", float64(i), 0, false))
	}
	commitRows(t, f.store, recs...)

	snap, err := f.store.Acquire("points")
	require.NoError(t, err)
	defer snap.Release()

	ctx, cancel := context.WithCancel(context.Background())
	err = snap.Scan(ctx, 2, func(batch []models.Record) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
