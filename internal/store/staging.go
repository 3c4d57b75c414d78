package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/fleetlens/fleetlens/internal/schema"
	"github.com/fleetlens/fleetlens/pkg/models"
)

// insertBatchRows caps how many rows go into a single multi-row INSERT.
const insertBatchRows = 500

// Staging accumulates rows for a version being built. Nothing is
// visible to readers until Commit swaps the current pointer; Abort
// drops the staged table and leaves the prior version untouched.
type Staging struct {
	store   *Store
	state   *datasetState
	schema  *schema.Schema
	version int64
	table   string
	fields  []string
	rows    int64
	done    bool

	pending []models.Record
}

// NewStaging allocates the next version id for a dataset and creates
// its backing table. Concurrent stagings get distinct ids; the last
// committed one wins the current pointer.
func (s *Store) NewStaging(dataset string) (*Staging, error) {
	s.mu.Lock()
	st, ok := s.datasets[dataset]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownDataset
	}
	st.lastID++
	id := st.lastID
	s.mu.Unlock()

	table := fmt.Sprintf("%s_v%d", dataset, id)
	fields := st.schema.Fields()

	cols := make([]string, 0, len(fields))
	for _, name := range fields {
		kind, _ := st.schema.FieldKind(name)
		cols = append(cols, fmt.Sprintf("%q %s", name, kind.DuckDBType()))
	}
	ddl := fmt.Sprintf(`CREATE TABLE %q (%s)`, table, strings.Join(cols, ", "))
	if _, err := s.db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("failed to create staging table: %w", err)
	}

	return &Staging{
		store:   s,
		state:   st,
		schema:  st.schema,
		version: id,
		table:   table,
		fields:  fields,
	}, nil
}

// Version returns the version id this staging will commit as.
func (st *Staging) Version() int64 { return st.version }

// Append buffers a record, flushing to DuckDB in batches.
func (st *Staging) Append(rec models.Record) error {
	if st.done {
		return fmt.Errorf("staging for %s v%d already finished", st.schema.Name, st.version)
	}
	st.pending = append(st.pending, rec)
	if len(st.pending) >= insertBatchRows {
		return st.flush()
	}
	return nil
}

func (st *Staging) flush() error {
	if len(st.pending) == 0 {
		return nil
	}

	quoted := make([]string, len(st.fields))
	for i, f := range st.fields {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(st.fields)), ",") + ")"

	placeholders := make([]string, len(st.pending))
	args := make([]any, 0, len(st.pending)*len(st.fields))
	for i, rec := range st.pending {
		placeholders[i] = placeholder
		for _, f := range st.fields {
			args = append(args, rec[f])
		}
	}

	stmt := fmt.Sprintf(`INSERT INTO %q (%s) VALUES %s`,
		st.table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if _, err := st.store.db.Exec(stmt, args...); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	st.rows += int64(len(st.pending))
	st.pending = st.pending[:0]
	return nil
}

// Commit flushes remaining rows, records the version in the catalog and
// atomically swaps it in as current. All-or-nothing: on any error the
// staged table is dropped and the prior current version is unchanged.
func (st *Staging) Commit(source string) (*VersionInfo, error) {
	if st.done {
		return nil, fmt.Errorf("staging for %s v%d already finished", st.schema.Name, st.version)
	}
	if err := st.flush(); err != nil {
		st.Abort()
		return nil, err
	}
	st.done = true

	v := &Version{
		Dataset:   st.schema.Name,
		ID:        st.version,
		Table:     st.table,
		Rows:      st.rows,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.store.commit(st.state, v, source); err != nil {
		st.store.dropTable(st.table)
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}
	return &VersionInfo{Dataset: v.Dataset, Version: v.ID, Rows: v.Rows, CreatedAt: v.CreatedAt}, nil
}

// Abort drops the staged table. Safe to call after a failed Commit.
func (st *Staging) Abort() {
	if st.done {
		return
	}
	st.done = true
	st.store.dropTable(st.table)
}

// Rows returns the number of rows staged so far, including unflushed.
func (st *Staging) Rows() int64 {
	return st.rows + int64(len(st.pending))
}
