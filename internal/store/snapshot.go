package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fleetlens/fleetlens/internal/schema"
	"github.com/fleetlens/fleetlens/pkg/models"
)

// Snapshot is a pinned, immutable view over one dataset version.
// Scans are lazy, restartable and finite; concurrent reloads never
// affect a held snapshot.
type Snapshot struct {
	store    *Store
	version  *Version
	schema   *schema.Schema
	released atomic.Bool
}

// Schema returns the dataset schema.
func (sn *Snapshot) Schema() *schema.Schema { return sn.schema }

// Version returns the pinned version id.
func (sn *Snapshot) Version() int64 { return sn.version.ID }

// Rows returns the committed row count of the pinned version.
func (sn *Snapshot) Rows() int64 { return sn.version.Rows }

// Release unpins the version. Idempotent.
func (sn *Snapshot) Release() {
	if sn.released.CompareAndSwap(false, true) {
		sn.store.release(sn.version)
	}
}

// Scan streams all records of the pinned version to fn in batches of
// batchSize. Cancellation is cooperative: the context is checked
// between batches and propagated into the DuckDB cursor. A new Scan
// can be started at any time; each produces the same record set.
func (sn *Snapshot) Scan(ctx context.Context, batchSize int, fn func(batch []models.Record) error) error {
	if sn.released.Load() {
		return fmt.Errorf("snapshot of %s v%d already released", sn.version.Dataset, sn.version.ID)
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	fields := sn.schema.Fields()
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	query := fmt.Sprintf(`SELECT %s FROM %q`, strings.Join(quoted, ", "), sn.version.Table)

	rows, err := sn.store.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	dest := make([]any, len(fields))
	batch := make([]models.Record, 0, batchSize)

	for rows.Next() {
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}

		rec := make(models.Record, len(fields))
		for i, f := range fields {
			rec[f] = normalize(*(dest[i].(*any)))
		}
		batch = append(batch, rec)

		if len(batch) >= batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if len(batch) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// normalize widens driver-specific numeric types to the canonical
// record types (float64, int64, bool, string).
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	default:
		return v
	}
}
