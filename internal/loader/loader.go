// Package loader turns CSV sources into committed dataset versions.
// A load is all-or-nothing: rows are validated and staged off to the
// side, and only a fully-built version is swapped in as current. A
// failed load leaves the prior version untouched.
package loader

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fleetlens/fleetlens/internal/catalog"
	"github.com/fleetlens/fleetlens/internal/schema"
	"github.com/fleetlens/fleetlens/internal/store"
	"github.com/fleetlens/fleetlens/pkg/models"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// DefaultMaxRowErrors caps how many rejected rows are kept per load
// report; the rejected count is always exact.
const DefaultMaxRowErrors = 100

// ErrEmptyDataset is returned when a source yields no valid rows.
var ErrEmptyDataset = errors.New("source contains no valid rows")

// SourceUnavailableError is returned when a source cannot be opened or
// read at all.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %q unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// SchemaMismatchError is returned when the CSV header does not match
// the dataset schema.
type SchemaMismatchError struct {
	Dataset    string
	Missing    []string
	Unexpected []string
}

func (e *SchemaMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected columns: "+strings.Join(e.Unexpected, ", "))
	}
	return fmt.Sprintf("header does not match schema %q (%s)", e.Dataset, strings.Join(parts, "; "))
}

// RowError is one rejected source row.
type RowError struct {
	Row    int    `json:"row"` // 1-based data row number, header excluded
	Reason string `json:"reason"`
}

// Result reports a committed load.
type Result struct {
	LoadID        string     `json:"load_id"`
	Dataset       string     `json:"dataset"`
	Version       int64      `json:"version"`
	RowsValid     int64      `json:"rows_valid"`
	RowsRejected  int64      `json:"rows_rejected"`
	RowErrors     []RowError `json:"row_errors,omitempty"`
	ErrorsDropped bool       `json:"errors_dropped,omitempty"` // row error report hit its cap
	DurationMs    int64      `json:"duration_ms"`
}

// Invalidator is the cache hook signalled after a successful commit.
type Invalidator interface {
	InvalidateAll()
}

// Loader parses and validates CSV sources and commits them to the
// store.
type Loader struct {
	store        *store.Store
	catalog      *catalog.Catalog
	cache        Invalidator
	logger       zerolog.Logger
	maxRowErrors int
}

// New creates a loader. cache may be nil.
func New(st *store.Store, cat *catalog.Catalog, cache Invalidator, maxRowErrors int, logger zerolog.Logger) *Loader {
	if maxRowErrors <= 0 {
		maxRowErrors = DefaultMaxRowErrors
	}
	return &Loader{
		store:        st,
		catalog:      cat,
		cache:        cache,
		logger:       logger.With().Str("component", "loader").Logger(),
		maxRowErrors: maxRowErrors,
	}
}

// Load reads a CSV file (plain or gzip) from disk and commits it as a
// new version of the dataset.
func (l *Loader) Load(ctx context.Context, dataset, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SourceUnavailableError{Source: path, Err: err}
	}
	defer f.Close()
	return l.LoadReader(ctx, dataset, path, f)
}

// LoadReader commits a CSV stream as a new version of the dataset.
// source is only used for reporting.
func (l *Loader) LoadReader(ctx context.Context, dataset, source string, r io.Reader) (*Result, error) {
	start := time.Now()
	loadID := uuid.New().String()

	result, rowErrs, err := l.run(ctx, dataset, source, r)

	completed := time.Now()
	rec := catalog.LoadRecord{
		ID:          loadID,
		Dataset:     dataset,
		Source:      source,
		StartedAt:   start,
		CompletedAt: completed,
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
	} else {
		rec.Status = "committed"
		rec.Version = result.Version
		rec.RowsValid = result.RowsValid
		rec.RowsRejected = result.RowsRejected
	}
	catErrs := make([]catalog.RowError, len(rowErrs))
	for i, re := range rowErrs {
		catErrs[i] = catalog.RowError{Row: re.Row, Reason: re.Reason}
	}
	if cerr := l.catalog.RecordLoad(rec, catErrs); cerr != nil {
		l.logger.Warn().Err(cerr).Str("load_id", loadID).Msg("Failed to record load in catalog")
	}

	if err != nil {
		l.logger.Error().Err(err).
			Str("dataset", dataset).
			Str("source", source).
			Str("load_id", loadID).
			Msg("Load failed")
		return nil, err
	}

	result.LoadID = loadID
	result.DurationMs = completed.Sub(start).Milliseconds()

	if l.cache != nil {
		l.cache.InvalidateAll()
	}

	l.logger.Info().
		Str("dataset", dataset).
		Str("source", source).
		Str("load_id", loadID).
		Int64("version", result.Version).
		Int64("rows_valid", result.RowsValid).
		Int64("rows_rejected", result.RowsRejected).
		Int64("duration_ms", result.DurationMs).
		Msg("Load committed")

	return result, nil
}

// run does the parse/validate/stage work. The returned row errors are
// reported even when the load as a whole fails.
func (l *Loader) run(ctx context.Context, dataset, source string, r io.Reader) (*Result, []RowError, error) {
	sch, ok := l.store.Schema(dataset)
	if !ok {
		return nil, nil, store.ErrUnknownDataset
	}

	decoded, err := maybeGunzip(bufio.NewReader(r))
	if err != nil {
		return nil, nil, &SourceUnavailableError{Source: source, Err: err}
	}

	cr := csv.NewReader(decoded)
	cr.FieldsPerRecord = -1 // row width validated per row for better errors
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, &SourceUnavailableError{Source: source, Err: fmt.Errorf("cannot read header: %w", err)}
	}

	cols, missing, unexpected := sch.MatchHeader(header)
	if len(missing) > 0 || len(unexpected) > 0 {
		return nil, nil, &SchemaMismatchError{Dataset: dataset, Missing: missing, Unexpected: unexpected}
	}

	staging, err := l.store.NewStaging(dataset)
	if err != nil {
		return nil, nil, err
	}

	var (
		rowErrs       []RowError
		errorsDropped bool
		rejected      int64
		rowNum        int
	)
	reject := func(reason string) {
		rejected++
		if len(rowErrs) < l.maxRowErrors {
			rowErrs = append(rowErrs, RowError{Row: rowNum, Reason: reason})
		} else {
			errorsDropped = true
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			staging.Abort()
			return nil, rowErrs, err
		}

		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			reject(fmt.Sprintf("malformed CSV: %v", err))
			continue
		}
		if len(row) != len(header) {
			reject(fmt.Sprintf("expected %d fields, got %d", len(header), len(row)))
			continue
		}

		rec := make(models.Record, len(cols)+len(sch.Derived))
		ok := true
		for i, col := range cols {
			v, err := schema.Coerce(col, row[i])
			if err != nil {
				reject(err.Error())
				ok = false
				break
			}
			rec[col.Name] = v
		}
		if !ok {
			continue
		}

		sch.ApplyDerived(rec)
		if err := staging.Append(rec); err != nil {
			staging.Abort()
			return nil, rowErrs, err
		}
	}

	if staging.Rows() == 0 {
		staging.Abort()
		return nil, rowErrs, ErrEmptyDataset
	}

	info, err := staging.Commit(source)
	if err != nil {
		return nil, rowErrs, err
	}

	return &Result{
		Dataset:       dataset,
		Version:       info.Version,
		RowsValid:     info.Rows,
		RowsRejected:  rejected,
		RowErrors:     rowErrs,
		ErrorsDropped: errorsDropped,
	}, rowErrs, nil
}

// maybeGunzip transparently decompresses gzip input, sniffed by the
// magic bytes 0x1f 0x8b.
func maybeGunzip(br *bufio.Reader) (io.Reader, error) {
	magic, err := br.Peek(2)
	if err != nil {
		// Too short to be gzip; let the CSV reader report it.
		return br, nil
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return br, nil
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip source: %w", err)
	}
	return zr, nil
}
