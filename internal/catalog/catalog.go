package catalog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Catalog persists dataset version metadata and load history in SQLite.
// The DuckDB tables hold the records themselves; the catalog is the
// source of truth for which version of each dataset is committed, so a
// restarted process can recover its current versions.
type Catalog struct {
	db     *sql.DB
	logger zerolog.Logger
}

// VersionRecord describes one committed dataset version.
type VersionRecord struct {
	Dataset   string    `json:"dataset"`
	Version   int64     `json:"version"`
	TableName string    `json:"table_name"`
	RowCount  int64     `json:"row_count"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadRecord describes one load attempt, successful or not.
type LoadRecord struct {
	ID           string    `json:"id"`
	Dataset      string    `json:"dataset"`
	Version      int64     `json:"version,omitempty"`
	Source       string    `json:"source"`
	RowsValid    int64     `json:"rows_valid"`
	RowsRejected int64     `json:"rows_rejected"`
	Status       string    `json:"status"` // "committed" or "failed"
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// RowError is one rejected source row from a load.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string, logger zerolog.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	c := &Catalog{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	c.logger.Info().Str("path", path).Msg("Catalog opened")
	return c, nil
}

func (c *Catalog) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dataset_versions (
			dataset    TEXT NOT NULL,
			version    INTEGER NOT NULL,
			table_name TEXT NOT NULL,
			row_count  INTEGER NOT NULL,
			source     TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (dataset, version)
		)`,
		`CREATE TABLE IF NOT EXISTS loads (
			id            TEXT PRIMARY KEY,
			dataset       TEXT NOT NULL,
			version       INTEGER,
			source        TEXT NOT NULL,
			rows_valid    INTEGER NOT NULL,
			rows_rejected INTEGER NOT NULL,
			status        TEXT NOT NULL,
			error         TEXT,
			started_at    TIMESTAMP NOT NULL,
			completed_at  TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loads_dataset ON loads(dataset, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS load_row_errors (
			load_id TEXT NOT NULL,
			row     INTEGER NOT NULL,
			reason  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_row_errors_load ON load_row_errors(load_id)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("catalog migration failed: %w", err)
		}
	}
	return nil
}

// CommitVersion records a committed dataset version.
func (c *Catalog) CommitVersion(v VersionRecord) error {
	_, err := c.db.Exec(
		`INSERT INTO dataset_versions (dataset, version, table_name, row_count, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.Dataset, v.Version, v.TableName, v.RowCount, v.Source, v.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to commit version: %w", err)
	}
	return nil
}

// LatestVersion returns the highest committed version for a dataset.
// Returns (nil, nil) when the dataset has never been loaded.
func (c *Catalog) LatestVersion(dataset string) (*VersionRecord, error) {
	row := c.db.QueryRow(
		`SELECT dataset, version, table_name, row_count, source, created_at
		 FROM dataset_versions WHERE dataset = ? ORDER BY version DESC LIMIT 1`,
		dataset,
	)
	var v VersionRecord
	err := row.Scan(&v.Dataset, &v.Version, &v.TableName, &v.RowCount, &v.Source, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}
	return &v, nil
}

// Versions returns all committed versions for a dataset, newest first.
func (c *Catalog) Versions(dataset string) ([]VersionRecord, error) {
	rows, err := c.db.Query(
		`SELECT dataset, version, table_name, row_count, source, created_at
		 FROM dataset_versions WHERE dataset = ? ORDER BY version DESC`,
		dataset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []VersionRecord
	for rows.Next() {
		var v VersionRecord
		if err := rows.Scan(&v.Dataset, &v.Version, &v.TableName, &v.RowCount, &v.Source, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteVersion removes an evicted version from the catalog.
func (c *Catalog) DeleteVersion(dataset string, version int64) error {
	_, err := c.db.Exec(`DELETE FROM dataset_versions WHERE dataset = ? AND version = ?`, dataset, version)
	if err != nil {
		return fmt.Errorf("failed to delete version: %w", err)
	}
	return nil
}

// RecordLoad stores a load attempt and its row errors.
func (c *Catalog) RecordLoad(l LoadRecord, rowErrors []RowError) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin load record: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO loads (id, dataset, version, source, rows_valid, rows_rejected, status, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Dataset, l.Version, l.Source, l.RowsValid, l.RowsRejected, l.Status, l.Error,
		l.StartedAt.UTC(), l.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record load: %w", err)
	}

	for _, re := range rowErrors {
		if _, err := tx.Exec(
			`INSERT INTO load_row_errors (load_id, row, reason) VALUES (?, ?, ?)`,
			l.ID, re.Row, re.Reason,
		); err != nil {
			return fmt.Errorf("failed to record row error: %w", err)
		}
	}

	return tx.Commit()
}

// Loads returns recent load attempts for a dataset, newest first.
func (c *Catalog) Loads(dataset string, limit int) ([]LoadRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.Query(
		`SELECT id, dataset, COALESCE(version, 0), source, rows_valid, rows_rejected, status, COALESCE(error, ''), started_at, completed_at
		 FROM loads WHERE dataset = ? ORDER BY started_at DESC LIMIT ?`,
		dataset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list loads: %w", err)
	}
	defer rows.Close()

	var out []LoadRecord
	for rows.Next() {
		var l LoadRecord
		if err := rows.Scan(&l.ID, &l.Dataset, &l.Version, &l.Source, &l.RowsValid, &l.RowsRejected,
			&l.Status, &l.Error, &l.StartedAt, &l.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan load: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RowErrors returns the rejected rows recorded for a load.
func (c *Catalog) RowErrors(loadID string) ([]RowError, error) {
	rows, err := c.db.Query(
		`SELECT row, reason FROM load_row_errors WHERE load_id = ? ORDER BY row`, loadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list row errors: %w", err)
	}
	defer rows.Close()

	var out []RowError
	for rows.Next() {
		var re RowError
		if err := rows.Scan(&re.Row, &re.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan row error: %w", err)
		}
		out = append(out, re)
	}
	return out, rows.Err()
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close catalog: %w", err)
	}
	return nil
}
