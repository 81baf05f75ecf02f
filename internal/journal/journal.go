// Package journal implements the durable, crash-safe usage journal that
// drives least-recently-used eviction once the environment pool exceeds
// its configured capacity.
//
// The policy implemented here is plain LRU: only the last-used instant
// is tracked, no frequency component. "Least-frecency-used" in the
// source material this was ported from (original_source/src/journal.rs)
// is aspirational naming for the same LRU behavior; a stricter frecency
// policy would be a design extension, not a contract this package makes.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// ErrIoError reports an I/O or database failure.
var ErrIoError = errors.New("journal io error")

// ErrSchemaError reports that the schema could not be migrated.
var ErrSchemaError = errors.New("journal schema error")

const schemaVersion = 1

// Journal is a SQLite-backed store of fingerprint -> last-used instant.
// Cross-process serialization of concurrent access is provided entirely
// by SQLite's own locking (WAL mode); Journal adds no locking of its
// own, per spec.
type Journal struct {
	db       *sql.DB
	capacity int
	log      zerolog.Logger
}

// Open opens (creating and migrating if necessary) the journal database
// at path with the given positive capacity. log receives a debug line
// for every usage record and eviction decision; pass zerolog.Nop() to
// disable.
func Open(ctx context.Context, path string, capacity int, log zerolog.Logger) (*Journal, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrSchemaError, capacity)
	}

	if path == "" {
		return nil, fmt.Errorf("%w: path is empty", ErrIoError)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrIoError, path, err)
	}

	// A single writer connection avoids SQLITE_BUSY storms against our
	// own process; cross-process contention is still resolved by WAL.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrIoError, path, err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db, capacity: capacity, log: log}, nil
}

// Close closes the underlying database handle.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrIoError, err)
	}

	return nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: apply pragma %q: %w", ErrIoError, stmt, err)
		}
	}

	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	row := db.QueryRowContext(ctx, "PRAGMA user_version")

	var version int
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("%w: read user_version: %w", ErrSchemaError, err)
	}

	if version == schemaVersion {
		return nil
	}

	if version != 0 {
		return fmt.Errorf("%w: unsupported schema version %d", ErrSchemaError, version)
	}

	const createTable = `
		CREATE TABLE IF NOT EXISTS resources (
			fingerprint VARCHAR PRIMARY KEY,
			last_used   TEXT NOT NULL
		)
	`

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("%w: create schema: %w", ErrSchemaError, err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("%w: set user_version: %w", ErrSchemaError, err)
	}

	return nil
}

// RecordUsage upserts the record for fingerprint with its last-used
// timestamp set to now, then returns the fingerprints that now rank
// beyond the top-capacity most recently used, ordered oldest first.
//
// last_used is stored as fixed-width RFC3339 UTC text with all nine
// fractional digits kept, so that SQLite's default (binary/text)
// collation orders timestamps correctly without a custom comparator;
// ties (identical timestamps) are broken by rowid ascending (insertion
// order) for a deterministic, stable secondary order.
func (j *Journal) RecordUsage(ctx context.Context, fingerprint string) ([]string, error) {
	j.log.Debug().Str("fingerprint", fingerprint).Msg("recording usage")

	now := time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")

	const upsert = `
		INSERT INTO resources (fingerprint, last_used) VALUES (?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET last_used = excluded.last_used
	`

	if _, err := j.db.ExecContext(ctx, upsert, fingerprint, now); err != nil {
		return nil, fmt.Errorf("%w: record usage of %s: %w", ErrIoError, fingerprint, err)
	}

	const selectEvictable = `
		SELECT fingerprint
		FROM (
			SELECT
				fingerprint,
				last_used,
				ROW_NUMBER() OVER (ORDER BY last_used DESC, rowid ASC) AS rank
			FROM resources
		)
		WHERE rank > ?
		ORDER BY last_used ASC, rowid DESC
	`

	rows, err := j.db.QueryContext(ctx, selectEvictable, j.capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: query evictable for %s: %w", ErrIoError, fingerprint, err)
	}
	defer rows.Close()

	var evictable []string

	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("%w: scan evictable row: %w", ErrIoError, err)
		}

		evictable = append(evictable, fp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate evictable rows: %w", ErrIoError, err)
	}

	j.log.Debug().Int("evictable", len(evictable)).Msg("computed eviction candidates")

	return evictable, nil
}

// MarkDeleted removes the record for fingerprint if present. A no-op,
// not an error, when no record exists.
func (j *Journal) MarkDeleted(ctx context.Context, fingerprint string) error {
	_, err := j.db.ExecContext(ctx, "DELETE FROM resources WHERE fingerprint = ?", fingerprint)
	if err != nil {
		return fmt.Errorf("%w: mark deleted %s: %w", ErrIoError, fingerprint, err)
	}

	j.log.Debug().Str("fingerprint", fingerprint).Msg("marked deleted")

	return nil
}

// Stats describes the journal's current occupancy, used by tests. It is
// not part of the eviction contract.
type Stats struct {
	RecordCount int
	Capacity    int
}

// Stats reports the current number of tracked fingerprints and the
// configured capacity.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	row := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM resources")

	var count int
	if err := row.Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("%w: count resources: %w", ErrIoError, err)
	}

	return Stats{RecordCount: count, Capacity: j.capacity}, nil
}
