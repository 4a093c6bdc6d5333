// Package sqlite provides a persistence medium backed by an embedded SQLite
// file. Records are stored as raw blobs in a single table; an optional byte
// quota makes the store report quota failures the way a constrained host
// storage would.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"groovecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Medium = (*Store)(nil)

// Store is a SQLite-backed key-value medium.
type Store struct {
	db    *sql.DB
	path  string
	quota int
}

// NewStore opens (creating if needed) the medium at path. quotaBytes <= 0
// disables the quota.
func NewStore(path string, quotaBytes int) (*Store, error) {
	if path == "" {
		path = "groovecore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &Store{db: db, path: path, quota: quotaBytes}, nil
}

// Get returns the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts the blob under key, enforcing the byte quota when configured.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s.quota > 0 {
		var total sql.NullInt64
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM records WHERE key != ?`, key).Scan(&total); err != nil {
			return fmt.Errorf("size records: %w", err)
		}
		if int(total.Int64)+len(value) > s.quota {
			return fmt.Errorf("write %q: %w", key, domain.ErrQuotaExceeded)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO records (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

// Remove deletes key; absent keys are a no-op.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys enumerates every stored key.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM records`)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Path reports the backing file (diagnostics).
func (s *Store) Path() string { return s.path }
