// Package postgres provides a persistence medium backed by a PostgreSQL
// server, for deployments where several instruments share one durable host.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"groovecore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Medium = (*Store)(nil)

const defaultDSN = "postgres://localhost/groovecore?sslmode=disable"

// Store is a Postgres-backed key-value medium.
type Store struct {
	db    *sql.DB
	quota int
}

// NewStore opens the medium at dsn (falling back to a local default) and
// ensures the records table exists. quotaBytes <= 0 disables the quota.
func NewStore(ctx context.Context, dsn string, quotaBytes int) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &Store{db: db, quota: quotaBytes}, nil
}

// Get returns the bytes stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts the bytes under key, enforcing the byte quota when configured.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s.quota > 0 {
		var total sql.NullInt64
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM records WHERE key != $1`, key).Scan(&total); err != nil {
			return fmt.Errorf("size records: %w", err)
		}
		if int(total.Int64)+len(value) > s.quota {
			return fmt.Errorf("write %q: %w", key, domain.ErrQuotaExceeded)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO records (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value); err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

// Remove deletes key; absent keys are a no-op.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = $1`, key); err != nil {
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

// DB exposes the underlying handle for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }
