// Package medium selects a concrete persistence medium from the process
// environment.
package medium

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"groovecore/internal/infra/medium/memory"
	"groovecore/internal/infra/medium/postgres"
	"groovecore/internal/infra/medium/s3"
	"groovecore/internal/infra/medium/sqlite"
	"groovecore/pkg/domain"
)

// Driver identifies a concrete medium implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
	DriverS3       Driver = "s3"       // S3 / MinIO compatible bucket
)

// OpenFromEnv selects a medium using environment variables. Defaults to
// sqlite when unset.
//
//	GROOVECORE_MEDIUM_DRIVER: memory|sqlite|postgres|s3 (default sqlite)
//	GROOVECORE_MEDIUM_QUOTA_BYTES: optional byte quota for memory/sqlite/postgres
//	GROOVECORE_SQLITE_PATH: path to sqlite file (default ./groovecore.db)
//	GROOVECORE_POSTGRES_DSN: postgres DSN when driver=postgres
//	GROOVECORE_S3_*: bucket settings when driver=s3 (see the s3 package)
func OpenFromEnv(ctx context.Context) (domain.Medium, error) {
	driver := os.Getenv("GROOVECORE_MEDIUM_DRIVER")
	if driver == "" {
		driver = string(DriverSQLite)
	}
	quota := 0
	if raw := os.Getenv("GROOVECORE_MEDIUM_QUOTA_BYTES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse GROOVECORE_MEDIUM_QUOTA_BYTES: %w", err)
		}
		quota = n
	}
	switch Driver(driver) {
	case DriverMemory:
		return memory.NewStore(quota), nil
	case DriverSQLite:
		return sqlite.NewStore(os.Getenv("GROOVECORE_SQLITE_PATH"), quota)
	case DriverPostgres:
		return postgres.NewStore(ctx, os.Getenv("GROOVECORE_POSTGRES_DSN"), quota)
	case DriverS3:
		return s3.OpenFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown medium driver %s", driver)
	}
}
