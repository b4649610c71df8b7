package db

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"permagate/internal/db/migrations"
)

// MigrationSet names one database schema and its embedded migration files.
// The lock id is held via pg_advisory_lock for the whole run so concurrent
// service instances cannot race each other.
type MigrationSet struct {
	Name   string
	Files  fs.FS
	LockID int64
}

var (
	// UploadMigrations is the schema for the upload_service database.
	UploadMigrations = MigrationSet{
		Name:   "upload",
		Files:  migrations.Upload(),
		LockID: 0x7065726D615F7570, // "perma_up"
	}

	// PaymentMigrations is the schema for the payment_service database.
	PaymentMigrations = MigrationSet{
		Name:   "payment",
		Files:  migrations.Payment(),
		LockID: 0x7065726D615F7061, // "perma_pa"
	}
)

// Migrate runs all pending migrations from the given set.
// It acquires a dedicated connection from the pool and holds a PostgreSQL
// advisory lock on that connection for the entire run. This guarantees
// the lock and unlock happen on the same session, preventing stuck locks.
func (db *DB) Migrate(ctx context.Context, set MigrationSet) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migrations: %w", err)
	}
	defer conn.Release()

	return runMigrations(ctx, conn.Conn(), set)
}

// runMigrations performs the full migration sequence on a single connection.
func runMigrations(ctx context.Context, conn *pgx.Conn, set MigrationSet) error {
	// Acquire advisory lock to prevent concurrent migrations
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", set.LockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", set.LockID) //nolint:errcheck

	// Create schema_migrations table if it doesn't exist
	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	// Read and sort migration files
	migs, err := readMigrations(set.Files)
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	// Get already-applied migrations
	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}

	// Apply each pending migration
	for _, m := range migs {
		if applied[m.version] {
			continue
		}

		slog.Info("applying migration", "set", set.Name, "version", m.version)

		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", m.version, err)
		}

		if _, err := tx.Exec(ctx, m.sql); err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			return fmt.Errorf("failed to apply migration %s: %w", m.version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
			tx.Rollback(ctx) //nolint:errcheck
			return fmt.Errorf("failed to record migration %s: %w", m.version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.version, err)
		}

		slog.Info("applied migration", "set", set.Name, "version", m.version)
	}

	return nil
}

// migration holds a parsed migration file.
type migration struct {
	version string // e.g. "001_initial_schema"
	sql     string
}

// readMigrations reads all .sql files from the FS, sorted lexicographically.
func readMigrations(files fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migs []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")
		migs = append(migs, migration{version: version, sql: string(content)})
	}

	sort.Slice(migs, func(i, j int) bool {
		return migs[i].version < migs[j].version
	})

	return migs, nil
}

// appliedMigrations returns a set of already-applied migration versions.
func appliedMigrations(ctx context.Context, conn *pgx.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
