package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
)

// RunMigrations applies all pending migrations found in dir of fsys.
// It returns the versions it applied.
func RunMigrations(ctx context.Context, db *sql.DB, driver string, fsys fs.FS, dir string) ([]int, error) {
	if err := createSchemaTable(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to create schema table: %w", err)
	}

	if err := acquireLock(ctx, db, driver); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer releaseLock(context.Background(), db, driver)

	migrations, err := LoadMigrations(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := GetAppliedMigrations(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedSet := make(map[int]bool, len(applied))
	maxApplied := 0
	for _, v := range applied {
		appliedSet[v] = true
		if v > maxApplied {
			maxApplied = v
		}
	}

	var done []int
	for _, migration := range migrations {
		if appliedSet[migration.Version] {
			continue
		}
		// Can't go backwards
		if migration.Version < maxApplied {
			return done, fmt.Errorf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", migration.Version, maxApplied)
		}
		if err := applyMigration(ctx, db, driver, migration); err != nil {
			return done, fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
		done = append(done, migration.Version)
	}

	return done, nil
}

// GetCurrentVersion returns the highest applied migration version.
// Returns 0 if no migrations have been applied.
func GetCurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// GetAppliedMigrations returns a slice of all applied migration versions, sorted.
func GetAppliedMigrations(ctx context.Context, db *sql.DB) ([]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func isMissingTable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}

func createSchemaTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// applyMigration executes a single migration and records it in schema_migrations.
func applyMigration(ctx context.Context, db *sql.DB, driver string, migration Migration) error {
	record := "INSERT INTO schema_migrations (version) VALUES (" + placeholder(driver, 1) + ")"

	if migration.NoTransaction {
		if _, err := db.ExecContext(ctx, migration.UpSQL); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if _, err := db.ExecContext(ctx, record, migration.Version); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, migration.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// placeholder returns the appropriate SQL placeholder for the given driver.
func placeholder(driver string, n int) string {
	switch driver {
	case "postgres", "postgresql":
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

// acquireLock takes a postgres advisory lock; SQLite relies on file locking.
func acquireLock(ctx context.Context, db *sql.DB, driver string) error {
	switch driver {
	case "postgres", "postgresql":
		_, err := db.ExecContext(ctx, "SELECT pg_advisory_lock(743201)")
		return err
	default:
		return nil
	}
}

func releaseLock(ctx context.Context, db *sql.DB, driver string) error {
	switch driver {
	case "postgres", "postgresql":
		_, err := db.ExecContext(ctx, "SELECT pg_advisory_unlock(743201)")
		return err
	default:
		return nil
	}
}
