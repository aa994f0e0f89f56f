// Package dbtest provides a migrated SQLite database for tests.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/digestd/internal/db"
	"github.com/livinlefevreloca/digestd/internal/report"
)

// New creates a file-backed SQLite database with the schema applied. Each
// connection of an in-memory SQLite database is a separate database, so a
// temp file is used to share state across the pool.
func New(t testing.TB) *db.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "digestd.db")
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on", path)

	database, err := db.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})

	if _, err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return database
}

// MakeConfiguration returns a configuration with default test values
func MakeConfiguration(id string, targets ...report.Target) *report.Configuration {
	return &report.Configuration{
		ID:         id,
		UserID:     "user-" + id,
		Repository: "acme/widgets",
		Branch:     "main",
		Schedule:   "0 9 * * 1-5",
		Timezone:   "America/New_York",
		Enabled:    true,
		Formatting: report.DefaultFormattingOptions(),
		Targets:    targets,
	}
}

// Seed inserts an entitled owner and the configuration
func Seed(t testing.TB, database *db.DB, cfg *report.Configuration) {
	t.Helper()
	ctx := context.Background()

	if err := database.CreateUser(ctx, cfg.UserID, true); err != nil && !db.IsDuplicate(err) {
		t.Fatalf("failed to seed user: %v", err)
	}
	if err := database.CreateConfiguration(ctx, cfg); err != nil {
		t.Fatalf("failed to seed configuration: %v", err)
	}
}
