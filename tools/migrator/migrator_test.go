package migrator

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		t.Fatalf("failed to check if table exists: %v", err)
	}
	return true
}

func file(s string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(s)}
}

func validFS() fstest.MapFS {
	return fstest.MapFS{
		"m/001_create_users.sql": file("-- +migrate Up\nCREATE TABLE users (id TEXT PRIMARY KEY);\n"),
		"m/002_create_posts.sql": file("-- comment before marker\n-- +migrate Up\nCREATE TABLE posts (id TEXT PRIMARY KEY);\nCREATE INDEX idx_posts ON posts(id);\n"),
		"m/README.md":            file("not a migration"),
	}
}

// =============================================================================
// Parser Tests
// =============================================================================

func TestParseMigration_Valid(t *testing.T) {
	m, err := ParseMigration("001_create_users.sql", []byte("-- +migrate Up\nCREATE TABLE users (id TEXT);\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}
	if m.Name != "create_users" {
		t.Errorf("expected name 'create_users', got '%s'", m.Name)
	}
	if m.UpSQL != "CREATE TABLE users (id TEXT);" {
		t.Errorf("unexpected SQL: %q", m.UpSQL)
	}
	if m.NoTransaction {
		t.Error("expected transactional migration")
	}
}

func TestParseMigration_NoTransaction(t *testing.T) {
	m, err := ParseMigration("003_index.sql", []byte("-- +migrate Up notransaction\nCREATE INDEX i ON t(c);"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.NoTransaction {
		t.Error("expected NoTransaction")
	}
}

func TestParseMigration_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
	}{
		{"bad filename", "1_users.sql", "-- +migrate Up\nSELECT 1;"},
		{"no extension", "001_users", "-- +migrate Up\nSELECT 1;"},
		{"missing marker", "001_users.sql", "CREATE TABLE users (id TEXT);"},
		{"empty sql", "001_users.sql", "-- +migrate Up\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMigration(tt.filename, []byte(tt.content)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoadMigrations_Valid(t *testing.T) {
	migrations, err := LoadMigrations(validFS(), "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d has version %d", i, m.Version)
		}
	}
}

func TestLoadMigrations_Gap(t *testing.T) {
	fsys := fstest.MapFS{
		"m/001_a.sql": file("-- +migrate Up\nSELECT 1;"),
		"m/003_c.sql": file("-- +migrate Up\nSELECT 1;"),
	}
	_, err := LoadMigrations(fsys, "m")
	if err == nil || !strings.Contains(err.Error(), "gap") {
		t.Errorf("expected gap error, got %v", err)
	}
}

func TestLoadMigrations_Duplicate(t *testing.T) {
	fsys := fstest.MapFS{
		"m/001_a.sql": file("-- +migrate Up\nSELECT 1;"),
		"m/001_b.sql": file("-- +migrate Up\nSELECT 2;"),
	}
	_, err := LoadMigrations(fsys, "m")
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestLoadMigrations_DirectoryNotFound(t *testing.T) {
	if _, err := LoadMigrations(fstest.MapFS{}, "missing"); err == nil {
		t.Error("expected error for missing directory")
	}
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestRunMigrations_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	applied, err := RunMigrations(ctx, db, "sqlite3", validFS(), "m")
	if err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("expected 2 applied, got %v", applied)
	}
	if !tableExists(t, db, "users") || !tableExists(t, db, "posts") {
		t.Error("expected tables to exist")
	}

	version, err := GetCurrentVersion(ctx, db)
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := RunMigrations(ctx, db, "sqlite3", validFS(), "m"); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	applied, err := RunMigrations(ctx, db, "sqlite3", validFS(), "m")
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected nothing applied, got %v", applied)
	}
}

func TestRunMigrations_FailedMigrationRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"m/001_ok.sql":  file("-- +migrate Up\nCREATE TABLE ok (id TEXT);"),
		"m/002_bad.sql": file("-- +migrate Up\nCREATE TABLE half (id TEXT);\nNOT VALID SQL;"),
	}

	applied, err := RunMigrations(ctx, db, "sqlite3", fsys, "m")
	if err == nil {
		t.Fatal("expected error from invalid migration")
	}
	if len(applied) != 1 {
		t.Errorf("expected first migration applied, got %v", applied)
	}
	if tableExists(t, db, "half") {
		t.Error("expected partial migration to be rolled back")
	}

	version, _ := GetCurrentVersion(ctx, db)
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
}

func TestGetCurrentVersion_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	version, err := GetCurrentVersion(context.Background(), db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}

func TestGetAppliedMigrations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := RunMigrations(ctx, db, "sqlite3", validFS(), "m"); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	versions, err := GetAppliedMigrations(ctx, db)
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Errorf("unexpected versions %v", versions)
	}
}

func TestPlaceholder(t *testing.T) {
	if got := placeholder("postgres", 2); got != "$2" {
		t.Errorf("postgres placeholder = %q", got)
	}
	if got := placeholder("sqlite3", 2); got != "?" {
		t.Errorf("sqlite placeholder = %q", got)
	}
}
