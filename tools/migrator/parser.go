package migrator

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
)

// ParseMigration parses the contents of a migration file named filename.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upMarkerLine := -1
	noTransaction := false
	for i, line := range lines {
		m := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		upMarkerLine = i
		noTransaction = strings.TrimSpace(m[1]) == "notransaction"
		break
	}
	if upMarkerLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	sql := strings.TrimSpace(strings.Join(lines[upMarkerLine+1:], "\n"))
	if sql == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version:       version,
		Name:          matches[2],
		UpSQL:         sql,
		NoTransaction: noTransaction,
	}, nil
}

// LoadMigrations reads every NNN_name.sql file in dir of fsys, validates the
// sequence, and returns the migrations sorted by version.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}
		migration, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	// Validate sequence (no gaps, no duplicates)
	for i, m := range migrations {
		if i > 0 && m.Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		if m.Version != i+1 {
			return nil, fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}

	return migrations, nil
}
