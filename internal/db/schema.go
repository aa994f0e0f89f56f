package db

import (
	"context"
	"embed"

	"github.com/livinlefevreloca/digestd/tools/migrator"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations and returns the versions
// that were applied by this call
func (db *DB) Migrate(ctx context.Context) ([]int, error) {
	return migrator.RunMigrations(ctx, db.DB, db.driver, migrations, "migrations")
}
