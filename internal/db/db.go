package db

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// DB wraps sql.DB with the driver name so queries written with '?'
// placeholders run unchanged on every supported backend
type DB struct {
	*sql.DB
	driver string
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time"`
	SkipMigrations  bool          `toml:"skip_migrations"`
}

// Standard errors
var (
	ErrNotFound   = errors.New("db: not found")
	ErrDuplicate  = errors.New("db: duplicate key")
	ErrForeignKey = errors.New("db: foreign key violation")
)

// Open creates a new database connection
func Open(driver, dsn string) (*DB, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// Verify connection
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	// Enable foreign key constraints for SQLite
	if driver == "sqlite3" {
		if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}

	return New(sqlDB, driver), nil
}

// New wraps an already opened handle. Used with sqlmock in tests.
func New(sqlDB *sql.DB, driver string) *DB {
	return &DB{
		DB:     sqlDB,
		driver: driver,
	}
}

// OpenWithConfig creates a connection with custom configuration
func OpenWithConfig(config Config) (*DB, error) {
	db, err := Open(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	// Apply connection pool settings
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	return db, nil
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// Rebind rewrites '?' placeholders into the driver's native form
func (db *DB) Rebind(query string) string {
	return rebind(db.driver, query)
}

func rebind(driver, query string) string {
	if driver != "postgres" && driver != "postgresql" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ExecContext rebinds and executes a statement
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.Rebind(query), args...)
}

// QueryContext rebinds and runs a query
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.Rebind(query), args...)
}

// QueryRowContext rebinds and runs a single-row query
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Rebind(query), args...)
}

// ExecContext rebinds and executes a statement inside the transaction
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.Tx.ExecContext(ctx, tx.db.Rebind(query), args...)
}

// QueryContext rebinds and runs a query inside the transaction
func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.Tx.QueryContext(ctx, tx.db.Rebind(query), args...)
}

// QueryRowContext rebinds and runs a single-row query inside the transaction
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.Tx.QueryRowContext(ctx, tx.db.Rebind(query), args...)
}

// Begin starts a new transaction
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "duplicate key")
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrForeignKey) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "FOREIGN KEY constraint failed") ||
		strings.Contains(errMsg, "violates foreign key constraint")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
