// Package sqlite opens the default SQLite-backed store.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/chrislombaard/letterd/internal/apperr"
	"github.com/chrislombaard/letterd/internal/store/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

var Dialect = sqlstore.Dialect{
	Name:     "sqlite",
	IsUnique: isUnique,
	Classify: classify,
}

// DSN builds the connection string for a database file. Times are written in
// SQLite's own format so DATETIME columns sort and compare as text.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite", path)
}

// OpenDB opens the database file without running migrations.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	return db, nil
}

// Open opens path, applies pending migrations and returns the store.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*sqlstore.Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, "up", logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(db, Dialect, logger), nil
}

func Migrate(ctx context.Context, db *sql.DB, command string, logger zerolog.Logger) error {
	return sqlstore.Migrate(ctx, db, migrations, "sqlite3", command, logger)
}

func isUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func classify(err error) apperr.DBKind {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return apperr.DBUnknown
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		return apperr.DBConstraint
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
		return apperr.DBConnectivity
	}
	return apperr.DBUnknown
}
