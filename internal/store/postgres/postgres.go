// Package postgres opens a PostgreSQL-backed store through the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/chrislombaard/letterd/internal/apperr"
	"github.com/chrislombaard/letterd/internal/store/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	uniqueViolationCode = "23505"
	// Class 08: connection exception. Class 57P: operator intervention.
	connectionExceptionClass = "08"
	adminShutdownClass       = "57P"
)

var Dialect = sqlstore.Dialect{
	Name:     "postgres",
	Numbered: true,
	IsUnique: IsUniqueViolation,
	Classify: classify,
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func Open(ctx context.Context, dsn string, opts Options, logger zerolog.Logger) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, apperr.Database("connect postgres", apperr.DBConnectivity, err)
	}
	if err := Migrate(ctx, db, "up", logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(db, Dialect, logger), nil
}

func Migrate(ctx context.Context, db *sql.DB, command string, logger zerolog.Logger) error {
	return sqlstore.Migrate(ctx, db, migrations, "postgres", command, logger)
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func classify(err error) apperr.DBKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return apperr.DBConstraint
		case strings.HasPrefix(pgErr.Code, connectionExceptionClass), strings.HasPrefix(pgErr.Code, adminShutdownClass):
			return apperr.DBConnectivity
		}
		return apperr.DBUnknown
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return apperr.DBConnectivity
	}
	return apperr.DBUnknown
}
