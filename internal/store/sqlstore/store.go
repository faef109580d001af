// Package sqlstore implements store.Store over database/sql. The sqlite and
// postgres packages supply a Dialect and open the connection.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chrislombaard/letterd/internal/apperr"
	"github.com/chrislombaard/letterd/internal/store"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of "?".
	Numbered bool
	// IsUnique reports whether err is a uniqueness violation.
	IsUnique func(err error) bool
	// Classify maps a driver error to a DBKind. It may return DBUnknown.
	Classify func(err error) apperr.DBKind
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	log     zerolog.Logger
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB, dialect Dialect, logger zerolog.Logger) *Store {
	return &Store{db: db, dialect: dialect, log: logger.With().Str("store", dialect.Name).Logger()}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.wrap("ping", s.db.PingContext(ctx))
}

func (s *Store) Close() error { return s.db.Close() }

// q rewrites "?" placeholders for dialects that number them.
func (s *Store) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// wrap converts a driver error into the apperr taxonomy.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.NotFound(op)
	case s.dialect.IsUnique != nil && s.dialect.IsUnique(err):
		return store.Duplicate(op, err)
	}
	return apperr.Database(op, s.classify(err), err)
}

func (s *Store) classify(err error) apperr.DBKind {
	if s.dialect.Classify != nil {
		if kind := s.dialect.Classify(err); kind != apperr.DBUnknown {
			return kind
		}
	}
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.As(err, &netErr):
		return apperr.DBConnectivity
	}
	return apperr.DBUnknown
}

type txFn func(ctx context.Context, tx *sql.Tx) error

// inTx runs fn in a transaction, rolling back on error or panic.
func (s *Store) inTx(ctx context.Context, fn txFn) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error().Err(rbErr).Interface("panic", p).Msg("rollback after panic failed")
			}
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error().Err(rbErr).AnErr("original", err).Msg("rollback failed")
			return fmt.Errorf("rollback: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// affected returns a not-found or conflict error when res touched no row.
// exists is consulted only on zero rows.
func (s *Store) affected(ctx context.Context, q querier, op string, res sql.Result, existsQuery string, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(op, err)
	}
	if n > 0 {
		return nil
	}
	if existsQuery == "" {
		return store.NotFound(op)
	}
	var one int
	if err := q.QueryRowContext(ctx, s.q(existsQuery), id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound(op)
		}
		return s.wrap(op, err)
	}
	return store.Conflict(op)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}
