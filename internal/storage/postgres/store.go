// Package postgres implements the borrow gateway and the catalog and user
// repositories on PostgreSQL. Units of work run at READ COMMITTED and take row
// locks with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"bookloans/internal/common"
	"bookloans/internal/ledger"
)

const driverName = "postgres"

// Store is the PostgreSQL implementation of every persistence interface.
type Store struct {
	db     *sqlx.DB
	events *ledger.EventStore
	tracer trace.Tracer
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
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

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		events: ledger.NewEventStore(),
		tracer: otel.Tracer("bookloans/storage/postgres"),
	}
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
)

// mapError turns driver errors into domain errors where the constraint that
// fired tells us what went wrong. Anything else is wrapped with op.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			e := common.Conflict(fmt.Sprintf("duplicate value violates %s", pqErr.Constraint))
			e.Err = err
			return e
		case codeCheckViolation:
			return common.Persistence(op, fmt.Errorf("check constraint %s: %w", pqErr.Constraint, err))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isForeignKey(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == codeForeignKeyViolation && pqErr.Constraint == constraint
}
