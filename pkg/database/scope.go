package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoScope is returned when a repository is called without a scoped
// connection in its context.
var ErrNoScope = errors.New("no database scope in context")

// Querier is the subset of pgx shared by connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Scope wraps a pooled connection and the transaction open on it, if any.
// A Scope belongs to one unit of work and must not be shared across goroutines.
type Scope struct {
	Conn *pgxpool.Conn
	tx   pgx.Tx
}

// Close releases the connection to the pool.
// This MUST be called to return the connection; an open transaction is
// rolled back first.
func (s *Scope) Close() {
	if s.Conn == nil {
		return
	}
	if s.tx != nil {
		_ = s.tx.Rollback(context.Background())
		s.tx = nil
	}
	s.Conn.Release()
}

// Querier returns the open transaction or, outside one, the connection.
func (s *Scope) Querier() Querier {
	if s.tx != nil {
		return s.tx
	}
	return s.Conn
}

// InTransaction reports whether a transaction is open on the scope.
func (s *Scope) InTransaction() bool {
	return s.tx != nil
}

// NewScope acquires a connection for a unit of work.
// The returned Scope MUST be closed with defer scope.Close().
func (db *DB) NewScope(ctx context.Context) (*Scope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Scope{Conn: conn}, nil
}

// QuerierFrom returns the querier of the scope stored in ctx.
func QuerierFrom(ctx context.Context) (Querier, error) {
	scope, ok := GetScope(ctx)
	if !ok || scope.Conn == nil {
		return nil, ErrNoScope
	}
	return scope.Querier(), nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
