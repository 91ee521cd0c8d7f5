package database

import (
	"context"
	"fmt"
)

// Transactor runs a function as one unit of work. Repository calls made
// with the context passed to fn take part in the same transaction when the
// backend supports it.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// pgTransactor opens a transaction on the scope found in the context.
type pgTransactor struct{}

// NewTransactor returns the PostgreSQL transactor.
func NewTransactor() Transactor {
	return WithCommitHooks(pgTransactor{})
}

// WithinTransaction begins a transaction on the context's scope, runs fn
// and commits when fn succeeds. A call made while a transaction is already
// open joins it.
func (pgTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	scope, ok := GetScope(ctx)
	if !ok || scope.Conn == nil {
		return ErrNoScope
	}
	if scope.InTransaction() {
		return fn(ctx)
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	scope.tx = tx
	defer func() {
		scope.tx = nil
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var _ Transactor = pgTransactor{}
