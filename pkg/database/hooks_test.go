package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// depthTransactor joins nothing: every call opens a new level.
type depthTransactor struct {
	depth    int
	attempts int
}

func (d *depthTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	d.depth++
	defer func() { d.depth-- }()

	var err error
	for i := 0; i < d.attempts || i == 0; i++ {
		err = fn(ctx)
	}
	return err
}

func TestAfterCommit_WithoutTransactionRunsNow(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func(context.Context) { ran = true })
	assert.True(t, ran)
}

func TestWithCommitHooks_RunsAfterOutermostCommit(t *testing.T) {
	inner := &depthTransactor{}
	tx := WithCommitHooks(inner)

	var depths []int
	err := tx.WithinTransaction(context.Background(), func(ctx context.Context) error {
		return tx.WithinTransaction(ctx, func(ctx context.Context) error {
			AfterCommit(ctx, func(context.Context) { depths = append(depths, inner.depth) })
			assert.Empty(t, depths, "hook must wait for the commit")
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, depths)
}

func TestWithCommitHooks_DropsHooksOnFailure(t *testing.T) {
	tx := WithCommitHooks(&depthTransactor{})
	boom := errors.New("boom")

	ran := false
	err := tx.WithinTransaction(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { ran = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, ran)
}

func TestWithCommitHooks_RetriedBodyRegistersOnce(t *testing.T) {
	tx := WithCommitHooks(&depthTransactor{attempts: 3})

	runs := 0
	err := tx.WithinTransaction(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { runs++ })
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
}

func TestWithCommitHooks_DoesNotWrapTwice(t *testing.T) {
	tx := WithCommitHooks(&depthTransactor{})
	assert.Equal(t, tx, WithCommitHooks(tx))
}
