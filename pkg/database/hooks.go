package database

import "context"

type commitHooksKey struct{}

type commitHooks struct {
	fns []func(ctx context.Context)
}

// AfterCommit runs fn once the outermost transaction open in ctx commits.
// Without an open transaction fn runs right away. Hooks of a transaction
// that fails are dropped.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if hooks, ok := ctx.Value(commitHooksKey{}).(*commitHooks); ok {
		hooks.fns = append(hooks.fns, fn)
		return
	}
	fn(ctx)
}

// hookedTransactor collects AfterCommit hooks registered by the outermost
// unit of work and runs them once it has committed.
type hookedTransactor struct {
	next Transactor
}

// WithCommitHooks wraps next so AfterCommit hooks registered inside its
// units of work run after the outermost one commits.
func WithCommitHooks(next Transactor) Transactor {
	if _, ok := next.(hookedTransactor); ok {
		return next
	}
	return hookedTransactor{next: next}
}

func (t hookedTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(commitHooksKey{}).(*commitHooks); ok {
		return t.next.WithinTransaction(ctx, fn)
	}

	hooks := &commitHooks{}
	err := t.next.WithinTransaction(ctx, func(ctx context.Context) error {
		// A retried transaction registers its hooks again.
		hooks.fns = nil
		return fn(context.WithValue(ctx, commitHooksKey{}, hooks))
	})
	if err != nil {
		return err
	}

	for _, hook := range hooks.fns {
		hook(ctx)
	}
	return nil
}

var _ Transactor = hookedTransactor{}
