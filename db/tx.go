package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/stratacms/strata/common"
)

type txKey struct{}

// txState is the per-task ambient transaction slot: the open transaction and
// the after-commit queue of the outermost WithTransaction call.
type txState struct {
	tx          pgx.Tx
	afterCommit []func(context.Context)
}

func ambientTx(ctx context.Context) pgx.Tx {
	if state, ok := ctx.Value(txKey{}).(*txState); ok && state != nil {
		return state.tx
	}
	return nil
}

// InTransaction reports whether the context carries an open transaction.
func InTransaction(ctx context.Context) bool {
	return ambientTx(ctx) != nil
}

// WithTransaction runs fn inside a transaction. A context that already
// carries one is reused, so nested calls share the outermost transaction and
// its after-commit queue. On the outermost commit the queued callbacks run
// sequentially; their errors are observed but never returned.
func (d *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return common.Internalf(err, "failed to begin transaction")
	}
	state := &txState{tx: tx}
	txCtx := context.WithValue(ctx, txKey{}, state)

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return common.Internalf(err, "failed to commit transaction")
	}

	// Callbacks run on the original context: the transaction is gone.
	for _, cb := range state.afterCommit {
		d.runAfterCommit(ctx, cb)
	}
	return nil
}

func (d *DB) runAfterCommit(ctx context.Context, cb func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.observeAfterCommitError(common.E(common.KindInternal, "after-commit callback panicked: %v", r))
		}
	}()
	cb(ctx)
}

func (d *DB) observeAfterCommitError(err error) {
	if d.OnAfterCommitError != nil {
		d.OnAfterCommitError(err)
		return
	}
	common.Logger.WithError(err).Error("after-commit callback failed")
}

// OnAfterCommit queues fn to run after the outermost transaction commits.
// Outside a transaction fn runs immediately in its own goroutine. Errors are
// logged through the DB's error observer in both cases.
func (d *DB) OnAfterCommit(ctx context.Context, fn func(ctx context.Context) error) {
	wrapped := func(runCtx context.Context) {
		if err := fn(runCtx); err != nil {
			d.observeAfterCommitError(err)
		}
	}
	if state, ok := ctx.Value(txKey{}).(*txState); ok && state != nil {
		state.afterCommit = append(state.afterCommit, wrapped)
		return
	}
	go d.runAfterCommit(context.WithoutCancel(ctx), wrapped)
}
