package postgres

import (
	"context"
	"database/sql"
	"time"

	dErrors "atsflow/pkg/domain-errors"
	txcontext "atsflow/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// Runner runs a unit of work in one SQL transaction. Stores reached through
// the ctx handed to fn pick the transaction up with tx.Pick.
type Runner struct {
	db      *sql.DB
	timeout time.Duration
}

func NewRunner(db *sql.DB, timeout time.Duration) *Runner {
	return &Runner{db: db, timeout: timeout}
}

func (r *Runner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}

	timeout := r.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "commit transaction")
	}
	return nil
}
