package services

import (
	"context"

	"github.com/vantyr/costgate/repositories"
)

// WithTransaction executes a function within a database transaction. The
// manager binds the transaction to the context it passes to fn, so
// repositories called with that context run inside it. Commits on success,
// rolls back on error.
func WithTransaction(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return txMgr.InTransaction(ctx, fn)
}

// WithTransactionResult executes a function within a database transaction
// and returns a result. Uses generics to support any return type.
func WithTransactionResult[T any](ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) (T, error)) (T, error) {
	var result T
	err := txMgr.InTransaction(ctx, func(txCtx context.Context, tx repositories.Transaction) error {
		var fnErr error
		result, fnErr = fn(txCtx, tx)
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
