package repositories

import (
	"context"
	"errors"
	"fmt"

	"chat-core/internal/apperr"
	"chat-core/internal/observability"
)

// RunAtomic runs txPath inside a transaction when tx supports one. When the
// store cannot run transactions, or the transaction hits a transient
// conflict, it runs fallback: a sequence of idempotent single-document
// updates that reaches the same end state. A transient fallback failure is
// retried once before surfacing as apperr.ErrRetryable.
func RunAtomic(ctx context.Context, op string, tx Transactor, txPath, fallback func(ctx context.Context) error) error {
	if tx != nil {
		err := tx.WithTx(ctx, txPath)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTxUnsupported) && !errors.Is(err, ErrTransient) {
			return err
		}
	}

	observability.IncStoreFallback(op)
	err := fallback(ctx)
	if err == nil || !errors.Is(err, ErrTransient) {
		return err
	}

	observability.IncStoreRetry(op)
	if err = fallback(ctx); err != nil {
		if errors.Is(err, ErrTransient) {
			return fmt.Errorf("%w: %s: %v", apperr.ErrRetryable, op, err)
		}
		return err
	}
	return nil
}
