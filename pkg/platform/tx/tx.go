package tx

import (
	"context"
	"database/sql"
)

type ctxKey struct{}

type lockKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// WithLock records that ctx runs inside the writer section owned by holder.
// In-memory stores use it so nested calls on the same context join the
// running section instead of re-acquiring the lock.
func WithLock(ctx context.Context, holder any) context.Context {
	if holder == nil {
		return ctx
	}
	return context.WithValue(ctx, lockKey{}, holder)
}

// HoldsLock reports whether ctx runs inside the writer section owned by holder.
func HoldsLock(ctx context.Context, holder any) bool {
	h := ctx.Value(lockKey{})
	return h != nil && h == holder
}
