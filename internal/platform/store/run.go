package store

import (
	"context"
	"strconv"
	"time"
)

// SetLocalTimeouts bounds the current transaction's statements and lock waits
// zero leaves the server default in place
func SetLocalTimeouts(ctx context.Context, q RowQuerier, statement, lock time.Duration) error {
	if statement > 0 {
		if _, err := q.Exec(ctx, "SELECT set_config('statement_timeout', $1, true)", ms(statement)); err != nil {
			return err
		}
	}
	if lock > 0 {
		if _, err := q.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", ms(lock)); err != nil {
			return err
		}
	}
	return nil
}

// RunReadOnly calls fn inside a short READ ONLY transaction bounded by timeout
func RunReadOnly(ctx context.Context, tx TxRunner, timeout time.Duration, fn func(ctx context.Context, q RowQuerier) error) error {
	return tx.Tx(ctx, func(q RowQuerier) error {
		if _, err := q.Exec(ctx, "SET TRANSACTION READ ONLY"); err != nil {
			return err
		}
		if err := SetLocalTimeouts(ctx, q, timeout, 0); err != nil {
			return err
		}
		return fn(ctx, q)
	})
}

func ms(d time.Duration) string { return strconv.FormatInt(d.Milliseconds(), 10) }
