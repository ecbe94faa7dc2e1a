package guardrails

import (
	"context"

	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/store"
)

// LeaseKey namespaces advisory locks taken for a table
func LeaseKey(table string) string { return "trafficnorm:normalize:" + table }

// TryLease takes a session level advisory lock for key on q.
// q must be a pinned session; the lock lives until unlock runs or the session ends.
// A lock held elsewhere is a Conflict error
func TryLease(ctx context.Context, q store.RowQuerier, key string) (unlock func(context.Context) error, err error) {
	var ok bool
	if err := q.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok); err != nil {
		return nil, perr.FromStore(err, "advisory lock")
	}
	if !ok {
		return nil, perr.Conflictf("another run holds %s", key)
	}
	return func(ctx context.Context) error {
		_, err := q.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key)
		return err
	}, nil
}
