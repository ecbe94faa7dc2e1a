// Package guardrails holds the time and lock budgets that keep a run from
// contending with live readers of the target tables
package guardrails

import (
	"context"
	"time"
)

// Timeouts bundles the budgets of one table run.
// Zero values mean no extra limit at that level
type Timeouts struct {
	// Table is the wall clock budget for one table from select to teardown
	Table time.Duration

	// Select is the server side statement_timeout of the candidate read
	Select time.Duration

	// Merge is the server side statement_timeout of the merge transaction
	Merge time.Duration

	// Lock is the lock_timeout of the merge transaction
	Lock time.Duration
}

// DefaultTimeouts are used when configuration leaves them unset
var DefaultTimeouts = Timeouts{
	Select: 5 * time.Minute,
	Merge:  10 * time.Minute,
	Lock:   5 * time.Second,
}

// TeardownBudget bounds dropping the staging area after a failure or cancel
const TeardownBudget = 10 * time.Second

// ForTable returns a context limited by the table budget without extending any parent deadline
func ForTable(parent context.Context, t Timeouts) (context.Context, context.CancelFunc) {
	return withChildTimeout(parent, t.Table)
}

// ForTeardown returns a context that survives cancellation of parent and
// is bounded by TeardownBudget, so cleanup still runs after an interrupt
func ForTeardown(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), TeardownBudget)
}

// Remaining returns the time until the deadline on ctx or zero when none is set or already expired
func Remaining(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		d := time.Until(dl)
		if d > 0 {
			return d
		}
	}
	return 0
}

// Tighter returns the smaller positive of d and what is left on ctx.
// Used to keep server side timeouts inside the client budget
func Tighter(ctx context.Context, d time.Duration) time.Duration {
	rem := Remaining(ctx)
	switch {
	case rem <= 0:
		return d
	case d <= 0 || rem < d:
		return rem
	default:
		return d
	}
}

// withChildTimeout chooses the tighter of the requested duration and any parent remainder
func withChildTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	if rem := Remaining(parent); rem > 0 && rem < d {
		return context.WithTimeout(parent, rem)
	}
	return context.WithTimeout(parent, d)
}
