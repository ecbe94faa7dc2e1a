package guardrails

import (
	"context"
	"errors"
	"testing"
	"time"

	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/store"

	"github.com/stretchr/testify/require"
)

func TestTighter(t *testing.T) {
	require.Equal(t, time.Minute, Tighter(context.Background(), time.Minute))
	require.Zero(t, Tighter(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := Tighter(ctx, time.Hour)
	require.Greater(t, got, time.Duration(0))
	require.LessOrEqual(t, got, 2*time.Second)

	got = Tighter(ctx, 0)
	require.Greater(t, got, time.Duration(0))
	require.Equal(t, 10*time.Millisecond, Tighter(ctx, 10*time.Millisecond))
}

func TestRemaining(t *testing.T) {
	require.Zero(t, Remaining(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	require.Zero(t, Remaining(ctx))
}

func TestForTable(t *testing.T) {
	ctx, cancel := ForTable(context.Background(), Timeouts{})
	_, ok := ctx.Deadline()
	cancel()
	require.False(t, ok, "zero budget adds no deadline")

	ctx, cancel = ForTable(context.Background(), Timeouts{Table: time.Minute})
	dl, ok := ctx.Deadline()
	cancel()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Minute), dl, 5*time.Second)

	parent, pcancel := context.WithTimeout(context.Background(), time.Second)
	defer pcancel()
	ctx, cancel = ForTable(parent, Timeouts{Table: time.Hour})
	defer cancel()
	dl, _ = ctx.Deadline()
	pdl, _ := parent.Deadline()
	require.False(t, dl.After(pdl), "child never extends the parent deadline")
}

func TestForTeardown_SurvivesCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	ctx, done := ForTeardown(parent)
	defer done()
	require.NoError(t, ctx.Err())
	dl, ok := ctx.Deadline()
	require.True(t, ok)
	require.LessOrEqual(t, time.Until(dl), TeardownBudget)
}

// fakeQ records statements and answers the lock query with a fixed value
type fakeQ struct {
	granted bool
	scanErr error
	execs   []string
	args    []any
}

type fakeRow struct {
	v   bool
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.v
	return nil
}

type fakeTag struct{}

func (fakeTag) String() string      { return "SELECT 1" }
func (fakeTag) RowsAffected() int64 { return 1 }

func (f *fakeQ) Exec(_ context.Context, sql string, args ...any) (store.CommandTag, error) {
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args...)
	return fakeTag{}, nil
}

func (f *fakeQ) Query(context.Context, string, ...any) (store.Rows, error) {
	return nil, errors.New("not used")
}

func (f *fakeQ) QueryRow(_ context.Context, _ string, args ...any) store.Row {
	f.args = append(f.args, args...)
	return fakeRow{v: f.granted, err: f.scanErr}
}

func TestTryLease(t *testing.T) {
	q := &fakeQ{granted: true}
	unlock, err := TryLease(context.Background(), q, LeaseKey("metrics_events"))
	require.NoError(t, err)
	require.Equal(t, []any{"trafficnorm:normalize:metrics_events"}, q.args)

	require.NoError(t, unlock(context.Background()))
	require.Len(t, q.execs, 1)
	require.Contains(t, q.execs[0], "pg_advisory_unlock")
}

func TestTryLease_Held(t *testing.T) {
	_, err := TryLease(context.Background(), &fakeQ{granted: false}, LeaseKey("t"))
	require.Error(t, err)
	require.True(t, perr.IsCode(err, perr.ErrorCodeConflict))
	require.Equal(t, perr.ExitCantCreate, perr.ExitCode(err))
}

func TestTryLease_ScanError(t *testing.T) {
	_, err := TryLease(context.Background(), &fakeQ{scanErr: errors.New("boom")}, LeaseKey("t"))
	require.Error(t, err)
	require.False(t, perr.IsCode(err, perr.ErrorCodeConflict))
}
