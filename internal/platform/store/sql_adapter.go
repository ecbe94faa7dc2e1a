package store

import (
	"context"
	"errors"
	"time"

	"trafficnorm/internal/platform/store/pg"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgxQuerier is what a pool, a pinned conn and a tx have in common
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// tracing reports statements to the pg tracer, when one is set
type tracing struct {
	tracer pg.QueryTracer
	slowUS int64
}

func (t tracing) emit(ctx context.Context, sql string, args []any, start time.Time, err error) {
	if t.tracer == nil {
		return
	}
	us := time.Since(start).Microseconds()
	t.tracer.OnQuery(ctx, pg.QueryEvent{
		SQL:       sql,
		Args:      args,
		ElapsedUS: us,
		Err:       err,
		Slow:      t.slowUS >= 0 && us >= t.slowUS,
	})
}

// traced is a RowQuerier over any pgxQuerier
type traced struct {
	q pgxQuerier
	tracing
}

func (t traced) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	start := time.Now()
	ct, err := t.q.Exec(ctx, sql, args...)
	t.emit(ctx, sql, args, start, err)
	return ct, err
}

func (t traced) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	start := time.Now()
	rs, err := t.q.Query(ctx, sql, args...)
	t.emit(ctx, sql, args, start, err)
	if err != nil {
		return nil, err
	}
	return rows{rs}, nil
}

// QueryRow defers the trace until Scan, where pgx reports the error
func (t traced) QueryRow(ctx context.Context, sql string, args ...any) Row {
	start := time.Now()
	return row{Row: t.q.QueryRow(ctx, sql, args...), done: func(err error) { t.emit(ctx, sql, args, start, err) }}
}

// pgAdapter is the pool backed TxRunner and Sessioner
type pgAdapter struct {
	traced
	p *pg.PG
}

func newPGAdapter(p *pg.PG) *pgAdapter {
	return &pgAdapter{
		traced: traced{q: p.Pool, tracing: tracing{tracer: p.Tracer, slowUS: int64(p.SlowMs) * 1000}},
		p:      p,
	}
}

func (a *pgAdapter) Ping(ctx context.Context) error {
	if a == nil {
		return errors.New("pg: nil adapter")
	}
	return a.p.Pool.Ping(ctx)
}

func (a *pgAdapter) Close() error { a.p.Close(); return nil }

func (a *pgAdapter) Tx(ctx context.Context, fn func(q RowQuerier) error) error {
	return runTx(ctx, a.p.Pool.Begin, a.tracing, fn)
}

// Session pins one pool connection until Release
func (a *pgAdapter) Session(ctx context.Context) (Session, error) {
	c, err := a.p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return newSession(c, c.Release, a.tracing), nil
}

// runTx commits when fn succeeds and rolls back otherwise. The rollback
// ignores cancellation of ctx so locks are not held until the conn dies
func runTx(ctx context.Context, begin func(context.Context) (pgx.Tx, error), tr tracing, fn func(q RowQuerier) error) error {
	tx, err := begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(traced{q: tx, tracing: tr}); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	return tx.Commit(ctx)
}

type row struct {
	pgx.Row
	done func(error)
}

func (r row) Scan(dst ...any) error {
	err := r.Row.Scan(dst...)
	if r.done != nil {
		r.done(err)
	}
	return err
}

type rows struct{ pgx.Rows }

func (r rows) Columns() []string {
	fds := r.FieldDescriptions()
	out := make([]string, len(fds))
	for i, fd := range fds {
		out[i] = fd.Name
	}
	return out
}
