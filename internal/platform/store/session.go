package store

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// PgConn is one pgx connection. *pgxpool.Conn, *pgx.Conn and pgxmock
// connections satisfy it
type PgConn interface {
	pgxQuerier
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// session keeps every statement on one backend so temp tables and
// advisory locks stay visible between steps
type session struct {
	traced
	c       PgConn
	release func()
	once    sync.Once
}

var _ Session = (*session)(nil)

// NewSession wraps c without tracing. release runs once, on the first Release
func NewSession(c PgConn, release func()) Session { return newSession(c, release, tracing{}) }

func newSession(c PgConn, release func(), tr tracing) *session {
	return &session{traced: traced{q: c, tracing: tr}, c: c, release: release}
}

func (s *session) Tx(ctx context.Context, fn func(q RowQuerier) error) error {
	return runTx(ctx, s.c.Begin, s.tracing, fn)
}

// CopyFrom streams src into table over the COPY protocol
func (s *session) CopyFrom(ctx context.Context, table []string, columns []string, src CopySource) (int64, error) {
	id := pgx.Identifier(table)
	start := time.Now()
	n, err := s.c.CopyFrom(ctx, id, columns, src)
	s.emit(ctx, "COPY "+id.Sanitize()+" FROM STDIN", nil, start, err)
	return n, err
}

func (s *session) Release() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
