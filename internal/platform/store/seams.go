package store

import "context"

// Row is a single result row
type Row interface {
	Scan(dest ...any) error
}

// Rows is a result set; callers must Close it
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
	Columns() []string
}

// CommandTag reports what a statement did
type CommandTag interface {
	String() string
	RowsAffected() int64
}

// RowQuerier runs statements
type RowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// TxRunner runs statements and transactions. fn's error rolls the tx back
type TxRunner interface {
	RowQuerier
	Tx(ctx context.Context, fn func(q RowQuerier) error) error
}

// CopySource has the method set of pgx.CopyFromSource
type CopySource interface {
	Next() bool
	Values() ([]any, error)
	Err() error
}

// Session is a TxRunner pinned to one connection. Temp tables, session
// settings and session level advisory locks live until Release
type Session interface {
	TxRunner
	CopyFrom(ctx context.Context, table []string, columns []string, src CopySource) (int64, error)
	Release()
}

// Sessioner hands out Sessions
type Sessioner interface {
	Session(ctx context.Context) (Session, error)
}

// Clickhouse writes and reads run history
type Clickhouse interface {
	Insert(ctx context.Context, table string, data any) error
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Close() error
}

// Pinger reports readiness
type Pinger interface{ Ping(context.Context) error }
