package domain

import "context"

// RunnerPort is what the CLI calls
type RunnerPort interface {
	Run(ctx context.Context, opts Options) (RunStats, error)
}

// SourceRepo reads the permanent store
type SourceRepo interface {
	// Layout detects which stages a table supports
	Layout(ctx context.Context, table string) (Layout, error)

	// Select reads candidate rows in one short read-only transaction, newest first
	Select(ctx context.Context, l Layout, spec SelectSpec) ([]RawRecord, error)
}

// StagingSink is a run-scoped staging area bound to one target table
type StagingSink interface {
	// Stage bulk-writes rows into the staging area
	Stage(ctx context.Context, rows []StagedRow) (int64, error)

	// MergeInto applies the staged rows to the target in one transaction
	MergeInto(ctx context.Context, rule MergeRule) (int64, error)

	// Discard drops the staging area and releases its connection; safe to call twice
	Discard(ctx context.Context) error
}

// Stager opens staging sinks. batch is the bulk copy chunk size, <=0 keeps the default
type Stager interface {
	Open(ctx context.Context, l Layout, batch int) (StagingSink, error)
}

// HistoryPort records finished runs; failures there never fail a run
type HistoryPort interface {
	Record(ctx context.Context, run RunStats) error
}

// Observer receives stats for metrics export
type Observer interface {
	ObserveTable(run RunStats, t TableStats)
	ObserveRun(run RunStats, err error)
}
