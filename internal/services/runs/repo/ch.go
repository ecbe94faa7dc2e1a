// Package repo stores run history in clickhouse
//
// Expected table:
//
//	CREATE TABLE normalize_runs (
//	    run_id       String,
//	    table_name   LowCardinality(String),
//	    started_at   DateTime64(3, 'UTC'),
//	    mode         LowCardinality(String),
//	    dry_run      Bool,
//	    catalog      LowCardinality(String),
//	    scanned      UInt64,
//	    staged       UInt64,
//	    merged       UInt64,
//	    bots         UInt64,
//	    humans       UInt64,
//	    fallbacks    UInt64,
//	    duration_ms  UInt64,
//	    status       LowCardinality(String),
//	    failed_stage LowCardinality(String),
//	    error        String
//	) ENGINE = MergeTree ORDER BY (table_name, started_at)
package repo

import (
	"context"
	"strings"

	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/store"
	normdomain "trafficnorm/internal/services/normalize/domain"
	"trafficnorm/internal/services/runs/domain"
)

// DefaultTable is the history table name
const DefaultTable = "normalize_runs"

var columns = []string{
	"run_id", "table_name", "started_at", "mode", "dry_run", "catalog",
	"scanned", "staged", "merged", "bots", "humans", "fallbacks",
	"duration_ms", "status", "failed_stage", "error",
}

// CH implements normalize HistoryPort and runs ReaderPort
type CH struct {
	ch    store.Clickhouse
	table string
}

var (
	_ normdomain.HistoryPort = (*CH)(nil)
	_ domain.ReaderPort      = (*CH)(nil)
)

// NewCH returns the clickhouse history repo; table defaults to normalize_runs
func NewCH(c store.Clickhouse, table string) *CH {
	if c == nil {
		panic("runs.repo requires a clickhouse client")
	}
	if table == "" {
		table = DefaultTable
	}
	return &CH{ch: c, table: table}
}

// Record appends one row per table of run
func (r *CH) Record(ctx context.Context, run normdomain.RunStats) error {
	recs := domain.FromRun(run)
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, len(recs))
	for i, x := range recs {
		rows[i] = []any{
			x.RunID, x.Table, x.StartedAt, x.Mode, x.DryRun, x.Catalog,
			x.Scanned, x.Staged, x.Merged, x.Bots, x.Humans, x.Fallbacks,
			x.DurationMS, x.Status, x.FailedStage, x.Error,
		}
	}
	if err := r.ch.Insert(ctx, r.table+" ("+strings.Join(columns, ", ")+")", rows); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "clickhouse: record run %s", run.RunID)
	}
	return nil
}

// Recent returns the last n records for table, newest first. An empty table lists every table
func (r *CH) Recent(ctx context.Context, table string, n int) ([]domain.Record, error) {
	if n <= 0 {
		n = 20
	}
	sql := "SELECT " + strings.Join(columns, ", ") + " FROM " + r.table
	args := []any{}
	if table != "" {
		sql += " WHERE table_name = ?"
		args = append(args, table)
	}
	sql += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, n)

	rows, err := r.ch.Query(ctx, sql, args...)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnavailable, "clickhouse: read run history")
	}
	defer rows.Close()

	out := make([]domain.Record, 0, n)
	for rows.Next() {
		var x domain.Record
		if err := rows.Scan(
			&x.RunID, &x.Table, &x.StartedAt, &x.Mode, &x.DryRun, &x.Catalog,
			&x.Scanned, &x.Staged, &x.Merged, &x.Bots, &x.Humans, &x.Fallbacks,
			&x.DurationMS, &x.Status, &x.FailedStage, &x.Error,
		); err != nil {
			return nil, perr.Wrap(err, perr.ErrorCodeDB, "clickhouse: scan run history")
		}
		out = append(out, x)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnavailable, "clickhouse: read run history")
	}
	return out, nil
}
