// Package domain holds the run history record written after every normalize run
package domain

import (
	"context"
	"time"

	normdomain "trafficnorm/internal/services/normalize/domain"
)

// Status values of a Record
const (
	StatusOK     = "ok"
	StatusError  = "error"
	StatusDryRun = "dry_run"
)

// Record is one table of one run
type Record struct {
	RunID       string    `json:"run_id"`
	Table       string    `json:"table"`
	StartedAt   time.Time `json:"started_at"`
	Mode        string    `json:"mode"`
	DryRun      bool      `json:"dry_run"`
	Catalog     string    `json:"catalog"`
	Scanned     uint64    `json:"scanned"`
	Staged      uint64    `json:"staged"`
	Merged      uint64    `json:"merged"`
	Bots        uint64    `json:"bots"`
	Humans      uint64    `json:"humans"`
	Fallbacks   uint64    `json:"fallbacks"`
	DurationMS  uint64    `json:"duration_ms"`
	Status      string    `json:"status"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// FromRun flattens run into one record per table
func FromRun(run normdomain.RunStats) []Record {
	out := make([]Record, 0, len(run.Tables))
	for _, t := range run.Tables {
		status := StatusOK
		switch {
		case t.Err != "":
			status = StatusError
		case run.DryRun:
			status = StatusDryRun
		}
		out = append(out, Record{
			RunID:       run.RunID,
			Table:       t.Table,
			StartedAt:   run.StartedAt,
			Mode:        string(run.Mode),
			DryRun:      run.DryRun,
			Catalog:     run.Catalog,
			Scanned:     u64(t.Scanned),
			Staged:      u64(t.Staged),
			Merged:      u64(t.Merged),
			Bots:        u64(t.Bots),
			Humans:      u64(t.Humans),
			Fallbacks:   u64(t.Fallbacks),
			DurationMS:  u64(t.Duration.Milliseconds()),
			Status:      status,
			FailedStage: t.FailedStage,
			Error:       t.Err,
		})
	}
	return out
}

func u64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// ReaderPort lists recent history
type ReaderPort interface {
	Recent(ctx context.Context, table string, n int) ([]Record, error)
}
