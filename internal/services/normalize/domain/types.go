// Package domain holds the data shapes and ports of the normalization pipeline
package domain

import (
	"strings"

	perr "trafficnorm/internal/platform/errors"
)

// Mode selects which rows a run touches and how the merge treats existing values
type Mode string

const (
	// ModeIncremental selects rows that still need normalization and never overwrites
	ModeIncremental Mode = "incremental"
	// ModeFull selects every row but still keeps existing non-null values
	ModeFull Mode = "full"
	// ModeForced selects every row and lets staged values win
	ModeForced Mode = "forced"
)

// ParseMode accepts incremental, full or forced, case-insensitive
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeIncremental, ModeFull, ModeForced:
		return m, nil
	case "":
		return ModeIncremental, nil
	default:
		return "", perr.InvalidArgf("unknown mode %q (want incremental, full or forced)", s)
	}
}

// SelectsAll reports whether the run ignores the needs-normalization predicate
func (m Mode) SelectsAll() bool { return m == ModeFull || m == ModeForced }

// Rule returns the merge rule this mode implies
func (m Mode) Rule() MergeRule {
	if m == ModeForced {
		return PreferStaged
	}
	return PreserveExisting
}

// MergeRule decides which side of a column wins when both are non-null
type MergeRule int

const (
	// PreserveExisting keeps a non-null live value: COALESCE(existing, staged)
	PreserveExisting MergeRule = iota
	// PreferStaged overwrites unless the staged value is null: COALESCE(staged, existing)
	PreferStaged
)

func (r MergeRule) String() string {
	if r == PreferStaged {
		return "prefer_staged"
	}
	return "preserve_existing"
}

// Layout is what a target table offers, detected from the catalog
type Layout struct {
	Table string

	// UserAgent is set when user_agent and the browser/os/device columns exist
	UserAgent bool
	// IsBot is set when the is_bot column exists
	IsBot bool
	// Referrer is set when referrer and referrer_normalized exist
	Referrer bool
	// Domain is set when domain and domain_normalized exist
	Domain bool
	// Watermark is set when normalized_at exists
	Watermark bool
}

// Empty reports whether no stage applies to the table
func (l Layout) Empty() bool { return !l.UserAgent && !l.Referrer && !l.Domain }

// Stages lists the enabled stages for logs
func (l Layout) Stages() []string {
	var out []string
	if l.UserAgent {
		out = append(out, "user_agent")
	}
	if l.Referrer {
		out = append(out, "referrer")
	}
	if l.Domain {
		out = append(out, "domain")
	}
	return out
}

// RawRecord is one source row. Nil means SQL NULL
type RawRecord struct {
	ID        int64
	UserAgent *string
	Referrer  *string
	Domain    *string
}

// StagedRow is a transformed row ready for the staging area.
// Columns not covered by the table layout are ignored by the sink
type StagedRow struct {
	ID       int64
	Browser  *string
	OS       *string
	Device   *string
	IsBot    *bool
	Referrer *string
	Domain   *string
}

// SelectSpec bounds one candidate selection
type SelectSpec struct {
	Mode  Mode
	Limit int // 0 means no cap
}

// Options are the run controller inputs
type Options struct {
	Mode   Mode
	Limit  int
	DryRun bool
	// BatchSize is rows per staging copy; 0 leaves it to the stager's configured size
	BatchSize int
	Verbose   bool
	// Tables overrides the configured table list when non-empty
	Tables []string
}

// DefaultBatchSize is the staging copy chunk size
const DefaultBatchSize = 1000

// Stage names used in stats and history
const (
	StageLayout    = "layout"
	StageSelect    = "select"
	StageTransform = "transform"
	StageStage     = "stage"
	StageMerge     = "merge"
)
