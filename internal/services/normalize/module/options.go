package module

import (
	"time"

	"trafficnorm/internal/core/signatures"
	"trafficnorm/internal/platform/config"
	"trafficnorm/internal/services/normalize/domain"
	"trafficnorm/internal/services/normalize/guardrails"
	"trafficnorm/internal/services/normalize/service"
)

// DefaultTables are normalized when CORE_NORMALIZE_TABLES is unset
var DefaultTables = []string{"metrics_page_views", "metrics_events"}

// Options holds configuration options for the normalize module
type Options struct {
	Tables      []string
	SelfDomains []string

	BatchSize     int
	Workers       int
	ProgressEvery int

	TableTimeout  time.Duration
	SelectTimeout time.Duration
	MergeTimeout  time.Duration
	LockTimeout   time.Duration

	// Exclusive takes a per table advisory lock for the staging session
	Exclusive bool

	UACacheSize  int
	RegexTimeout time.Duration

	// Catalog is a signature catalog path; empty means the built-in one
	Catalog string
}

// FromConfig reads CORE_NORMALIZE_* and CORE_SIGNATURES_*
func FromConfig(cfg config.Conf) Options {
	n := cfg.Prefix("CORE_NORMALIZE_")
	sig := cfg.Prefix("CORE_SIGNATURES_")
	return Options{
		Tables:        n.MayCSV("TABLES", DefaultTables),
		SelfDomains:   n.MayCSV("SELF_DOMAINS", nil),
		BatchSize:     n.MayInt("BATCH_SIZE", domain.DefaultBatchSize),
		Workers:       n.MayInt("WORKERS", 0),
		ProgressEvery: n.MayInt("PROGRESS_EVERY", service.DefaultProgressEvery),
		TableTimeout:  n.MayDuration("TABLE_TIMEOUT", 0),
		SelectTimeout: n.MayDuration("SELECT_TIMEOUT", guardrails.DefaultTimeouts.Select),
		MergeTimeout:  n.MayDuration("MERGE_TIMEOUT", guardrails.DefaultTimeouts.Merge),
		LockTimeout:   n.MayDuration("LOCK_TIMEOUT", guardrails.DefaultTimeouts.Lock),
		Exclusive:     n.MayBool("EXCLUSIVE", false),
		UACacheSize:   n.MayInt("UA_CACHE_SIZE", 50_000),
		RegexTimeout:  n.MayDuration("REGEX_TIMEOUT", signatures.DefaultMatchTimeout),
		Catalog:       sig.MayString("CATALOG", ""),
	}
}

// Timeouts returns the guardrail budgets of o
func (o Options) Timeouts() guardrails.Timeouts {
	return guardrails.Timeouts{
		Table:  o.TableTimeout,
		Select: o.SelectTimeout,
		Merge:  o.MergeTimeout,
		Lock:   o.LockTimeout,
	}
}
