// Package service runs the staged normalization of each target table:
// select, transform offline, stage, merge, discard
package service

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"trafficnorm/internal/core/domains"
	"trafficnorm/internal/core/signatures"
	"trafficnorm/internal/core/uaclass"
	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/logger"
	"trafficnorm/internal/services/normalize/domain"
	"trafficnorm/internal/services/normalize/guardrails"

	"github.com/google/uuid"
)

// DefaultProgressEvery is the transform progress cadence in rows
const DefaultProgressEvery = 10_000

// DefaultBucketTop caps the referrer and domain buckets in dry run logs
const DefaultBucketTop = 10

// Classifier is the user agent classifier the service needs
type Classifier interface {
	Classify(ua *string) uaclass.Result
	Catalog() *signatures.Catalog
}

// Config holds configuration options for the normalize service
type Config struct {
	// Tables are processed in order; Options.Tables overrides
	Tables []string

	// Workers is the transform parallelism; <=0 -> GOMAXPROCS
	Workers int

	// ProgressEvery logs transform progress every N rows; <=0 -> 10k
	ProgressEvery int

	// BucketTop is the number of top entries logged per bucket; <=0 -> 10
	BucketTop int

	// Timeouts.Table bounds each table; the rest are applied by the repo
	Timeouts guardrails.Timeouts
}

// Service implements domain.RunnerPort
type Service struct {
	Source domain.SourceRepo
	Stager domain.Stager
	UA     Classifier
	Excl   *domains.Exclusions
	Cfg    Config

	// optional sinks; failures there are logged, never returned
	History domain.HistoryPort
	Obs     domain.Observer
}

var _ domain.RunnerPort = (*Service)(nil)

// newRunID is swapped in tests
var newRunID = func() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// New constructs the normalize service
func New(src domain.SourceRepo, st domain.Stager, ua Classifier, ex *domains.Exclusions, cfg Config) *Service {
	if src == nil || st == nil {
		panic("normalize.Service requires a source and a stager")
	}
	if ua == nil {
		panic("normalize.Service requires a classifier")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.BucketTop <= 0 {
		cfg.BucketTop = DefaultBucketTop
	}
	return &Service{Source: src, Stager: st, UA: ua, Excl: ex, Cfg: cfg}
}

// WithHistory wires a run history sink
func (s *Service) WithHistory(h domain.HistoryPort) *Service {
	s.History = h
	return s
}

// WithObserver wires a metrics observer
func (s *Service) WithObserver(o domain.Observer) *Service {
	s.Obs = o
	return s
}

// Run normalizes every configured table once. Tables are independent:
// a failed table is recorded and the run moves on, except on cancellation.
// Nothing is retried
func (s *Service) Run(ctx context.Context, opts domain.Options) (domain.RunStats, error) {
	if opts.Mode == "" {
		opts.Mode = domain.ModeIncremental
	}
	if opts.Limit < 0 {
		return domain.RunStats{}, perr.InvalidArgf("limit must be >= 0, got %d", opts.Limit)
	}
	tables := opts.Tables
	if len(tables) == 0 {
		tables = s.Cfg.Tables
	}
	if len(tables) == 0 {
		return domain.RunStats{}, perr.Configf("no target tables configured")
	}

	start := time.Now()
	run := domain.RunStats{
		RunID:     newRunID(),
		Mode:      opts.Mode,
		DryRun:    opts.DryRun,
		Limit:     opts.Limit,
		Catalog:   s.UA.Catalog().Label(),
		StartedAt: start.UTC(),
	}
	ctx = logger.WithCatalog(logger.WithRun(ctx, run.RunID, ""), run.Catalog)

	logger.C(ctx).Info().
		Str("mode", string(opts.Mode)).
		Str("merge_rule", opts.Mode.Rule().String()).
		Bool("dry_run", opts.DryRun).
		Int("limit", opts.Limit).
		Int("batch_size", opts.BatchSize).
		Int("workers", s.Cfg.Workers).
		Strs("tables", tables).
		Str("fingerprint", s.UA.Catalog().Short()).
		Msg("normalize: run started")

	var errs []error
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			errs = append(errs, perr.Wrap(err, perr.ErrorCodeCanceled, "run interrupted before "+table))
			break
		}
		ts, err := s.runTable(ctx, table, opts)
		run.Tables = append(run.Tables, ts)
		if s.Obs != nil {
			s.Obs.ObserveTable(run, ts)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	run.Duration = time.Since(start)

	err := errors.Join(errs...)
	s.finish(ctx, run, err)
	return run, err
}

// starves reports a capped incremental select that has no watermark to move past
// rows whose referrer stage always yields null
func starves(l domain.Layout, opts domain.Options) bool {
	return l.Referrer && !l.Watermark && opts.Limit > 0 && opts.Mode == domain.ModeIncremental
}

// runTable is one independent run unit. The staging area is discarded on every path
func (s *Service) runTable(ctx context.Context, table string, opts domain.Options) (ts domain.TableStats, retErr error) {
	start := time.Now()
	ts.Table = table
	stage := domain.StageLayout

	ctx = logger.WithRun(ctx, "", table)
	ctx, cancel := guardrails.ForTable(ctx, s.Cfg.Timeouts)
	defer cancel()
	log := logger.C(ctx)

	defer func() {
		ts.Duration = time.Since(start)
		if retErr != nil {
			ts.FailedStage = stage
			ts.Err = retErr.Error()
			log.Error().Err(retErr).Str("stage", stage).Dur("elapsed", ts.Duration).Msg("normalize: table failed")
			return
		}
		log.Info().
			Int64("scanned", ts.Scanned).
			Int64("staged", ts.Staged).
			Int64("merged", ts.Merged).
			Int64("fallbacks", ts.Fallbacks).
			Float64("rows_per_sec", ts.RowsPerSecond()).
			Dur("elapsed", ts.Duration).
			Msg("normalize: table done")
	}()

	l, err := s.Source.Layout(ctx, table)
	if err != nil {
		return ts, err
	}
	ts.Stages = l.Stages()
	if opts.Verbose {
		log.Debug().Strs("stages", ts.Stages).Bool("is_bot", l.IsBot).Bool("watermark", l.Watermark).Msg("normalize: layout detected")
	}
	if starves(l, opts) {
		// excluded referrers never fill referrer_normalized, so those rows stay
		// pending and the newest ones eat the whole limit on every run
		log.Warn().
			Int("limit", opts.Limit).
			Str("remedy", "add a normalized_at timestamptz column").
			Msg("normalize: capped incremental run without normalized_at can starve older rows")
	}

	stage = domain.StageSelect
	t0 := time.Now()
	recs, err := s.Source.Select(ctx, l, domain.SelectSpec{Mode: opts.Mode, Limit: opts.Limit})
	ts.SelectTime = time.Since(t0)
	if err != nil {
		return ts, err
	}
	ts.Scanned = int64(len(recs))
	log.Info().Int64("candidates", ts.Scanned).Dur("select", ts.SelectTime).Msg("normalize: candidates selected")
	if len(recs) == 0 {
		return ts, nil
	}

	stage = domain.StageTransform
	t1 := time.Now()
	rows, tl, err := s.transform(ctx, l, recs)
	ts.TransformTime = time.Since(t1)
	if err != nil {
		return ts, perr.Wrap(err, perr.ErrorCodeCanceled, "transform interrupted")
	}
	tl.apply(&ts)

	stage = domain.StageStage
	t2 := time.Now()
	sink, err := s.Stager.Open(ctx, l, opts.BatchSize)
	if err != nil {
		return ts, err
	}
	// Discard logs its own failures; a leftover temp table dies with its connection
	defer func() { _ = sink.Discard(ctx) }()

	ts.Staged, err = sink.Stage(ctx, rows)
	ts.StageTime = time.Since(t2)
	if err != nil {
		return ts, err
	}
	log.Info().Int64("staged", ts.Staged).Int("batch_size", opts.BatchSize).Dur("stage", ts.StageTime).Msg("normalize: rows staged")

	if opts.DryRun {
		s.logBuckets(log, ts.Buckets)
		return ts, nil
	}

	stage = domain.StageMerge
	t3 := time.Now()
	ts.Merged, err = sink.MergeInto(ctx, opts.Mode.Rule())
	ts.MergeTime = time.Since(t3)
	if err != nil {
		return ts, err
	}
	log.Info().Int64("merged", ts.Merged).Dur("merge", ts.MergeTime).Msg("normalize: merge committed")
	if opts.Verbose {
		s.logBuckets(log, ts.Buckets)
	}
	return ts, nil
}

// finish logs the summary and hands the run to history and metrics
func (s *Service) finish(ctx context.Context, run domain.RunStats, err error) {
	tot := run.Totals()
	ev := logger.C(ctx).Info()
	if err != nil {
		ev = logger.C(ctx).Error().Err(err)
	}
	ev.Int("tables", len(run.Tables)).
		Int64("scanned", tot.Scanned).
		Int64("staged", tot.Staged).
		Int64("merged", tot.Merged).
		Int64("bots", tot.Bots).
		Int64("humans", tot.Humans).
		Int64("fallbacks", tot.Fallbacks).
		Int64("referrers_dropped", tot.ReferrersDropped).
		Int64("domains_dropped", tot.DomainsDropped).
		Dur("duration", run.Duration).
		Msg("normalize: run finished")

	if s.History != nil {
		hctx, cancel := guardrails.ForTeardown(ctx)
		if herr := s.History.Record(hctx, run); herr != nil {
			logger.C(ctx).Warn().Err(herr).Msg("normalize: run history write failed")
		}
		cancel()
	}
	if s.Obs != nil {
		s.Obs.ObserveRun(run, err)
	}
}

func (s *Service) logBuckets(log *logger.Logger, b *domain.Buckets) {
	if b == nil {
		return
	}
	n := s.Cfg.BucketTop
	log.Info().
		Int64("bots", b.Bots).
		Int64("humans", b.Humans).
		Interface("browser", domain.Top(b.Browser, 0)).
		Interface("os", domain.Top(b.OS, 0)).
		Interface("device", domain.Top(b.Device, 0)).
		Interface("referrers", domain.Top(b.Referrers, n)).
		Interface("domains", domain.Top(b.Domains, n)).
		Msg("normalize: buckets")
}

// tally is one worker's counters; merged after the pool drains
type tally struct {
	fallbacks  int64
	refDropped int64
	domDropped int64
	buckets    *domain.Buckets
}

func newTally() *tally { return &tally{buckets: domain.NewBuckets()} }

func (t *tally) merge(o *tally) {
	t.fallbacks += o.fallbacks
	t.refDropped += o.refDropped
	t.domDropped += o.domDropped
	t.buckets.Merge(o.buckets)
}

func (t *tally) apply(ts *domain.TableStats) {
	ts.Fallbacks = t.fallbacks
	ts.ReferrersDropped = t.refDropped
	ts.DomainsDropped = t.domDropped
	ts.Bots = t.buckets.Bots
	ts.Humans = t.buckets.Humans
	ts.Buckets = t.buckets
}

// transform classifies recs in memory over disjoint index ranges.
// Each worker owns its range of out and its own tally
func (s *Service) transform(ctx context.Context, l domain.Layout, recs []domain.RawRecord) ([]domain.StagedRow, *tally, error) {
	out := make([]domain.StagedRow, len(recs))
	w := min(max(s.Cfg.Workers, 1), len(recs))
	chunk := (len(recs) + w - 1) / w
	prog := newProgress(ctx, len(recs), s.Cfg.ProgressEvery)

	parts := make([]*tally, w)
	var wg sync.WaitGroup
	for i := range w {
		lo := min(i*chunk, len(recs))
		hi := min(lo+chunk, len(recs))
		t := newTally()
		parts[i] = t

		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := lo; j < hi; j++ {
				if (j-lo)&1023 == 0 && ctx.Err() != nil {
					return
				}
				out[j] = s.transformRow(l, recs[j], t)
				prog.tick()
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	total := parts[0]
	for _, t := range parts[1:] {
		total.merge(t)
	}
	return out, total, nil
}

// transformRow is pure apart from t
func (s *Service) transformRow(l domain.Layout, rec domain.RawRecord, t *tally) domain.StagedRow {
	row := domain.StagedRow{ID: rec.ID}
	if l.UserAgent {
		res := s.UA.Classify(rec.UserAgent)
		device, bot := res.Device, res.IsBot
		row.Browser, row.OS = res.Browser, res.OS
		row.Device, row.IsBot = &device, &bot
		if res.Fallback {
			t.fallbacks++
		}
	}
	if l.Referrer {
		row.Referrer = domains.NormalizeReferrer(rec.Referrer, s.Excl)
		if rec.Referrer != nil && row.Referrer == nil {
			t.refDropped++
		}
	}
	if l.Domain {
		row.Domain = domains.NormalizeDomain(rec.Domain)
		if rec.Domain != nil && row.Domain == nil {
			t.domDropped++
		}
	}
	t.buckets.Add(row)
	return row
}

// progress logs at a fixed row cadence with elapsed time and an eta
type progress struct {
	ctx   context.Context
	total int64
	every int64
	start time.Time
	done  atomic.Int64
}

func newProgress(ctx context.Context, total, every int) *progress {
	return &progress{ctx: ctx, total: int64(total), every: int64(every), start: time.Now()}
}

func (p *progress) tick() {
	n := p.done.Add(1)
	if p.every <= 0 || n%p.every != 0 {
		return
	}
	elapsed := time.Since(p.start)
	rate := float64(n) / max(elapsed.Seconds(), 1e-9)
	eta := time.Duration(float64(p.total-n) / rate * float64(time.Second))
	logger.C(p.ctx).Info().
		Int64("done", n).
		Int64("total", p.total).
		Dur("elapsed", elapsed).
		Dur("eta", eta).
		Float64("rows_per_sec", rate).
		Msg("normalize: transform progress")
}
