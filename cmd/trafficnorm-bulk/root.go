package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trafficnorm/internal/core/version"
	"trafficnorm/internal/modkit"
	"trafficnorm/internal/modkit/module"
	"trafficnorm/internal/platform/config"
	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/logger"
	"trafficnorm/internal/platform/metrics"
	"trafficnorm/internal/platform/store"
	"trafficnorm/internal/services/normalize/domain"
	normmetrics "trafficnorm/internal/services/normalize/metrics"
	normmod "trafficnorm/internal/services/normalize/module"
	runsdom "trafficnorm/internal/services/runs/domain"
	runsmod "trafficnorm/internal/services/runs/module"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const service = "trafficnorm-bulk"

// envFiles are loaded in order; earlier files win and the real environment beats both
var envFiles = []string{".env.local", ".env"}

type flags struct {
	mode      string
	force     bool
	limit     int
	dryRun    bool
	batchSize int
	batchSet  bool
	verbose   bool
	tables    []string
	catalog   string
	json      bool
}

// execute runs the CLI and returns the process exit code
func execute(args []string, out io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(out)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		logger.Get().Error().Err(err).Int("exit", perr.ExitCode(err)).Msg(service + ": failed")
	}
	return perr.ExitCode(err)
}

func newRootCmd(out io.Writer) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   service,
		Short: "Normalize traffic tables through a staged bulk merge",
		Long: `trafficnorm-bulk selects rows that still need normalization (or every row in
full and forced mode), classifies user agents and canonicalizes referrers and
domains in memory, bulk copies the results into a temp staging table and merges
them into the target in one transaction.`,
		Version:       version.Info(service).String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setup(f.verbose)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			// unset keeps CORE_NORMALIZE_BATCH_SIZE in charge
			f.batchSet = cmd.Flags().Changed("batch-size")
			opts, err := buildOptions(f)
			if err != nil {
				return err
			}
			return runNormalize(cmd.Context(), f, opts, out)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return perr.Wrap(err, perr.ErrorCodeInvalidArgument, "bad flags")
	})

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging and sql tracing")

	fl := cmd.Flags()
	fl.StringVar(&f.mode, "mode", string(domain.ModeIncremental), "incremental | full | forced")
	fl.BoolVar(&f.force, "force", false, "overwrite existing normalized values (same as --mode forced)")
	fl.IntVar(&f.limit, "limit", 0, "max rows per table, 0 for no cap")
	fl.BoolVar(&f.dryRun, "dry-run", false, "classify and stage but skip the merge; report bucket counts")
	fl.IntVar(&f.batchSize, "batch-size", domain.DefaultBatchSize, "rows per staging copy chunk, overrides CORE_NORMALIZE_BATCH_SIZE")
	fl.StringSliceVar(&f.tables, "tables", nil, "target tables, overrides CORE_NORMALIZE_TABLES")
	fl.StringVar(&f.catalog, "catalog", "", "signature catalog file, overrides CORE_SIGNATURES_CATALOG")
	fl.BoolVar(&f.json, "json", false, "print run stats as json on stdout")

	cmd.AddCommand(newHistoryCmd(out))
	return cmd
}

// setup loads env files and initializes the logger before any config is read
func setup(verbose bool) error {
	if err := loadEnv(envFiles...); err != nil {
		return err
	}
	opt := logger.FromEnv()
	if opt.Service == "" {
		opt.Service = service
	}
	if verbose {
		opt.Level = "debug"
	}
	logger.Init(opt)
	return nil
}

// loadEnv loads each file that exists; a missing file is not an error
func loadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return perr.Wrap(err, perr.ErrorCodeConfig, "load "+f)
		}
	}
	return nil
}

// buildOptions validates flags into run options
func buildOptions(f flags) (domain.Options, error) {
	mode, err := domain.ParseMode(f.mode)
	if err != nil {
		return domain.Options{}, err
	}
	if f.force {
		mode = domain.ModeForced
	}
	if f.limit < 0 {
		return domain.Options{}, perr.InvalidArgf("--limit must be >= 0")
	}
	batch := 0
	if f.batchSet {
		if f.batchSize <= 0 {
			return domain.Options{}, perr.InvalidArgf("--batch-size must be > 0")
		}
		batch = f.batchSize
	}
	var tables []string
	for _, t := range f.tables {
		if t = strings.TrimSpace(t); t != "" {
			tables = append(tables, t)
		}
	}
	return domain.Options{
		Mode:      mode,
		Limit:     f.limit,
		DryRun:    f.dryRun,
		BatchSize: batch,
		Verbose:   f.verbose,
		Tables:    tables,
	}, nil
}

// openStore connects postgres and, when enabled, clickhouse
func openStore(ctx context.Context, root config.Conf, verbose bool, withPG bool) (*store.Store, error) {
	pg := root.Prefix("SERVICE_PGSQL_")
	chc := root.Prefix("SERVICE_CLICKHOUSE_")

	cfg := store.Config{
		AppName: service,
		CH: store.CHConfig{
			Enabled:    chc.MayBool("ENABLED", false),
			ClientName: service,
			ClientTag:  version.Info(service).Version,
		},
	}
	if withPG {
		url, err := pg.String("DBURL")
		if err != nil {
			return nil, err
		}
		cfg.PG = store.PGConfig{
			Enabled:     true,
			URL:         url,
			MaxConns:    int32(pg.MayInt("MAX_CONNS", 4)),
			SlowQueryMs: pg.MayInt("SLOW_QUERY_MS", 500),
			LogSQL:      verbose || pg.MayBool("LOG_SQL", false),
		}
	}
	if cfg.CH.Enabled {
		url, err := chc.String("URL")
		if err != nil {
			return nil, err
		}
		cfg.CH.URL = url
	}
	return store.Open(ctx, cfg, store.WithLogger(*logger.Named("store")))
}

func runNormalize(ctx context.Context, f flags, opts domain.Options, out io.Writer) error {
	root := config.New()
	log := logger.Named("bulk")

	nopts := normmod.FromConfig(root)
	if f.catalog != "" {
		nopts.Catalog = f.catalog
	}

	st, err := openStore(ctx, root, f.verbose, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()

	deps := modkit.Deps{Log: *log, Cfg: root, PG: st.PG, CH: st.CH}

	nm, err := normmod.New(deps, nopts)
	if err != nil {
		return err
	}
	runs := runsmod.New(deps)
	nm.WithHistory(runs.History())

	mcfg := metrics.FromConfig(root)
	var rec *normmetrics.Recorder
	if mcfg.Enabled() {
		if rec, err = normmetrics.New(); err != nil {
			return err
		}
		nm.WithObserver(rec)
	}

	runner := module.MustPortsOf[domain.RunnerPort](nm)
	stats, runErr := runner.Run(ctx, opts)

	if rec != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := metrics.Flush(fctx, rec.Registry(), mcfg, map[string]string{"mode": string(opts.Mode)}); err != nil {
			log.Warn().Err(err).Msg("metrics export failed")
		}
		cancel()
	}
	if f.json && stats.RunID != "" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			log.Warn().Err(err).Msg("stats encode failed")
		}
	}
	return runErr
}

func newHistoryCmd(out io.Writer) *cobra.Command {
	var (
		table string
		n     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent runs recorded in clickhouse as json lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			root := config.New()
			st, err := openStore(ctx, root, false, false)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close(context.WithoutCancel(ctx)) }()

			runs := runsmod.New(modkit.Deps{Cfg: root, CH: st.CH})
			if !runs.Enabled() {
				return perr.Configf("run history needs SERVICE_CLICKHOUSE_ENABLED=true")
			}
			if err := st.Guard(ctx); err != nil {
				return err
			}
			recs, err := module.MustPortsOf[runsdom.ReaderPort](runs).Recent(ctx, table, n)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			for _, r := range recs {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "only runs of this table")
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of runs")
	return cmd
}
