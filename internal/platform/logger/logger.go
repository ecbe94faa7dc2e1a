// Package logger holds the process root zerolog logger and the run scoped
// fields (run id, table, catalog) carried through context
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trafficnorm/internal/platform/config/raw"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Logger is the logging type used across the module
type Logger = zerolog.Logger

// Options configures the root logger
type Options struct {
	Level   string
	Format  string // console or json
	Service string
	Caller  bool
	Writer  io.Writer
	Fields  map[string]string
}

// FromEnv reads LOG_LEVEL, LOG_FORMAT, LOG_SERVICE and LOG_CALLER. It uses the
// raw config view since config itself logs through this package
func FromEnv() Options {
	rc := raw.New().Prefix("LOG_")
	return Options{
		Level:   rc.Get("LEVEL", "info"),
		Format:  strings.ToLower(rc.Get("FORMAT", "console")),
		Service: rc.Get("SERVICE", ""),
		Caller:  rc.GetBool("CALLER", false),
	}
}

var (
	once sync.Once
	root atomic.Pointer[Logger]
)

// Init builds the root logger. Only the first call has any effect
func Init(opt Options) {
	once.Do(func() { root.Store(build(opt)) })
}

func build(opt Options) *Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano

	w := opt.Writer
	if w == nil {
		w = os.Stderr
	}
	if opt.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	b := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		b = b.Str("service", opt.Service)
	}
	for k, v := range opt.Fields {
		b = b.Str(k, v)
	}
	if opt.Caller {
		b = b.Caller()
	}
	l := b.Logger()
	return &l
}

// parseLevel falls back to info on anything zerolog does not know
func parseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Get returns the root logger, initializing it from the environment on first use
func Get() *Logger {
	if l := root.Load(); l != nil {
		return l
	}
	Init(FromEnv())
	return root.Load()
}

// Use replaces the root logger and returns the previous one; nil is ignored
func Use(l *Logger) *Logger {
	prev := Get()
	if l == nil {
		return prev
	}
	root.Store(l)
	return prev
}

// Named returns a child of the root with a component field
func Named(component string) *Logger {
	l := Get().With().Str("component", component).Logger()
	return &l
}

// scope is the set of run fields carried in a context
type scope struct {
	runID, table, catalog string
}

type scopeKey struct{}

func scopeOf(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// WithRun tags ctx with a run id and the table being worked on. Empty values
// leave the existing tag alone
func WithRun(ctx context.Context, runID, table string) context.Context {
	s := scopeOf(ctx)
	if runID != "" {
		s.runID = runID
	}
	if table != "" {
		s.table = table
	}
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithCatalog tags ctx with the signature catalog label
func WithCatalog(ctx context.Context, label string) context.Context {
	if label == "" {
		return ctx
	}
	s := scopeOf(ctx)
	s.catalog = label
	return context.WithValue(ctx, scopeKey{}, s)
}

// RunID returns the run id set by WithRun
func RunID(ctx context.Context) string { return scopeOf(ctx).runID }

// C returns the root logger with the run fields found in ctx
func C(ctx context.Context) *Logger {
	s := scopeOf(ctx)
	if s == (scope{}) {
		return Get()
	}
	b := Get().With()
	for _, f := range [...][2]string{{"run_id", s.runID}, {"table", s.table}, {"catalog", s.catalog}} {
		if f[1] != "" {
			b = b.Str(f[0], f[1])
		}
	}
	l := b.Logger()
	return &l
}
