package pg

import (
	"context"
	"strings"

	"trafficnorm/internal/platform/logger"

	"github.com/rs/zerolog"
)

// QueryEvent describes one statement round trip
type QueryEvent struct {
	SQL       string
	Args      any
	ElapsedUS int64
	Err       error
	Slow      bool
}

// QueryTracer receives an event per statement when SQL logging is on
type QueryTracer interface {
	OnQuery(ctx context.Context, ev QueryEvent)
}

// maxArgs caps logged bind args; COPY and bulk statements can carry thousands
const maxArgs = 16

// Tracer logs every statement regardless of the root level, since LogSQL is an
// explicit opt in. Slow statements log at warn. The run id is taken from ctx
func Tracer(root logger.Logger) QueryTracer {
	return &zlTracer{log: root.Level(zerolog.DebugLevel).With().Str("component", "pg").Logger()}
}

type zlTracer struct{ log logger.Logger }

func (z *zlTracer) OnQuery(ctx context.Context, ev QueryEvent) {
	evt := z.log.Info()
	if ev.Slow {
		evt = z.log.Warn()
	}
	if id := logger.RunID(ctx); id != "" {
		evt = evt.Str("run_id", id)
	}
	evt.Float64("elapsed_ms", float64(ev.ElapsedUS)/1000).
		Bool("slow", ev.Slow).
		Str("sql", compact(ev.SQL)).
		Interface("args", truncateArgs(ev.Args)).
		Err(ev.Err).
		Msg("pg query")
}

// compact folds whitespace runs so multi line SQL stays on one log line
func compact(s string) string { return strings.Join(strings.Fields(s), " ") }

func truncateArgs(a any) any {
	xs, ok := a.([]any)
	if !ok || len(xs) <= maxArgs {
		return a
	}
	out := make([]any, maxArgs, maxArgs+1)
	copy(out, xs)
	return append(out, "...")
}
