package modkit

import (
	"bytes"
	"testing"

	"trafficnorm/internal/platform/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDeps_LoggerTagsModule(t *testing.T) {
	var buf bytes.Buffer
	d := Deps{Log: zerolog.New(&buf), Cfg: config.New()}

	l := d.Logger("runs")
	l.Info().Msg("wired")
	require.Contains(t, buf.String(), `"module":"runs"`)
	require.Contains(t, buf.String(), `"message":"wired"`)
}

func TestDeps_ZeroLoggerIsSilent(t *testing.T) {
	var d Deps
	l := d.Logger("normalize")
	require.NotPanics(t, func() { l.Warn().Msg("dropped") })
}
