package store

import (
	"bytes"
	"context"
	"errors"
	"testing"

	perr "trafficnorm/internal/platform/errors"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOpen_NothingEnabled(t *testing.T) {
	var buf bytes.Buffer
	s, err := Open(context.Background(), Config{}, WithLogger(zerolog.New(&buf)))
	require.NoError(t, err)
	require.Nil(t, s.PG)
	require.Nil(t, s.CH)

	s.Log.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.NoError(t, s.Guard(context.Background()))
	require.NoError(t, s.Close(context.Background()))
}

func TestOpen_ClickhouseDialsLazily(t *testing.T) {
	s, err := Open(context.Background(), Config{CH: CHConfig{Enabled: true, URL: "clickhouse://127.0.0.1:1/default"}})
	require.NoError(t, err)
	require.NotNil(t, s.CH)
	require.Nil(t, s.PG)
	require.NoError(t, s.Close(context.Background()))
}

func TestOpen_BadURLsAreConfigErrors(t *testing.T) {
	for name, cfg := range map[string]Config{
		"postgres":   {PG: PGConfig{Enabled: true, URL: "://bad"}},
		"clickhouse": {CH: CHConfig{Enabled: true, URL: "::not a dsn"}},
		"both":       {PG: PGConfig{Enabled: true, URL: "://bad"}, CH: CHConfig{Enabled: true, URL: "clickhouse://127.0.0.1:1/default"}},
	} {
		t.Run(name, func(t *testing.T) {
			s, err := Open(context.Background(), cfg)
			require.Nil(t, s)
			require.True(t, perr.IsConfig(err), "got %v", err)
		})
	}
}

type pingPG struct {
	TxRunner
	err error
}

func (p pingPG) Ping(context.Context) error { return p.err }

type pingCH struct {
	Clickhouse
	err error
}

func (p pingCH) Ping(context.Context) error { return p.err }

type silentCH struct{ Clickhouse }

func TestGuard(t *testing.T) {
	ctx := context.Background()

	var nilStore *Store
	require.True(t, perr.IsConfig(nilStore.Guard(ctx)))

	require.NoError(t, (&Store{PG: pingPG{}, CH: pingCH{}}).Guard(ctx))
	require.NoError(t, (&Store{CH: silentCH{}}).Guard(ctx), "backends without Ping are skipped")

	pgDown := errors.New("pg down")
	chDown := errors.New("ch down")
	err := (&Store{PG: pingPG{err: pgDown}, CH: pingCH{err: chDown}}).Guard(ctx)
	require.ErrorIs(t, err, pgDown)
	require.ErrorIs(t, err, chDown)
	require.Contains(t, err.Error(), "postgres ping failed")
	require.Contains(t, err.Error(), "clickhouse ping failed")
	require.Equal(t, perr.ExitUnavailable, perr.ExitCode(err))
}
