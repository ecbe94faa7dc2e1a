// Package store opens the pipeline's backends: postgres, which holds the
// traffic tables, and the optional clickhouse run history
package store

import (
	"context"
	"errors"

	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/logger"
)

// Store holds the opened backends. A disabled backend is nil
type Store struct {
	Log logger.Logger
	PG  TxRunner
	CH  Clickhouse
}

// Option configures Open
type Option func(*Store)

// WithLogger sets the logger handed to the backends and the sql tracer
func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.Log = log }
}

// Open connects the backends enabled in cfg. Postgres is pinged with retries
// before Open returns; clickhouse dials on first use
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{Log: logger.Logger{}}
	for _, o := range opts {
		o(s)
	}

	if cfg.PG.Enabled {
		db, err := openPG(ctx, cfg, s)
		if err != nil {
			return nil, err
		}
		s.PG = db
	}
	if cfg.CH.Enabled {
		c, err := openCH(ctx, cfg, s)
		if err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		s.CH = c
	}
	return s, nil
}

// Guard pings each open backend that can be pinged and joins the failures,
// each coded Unavailable
func (s *Store) Guard(ctx context.Context) error {
	if s == nil {
		return perr.Configf("store: not opened")
	}
	var errs []error
	for _, b := range []struct {
		name string
		seam any
	}{{"postgres", s.PG}, {"clickhouse", s.CH}} {
		p, ok := b.seam.(Pinger)
		if !ok || p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, perr.Wrap(err, perr.ErrorCodeUnavailable, b.name+" ping failed"))
		}
	}
	return errors.Join(errs...)
}

// Close shuts every open backend
func (s *Store) Close(_ context.Context) error {
	var errs []error
	if s.CH != nil {
		errs = append(errs, s.CH.Close())
	}
	if c, ok := s.PG.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
