// Package module wires the normalize service from config and core deps
package module

import (
	"trafficnorm/internal/core/domains"
	"trafficnorm/internal/core/signatures"
	"trafficnorm/internal/core/uaclass"
	"trafficnorm/internal/modkit"
	perr "trafficnorm/internal/platform/errors"
	"trafficnorm/internal/platform/store"
	"trafficnorm/internal/services/normalize/domain"
	"trafficnorm/internal/services/normalize/repo"
	"trafficnorm/internal/services/normalize/service"
)

// Ports defines the normalize module ports
type Ports struct {
	Runner domain.RunnerPort
}

// Module implements the normalize module
type Module struct {
	deps    modkit.Deps
	svc     *service.Service
	catalog *signatures.Catalog
	ports   Ports
}

// New builds the pipeline for deps.PG. The signature catalog is loaded here,
// so a bad catalog fails before any row is read
func New(deps modkit.Deps, opts Options) (*Module, error) {
	if deps.PG == nil {
		return nil, perr.Configf("normalize: postgres is not configured")
	}
	sess, ok := deps.PG.(store.Sessioner)
	if !ok {
		return nil, perr.Configf("normalize: postgres store cannot pin sessions")
	}

	cat, err := signatures.Load(opts.Catalog, signatures.WithMatchTimeout(opts.RegexTimeout))
	if err != nil {
		return nil, err
	}
	ua, err := uaclass.New(cat, uaclass.Options{CacheSize: opts.UACacheSize})
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeConfig, "normalize: classifier")
	}

	tos := opts.Timeouts()
	pg := repo.New(deps.PG, sess, repo.Config{
		BatchSize: opts.BatchSize,
		Timeouts:  tos,
		Exclusive: opts.Exclusive,
	})
	svc := service.New(pg, pg, ua, domains.NewExclusions(opts.SelfDomains...), service.Config{
		Tables:        opts.Tables,
		Workers:       opts.Workers,
		ProgressEvery: opts.ProgressEvery,
		Timeouts:      tos,
	})

	log := deps.Logger("normalize")
	log.Info().
		Str("catalog", cat.Label()).
		Str("fingerprint", cat.Short()).
		Int("rules", cat.Len()).
		Strs("tables", opts.Tables).
		Msg("normalize: pipeline ready")

	return &Module{
		deps:    deps,
		svc:     svc,
		catalog: cat,
		ports:   Ports{Runner: svc},
	}, nil
}

// WithHistory wires a run history sink, nil leaves it off
func (m *Module) WithHistory(h domain.HistoryPort) *Module {
	if h != nil {
		m.svc.WithHistory(h)
	}
	return m
}

// WithObserver wires a metrics observer, nil leaves it off
func (m *Module) WithObserver(o domain.Observer) *Module {
	if o != nil {
		m.svc.WithObserver(o)
	}
	return m
}

// Catalog returns the loaded signature catalog
func (m *Module) Catalog() *signatures.Catalog { return m.catalog }

// Name returns the module name
func (m *Module) Name() string { return "normalize" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }
