// Package module wires run history when clickhouse is configured
package module

import (
	"trafficnorm/internal/modkit"
	normdomain "trafficnorm/internal/services/normalize/domain"
	"trafficnorm/internal/services/runs/domain"
	"trafficnorm/internal/services/runs/repo"
)

// Ports defines the runs module ports; both are nil when clickhouse is off
type Ports struct {
	History normdomain.HistoryPort
	Reader  domain.ReaderPort
}

// Module implements the runs module
type Module struct {
	ports Ports
}

// New reads CORE_RUNS_TABLE and binds the history repo to deps.CH
func New(deps modkit.Deps) *Module {
	m := &Module{}
	log := deps.Logger(m.Name())
	if deps.CH == nil {
		log.Debug().Msg("run history disabled, clickhouse is off")
		return m
	}
	table := deps.Cfg.Prefix("CORE_RUNS_").MayString("TABLE", repo.DefaultTable)
	r := repo.NewCH(deps.CH, table)
	m.ports = Ports{History: r, Reader: r}
	log.Debug().Str("table", table).Msg("run history enabled")
	return m
}

// Enabled reports whether history is wired
func (m *Module) Enabled() bool { return m.ports.History != nil }

// History returns the history port or nil
func (m *Module) History() normdomain.HistoryPort { return m.ports.History }

// Name returns the module name
func (m *Module) Name() string { return "runs" }

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }
