// Package modkit provides module wiring and core deps
package modkit

import (
	"trafficnorm/internal/modkit/repokit"
	"trafficnorm/internal/platform/config"
	"trafficnorm/internal/platform/logger"
	"trafficnorm/internal/platform/store"
)

// Deps holds core dependencies passed to modules
// PG and CH are nil when the backend is disabled
type Deps struct {
	Log logger.Logger
	Cfg config.Conf
	PG  repokit.TxRunner
	CH  store.Clickhouse
}

// Logger returns Log tagged with the module name
// a zero Log writes nowhere, which keeps test wiring quiet
func (d Deps) Logger(module string) logger.Logger {
	return d.Log.With().Str("module", module).Logger()
}
