// Package metrics exports a prometheus registry from a batch process:
// pushed to a Pushgateway, written to a node exporter textfile, or both
package metrics

import (
	"context"
	"errors"

	"trafficnorm/internal/platform/config"
	perr "trafficnorm/internal/platform/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Config selects the export targets; both empty disables export
type Config struct {
	// PushURL is the Pushgateway base URL
	PushURL string
	// Job is the Pushgateway job label
	Job string
	// Textfile is a path for the node exporter textfile collector
	Textfile string
}

// FromConfig reads CORE_METRICS_*
func FromConfig(cfg config.Conf) Config {
	m := cfg.Prefix("CORE_METRICS_")
	return Config{
		PushURL:  m.MayString("PUSH_URL", ""),
		Job:      m.MayString("JOB", "trafficnorm_bulk"),
		Textfile: m.MayString("TEXTFILE", ""),
	}
}

// Enabled reports whether any target is configured
func (c Config) Enabled() bool { return c.PushURL != "" || c.Textfile != "" }

// Flush exports g to every configured target. Each target is attempted
// even when another fails; errors come back joined
func Flush(ctx context.Context, g prometheus.Gatherer, cfg Config, grouping map[string]string) error {
	var errs []error
	if cfg.PushURL != "" {
		p := push.New(cfg.PushURL, cfg.Job).Gatherer(g)
		for k, v := range grouping {
			p = p.Grouping(k, v)
		}
		if err := p.PushContext(ctx); err != nil {
			errs = append(errs, perr.Wrap(err, perr.ErrorCodeUnavailable, "metrics: push to "+cfg.PushURL))
		}
	}
	if cfg.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Textfile, g); err != nil {
			errs = append(errs, perr.Wrap(err, perr.ErrorCodeUnknown, "metrics: write "+cfg.Textfile))
		}
	}
	return errors.Join(errs...)
}
