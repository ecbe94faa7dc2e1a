// Package metrics records normalize runs as prometheus gauges for export
// after the process finishes
package metrics

import (
	"fmt"

	"trafficnorm/internal/services/normalize/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implements domain.Observer over its own registry
type Recorder struct {
	reg *prometheus.Registry

	rows        *prometheus.GaugeVec
	fallbacks   *prometheus.GaugeVec
	dropped     *prometheus.GaugeVec
	stageTime   *prometheus.GaugeVec
	tableFailed *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec

	runDuration prometheus.Gauge
	runFailed   prometheus.Gauge
	runTables   prometheus.Gauge
}

var _ domain.Observer = (*Recorder)(nil)

// New registers the collectors on a fresh registry
func New() (*Recorder, error) {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficnorm_rows",
			Help: "Rows handled by the last run per table and step (scanned, staged, merged, bots, humans).",
		}, []string{"table", "kind"}),
		fallbacks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficnorm_classification_fallbacks",
			Help: "User agents the last run could not fully classify.",
		}, []string{"table"}),
		dropped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficnorm_values_dropped",
			Help: "Non-null referrer or domain values that normalized to null.",
		}, []string{"table", "column"}),
		stageTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficnorm_stage_seconds",
			Help: "Wall time of each step of the last run.",
		}, []string{"table", "stage"}),
		tableFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficnorm_table_failed",
			Help: "1 when the last run of the table failed.",
		}, []string{"table"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trafficnorm_last_success_timestamp_seconds",
			Help: "Unix time of the last merged run per table.",
		}, []string{"table"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trafficnorm_run_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		runFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trafficnorm_run_failed",
			Help: "1 when the last run returned an error.",
		}),
		runTables: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trafficnorm_run_tables",
			Help: "Tables attempted by the last run.",
		}),
	}
	for _, c := range []prometheus.Collector{
		r.rows, r.fallbacks, r.dropped, r.stageTime, r.tableFailed, r.lastSuccess,
		r.runDuration, r.runFailed, r.runTables,
	} {
		if err := r.reg.Register(c); err != nil {
			return nil, fmt.Errorf("register normalize collector: %w", err)
		}
	}
	return r, nil
}

// Registry is the gatherer to export
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// ObserveTable records one table
func (r *Recorder) ObserveTable(run domain.RunStats, t domain.TableStats) {
	for kind, v := range map[string]int64{
		"scanned": t.Scanned,
		"staged":  t.Staged,
		"merged":  t.Merged,
		"bots":    t.Bots,
		"humans":  t.Humans,
	} {
		r.rows.WithLabelValues(t.Table, kind).Set(float64(v))
	}
	r.fallbacks.WithLabelValues(t.Table).Set(float64(t.Fallbacks))
	r.dropped.WithLabelValues(t.Table, "referrer").Set(float64(t.ReferrersDropped))
	r.dropped.WithLabelValues(t.Table, "domain").Set(float64(t.DomainsDropped))

	r.stageTime.WithLabelValues(t.Table, domain.StageSelect).Set(t.SelectTime.Seconds())
	r.stageTime.WithLabelValues(t.Table, domain.StageTransform).Set(t.TransformTime.Seconds())
	r.stageTime.WithLabelValues(t.Table, domain.StageStage).Set(t.StageTime.Seconds())
	r.stageTime.WithLabelValues(t.Table, domain.StageMerge).Set(t.MergeTime.Seconds())

	failed := 0.0
	if t.Err != "" {
		failed = 1
	}
	r.tableFailed.WithLabelValues(t.Table).Set(failed)
	if t.Err == "" && !run.DryRun {
		r.lastSuccess.WithLabelValues(t.Table).Set(float64(run.StartedAt.Add(t.Duration).Unix()))
	}
}

// ObserveRun records the run summary
func (r *Recorder) ObserveRun(run domain.RunStats, err error) {
	r.runDuration.Set(run.Duration.Seconds())
	r.runTables.Set(float64(len(run.Tables)))
	if err != nil {
		r.runFailed.Set(1)
	} else {
		r.runFailed.Set(0)
	}
}
