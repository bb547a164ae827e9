// Package metrics exposes pipeline counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

const namespace = "redcap_etl"

// Metrics holds the collectors of one process. A nil *Metrics records
// nothing.
type Metrics struct {
	reg *prometheus.Registry

	runs     *prometheus.CounterVec
	units    *prometheus.CounterVec
	attempts *prometheus.CounterVec
	rows     *prometheus.CounterVec
	rejected prometheus.Counter
	duration prometheus.Histogram
	active   prometheus.Gauge
}

// New registers the pipeline collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished job runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		units: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Finished load units by final status.",
		}, []string{"status"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_attempts_total",
			Help:      "Load unit attempts by result.",
		}, []string{"result"}),
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Planned warehouse rows by operation.",
		}, []string{"op"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_records_total",
			Help:      "Records dropped by the transform.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time of a load unit across all attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_active",
			Help:      "Load units currently holding a worker slot.",
		}),
	}
}

// Attempt counts one unit attempt. result is ok, transient or permanent.
func (m *Metrics) Attempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

// Active tracks worker slot usage.
func (m *Metrics) Active(delta float64) {
	if m == nil {
		return
	}
	m.active.Add(delta)
}

// ObserveUnit records a unit that reached its final status in this run.
func (m *Metrics) ObserveUnit(u core.LoadUnit) {
	if m == nil || u.Resumed {
		return
	}
	m.units.WithLabelValues(string(u.Status)).Inc()
	m.rows.WithLabelValues(string(core.OpInsert)).Add(float64(u.Inserted))
	m.rows.WithLabelValues(string(core.OpUpsert)).Add(float64(u.Upserted))
	m.rows.WithLabelValues("unchanged").Add(float64(u.Unchanged))
	m.rows.WithLabelValues("stale").Add(float64(u.Stale))
	m.rejected.Add(float64(u.Rejected))
	if !u.StartedAt.IsZero() && !u.FinishedAt.IsZero() {
		m.duration.Observe(u.FinishedAt.Sub(u.StartedAt).Seconds())
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(run *core.JobRun) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(run.Trigger), string(run.Outcome)).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
