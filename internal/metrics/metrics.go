// Package metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes ingest and replay metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	ticksTotal     *prometheus.CounterVec
	malformedTotal *prometheus.CounterVec
	lastPrice      *prometheus.GaugeVec
	cyclesTotal    *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	cycleBars      prometheus.Gauge
	actionsTotal   *prometheus.CounterVec
	reportErrors   *prometheus.CounterVec
}

// New creates a recorder with Go runtime collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		ticksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smareplay_ticks_total",
				Help: "Total number of ticks appended to the tick log",
			},
			[]string{"symbol"},
		),
		malformedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smareplay_malformed_ticks_total",
				Help: "Ticks dropped because a field failed to parse",
			},
			[]string{"field"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smareplay_last_price",
				Help: "Last ingested close for a symbol",
			},
			[]string{"symbol"},
		),
		cyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smareplay_cycles_total",
				Help: "Replay cycles by outcome",
			},
			[]string{"mode", "outcome"},
		),
		cycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smareplay_cycle_duration_seconds",
				Help:    "Duration of a replay cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
		cycleBars: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "smareplay_cycle_bars",
				Help: "Bars in the most recent replay",
			},
		),
		actionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smareplay_actions_total",
				Help: "Non-hold actions emitted on new bars",
			},
			[]string{"action"},
		),
		reportErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smareplay_report_errors_total",
				Help: "Reporter failures",
			},
			[]string{"reporter"},
		),
	}
}

// RecordTick records an appended tick.
func (r *Recorder) RecordTick(symbol string, price float64) {
	r.ticksTotal.WithLabelValues(symbol).Inc()
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordMalformed records a dropped tick.
func (r *Recorder) RecordMalformed(field string) {
	r.malformedTotal.WithLabelValues(field).Inc()
}

// RecordCycle records the outcome of a replay cycle.
func (r *Recorder) RecordCycle(mode string, bars int, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.cyclesTotal.WithLabelValues(mode, outcome).Inc()
	r.cycleDuration.Observe(d.Seconds())
	if err == nil {
		r.cycleBars.Set(float64(bars))
	}
}

// RecordAction records an action emitted on a new bar.
func (r *Recorder) RecordAction(action string) {
	r.actionsTotal.WithLabelValues(action).Inc()
}

// RecordReportError records a failed reporter.
func (r *Recorder) RecordReportError(reporter string) {
	r.reportErrors.WithLabelValues(reporter).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
