// Package telemetry holds the daemon's prometheus collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the scheduler counters on a private registry so tests can
// create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	DueEntries   prometheus.Counter
	Dispatches   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whatsflow_scheduler_ticks_total",
			Help: "Completed scheduler ticks.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "whatsflow_scheduler_tick_duration_seconds",
			Help:    "Wall time of one scheduler tick.",
			Buckets: prometheus.DefBuckets,
		}),
		DueEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whatsflow_scheduler_due_entries_total",
			Help: "Scheduled messages picked up as due.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whatsflow_dispatch_total",
			Help: "Dispatch attempts per outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.Ticks, m.TickDuration, m.DueEntries, m.Dispatches)
	reg.MustRegister(collectors.NewGoCollector())
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records one dispatch attempt.
func (m *Metrics) ObserveDispatch(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "fail"
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}
