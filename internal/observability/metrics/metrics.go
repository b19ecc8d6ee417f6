// Package metrics exposes dispatch, job and worker pool metrics on a private
// Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postbot/internal/task/engine"
)

const namespace = "postbot"

// Metrics implements the scheduler's Observer and the dispatch breaker hook.
type Metrics struct {
	reg *prometheus.Registry

	// Labels: platform, outcome (posted|failed|canceled|skipped)
	Dispatches *prometheus.CounterVec
	// Labels: platform
	DispatchDuration *prometheus.HistogramVec
	PendingJobs      prometheus.Gauge
	// Labels: platform. 0 closed, 0.5 half-open, 1 open.
	BreakerState *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Delivery attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Outbound platform call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"platform"}),
		PendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Live jobs in the registry.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Outbound circuit breaker state per platform (0 closed, 0.5 half-open, 1 open).",
		}, []string{"platform"}),
	}
	m.reg.MustRegister(
		m.Dispatches,
		m.DispatchDuration,
		m.PendingJobs,
		m.BreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) DispatchDone(platform, outcome string, took time.Duration) {
	if platform == "" {
		platform = "unknown"
	}
	m.Dispatches.WithLabelValues(platform, outcome).Inc()
	if outcome == "posted" || outcome == "failed" {
		m.DispatchDuration.WithLabelValues(platform).Observe(took.Seconds())
	}
}

func (m *Metrics) JobsPending(n int) { m.PendingJobs.Set(float64(n)) }

// BreakerChanged matches dispatch.BreakerObserver.
func (m *Metrics) BreakerChanged(platform, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 0.5
	}
	m.BreakerState.WithLabelValues(platform).Set(v)
}

// WatchEngine exports worker pool gauges read from snap at scrape time.
func (m *Metrics) WatchEngine(snap func() engine.Snapshot) {
	gauge := func(name, help string, f func(engine.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		}, func() float64 { return f(snap()) })
	}
	m.reg.MustRegister(
		gauge("queue_length", "Tasks waiting for a worker.", func(s engine.Snapshot) float64 { return float64(s.QueueLen) }),
		gauge("in_flight", "Tasks currently running.", func(s engine.Snapshot) float64 { return float64(s.InFlight) }),
		gauge("dropped", "Tasks dropped since start.", func(s engine.Snapshot) float64 { return float64(s.Dropped) }),
		gauge("canceled", "Tasks cancelled since start.", func(s engine.Snapshot) float64 { return float64(s.Canceled) }),
	)
}
