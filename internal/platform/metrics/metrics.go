// Package metrics publishes Prometheus counters for job and stage activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const executeMode = "execute"

type Metrics struct {
	registry *prometheus.Registry

	jobsStarted   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	stageDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amibd_jobs_started_total",
			Help: "Jobs started, by mode.",
		}, []string{"mode"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amibd_jobs_finished_total",
			Help: "Jobs finished, by mode and terminal state.",
		}, []string{"mode", "state"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amibd_jobs_running",
			Help: "Execute-mode jobs currently running.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amibd_stage_duration_seconds",
			Help:    "Wall-clock duration of completed stages.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		m.jobsStarted,
		m.jobsFinished,
		m.jobsRunning,
		m.stageDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) JobStarted(mode string) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(mode).Inc()
	if mode == executeMode {
		m.jobsRunning.Inc()
	}
}

func (m *Metrics) JobFinished(mode, state string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(mode, state).Inc()
	if mode == executeMode {
		m.jobsRunning.Dec()
	}
}

func (m *Metrics) StageObserved(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
