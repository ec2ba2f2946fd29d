// Package metrics exposes Prometheus collectors for job and orchestrator
// activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "analysis_worker"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry             *prometheus.Registry
	jobsSubmitted        prometheus.Counter
	jobsFinished         *prometheus.CounterVec
	jobsRunning          prometheus.Gauge
	jobDuration          prometheus.Histogram
	orchestratorRequests *prometheus.CounterVec
}

// New registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by POST /analyze.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently executing.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from submission to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		orchestratorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_requests_total",
			Help:      "Outbound registration and heartbeat calls by outcome.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.jobsSubmitted,
		m.jobsFinished,
		m.jobsRunning,
		m.jobDuration,
		m.orchestratorRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) JobSubmitted() {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

// JobFinished records a terminal transition. wasRunning tells whether the job
// had been counted by JobStarted.
func (m *Metrics) JobFinished(status string, elapsed time.Duration, wasRunning bool) {
	if m == nil {
		return
	}
	if wasRunning {
		m.jobsRunning.Dec()
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}

// OrchestratorRequest counts one outbound call of kind ("register" or
// "heartbeat").
func (m *Metrics) OrchestratorRequest(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.orchestratorRequests.WithLabelValues(kind, outcome).Inc()
}
