package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of a worker.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal    *prometheus.CounterVec
	JobDuration  prometheus.Histogram
	ActiveJobs   prometheus.Gauge
	Load         prometheus.Gauge
	Connected    prometheus.Gauge
	Reconnects   prometheus.Counter
	Availability *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered on a
// private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_agent"
	}
	registry := prometheus.NewRegistry()

	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs finished, by outcome",
		},
		[]string{"outcome"},
	)
	jobDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Job duration in seconds",
		Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
	})
	activeJobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_jobs",
		Help:      "Jobs currently running",
	})
	load := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_load",
		Help:      "Load reported to the server (0-1)",
	})
	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_connected",
		Help:      "1 while registered with the server",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_reconnects_total",
		Help:      "Connection attempts after the first",
	})
	availability := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_requests_total",
			Help:      "Availability requests answered, by answer",
		},
		[]string{"available"},
	)

	registry.MustRegister(jobsTotal, jobDuration, activeJobs, load, connected, reconnects, availability)

	return &Metrics{
		registry:     registry,
		JobsTotal:    jobsTotal,
		JobDuration:  jobDuration,
		ActiveJobs:   activeJobs,
		Load:         load,
		Connected:    connected,
		Reconnects:   reconnects,
		Availability: availability,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) jobStarted() {
	m.ActiveJobs.Inc()
}

func (m *Metrics) jobFinished(outcome string, d time.Duration) {
	m.ActiveJobs.Dec()
	m.JobsTotal.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(d.Seconds())
}

func (m *Metrics) availabilityAnswered(available bool) {
	if available {
		m.Availability.WithLabelValues("true").Inc()
	} else {
		m.Availability.WithLabelValues("false").Inc()
	}
}
