package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the Prometheus collectors for the launch and
// shutdown coordinators and the hypervisor client.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	launchesTotal   *prometheus.CounterVec
	shutdownsTotal  *prometheus.CounterVec
	forksTotal      *prometheus.CounterVec
	hypervisorCalls *prometheus.CounterVec
	fallbackStarts  prometheus.Counter

	drainDuration *prometheus.HistogramVec
}

var defaultDrainBuckets = []float64{1, 2, 5, 10, 20, 30, 60, 90, 120}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem under
// namespace (e.g. "rpa").
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultDrainBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		launchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launches_total",
				Help:      "Total launch requests by terminal status",
			},
			[]string{"status"},
		),

		shutdownsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_shutdowns_total",
				Help:      "Total host shutdown requests by terminal status",
			},
			[]string{"status"},
		),

		forksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forks_total",
				Help:      "Total VM fork requests by outcome",
			},
			[]string{"outcome"},
		),

		hypervisorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hypervisor_calls_total",
				Help:      "Total Proxmox API calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		fallbackStarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_starts_total",
				Help:      "Total times the fallback VM was auto-started",
			},
		),

		drainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "drain_duration_seconds",
				Help:      "Time spent waiting for a running VM to reach stopped during launch or shutdown",
				Buckets:   buckets,
			},
			[]string{"flow"},
		),
	}

	registry.MustRegister(
		pm.launchesTotal,
		pm.shutdownsTotal,
		pm.forksTotal,
		pm.hypervisorCalls,
		pm.fallbackStarts,
		pm.drainDuration,
	)

	promMetrics = pm
}

// RecordLaunch increments the launch counter for a terminal status.
func RecordLaunch(status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.launchesTotal.WithLabelValues(status).Inc()
}

// RecordShutdown increments the host shutdown counter for a terminal status.
func RecordShutdown(status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.shutdownsTotal.WithLabelValues(status).Inc()
}

// RecordFork increments the fork counter for an outcome ("created" or "failed").
func RecordFork(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.forksTotal.WithLabelValues(outcome).Inc()
}

// RecordHypervisorCall increments the hypervisor call counter.
func RecordHypervisorCall(operation, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.hypervisorCalls.WithLabelValues(operation, outcome).Inc()
}

// RecordFallbackStart increments the fallback auto-start counter.
func RecordFallbackStart() {
	if promMetrics == nil {
		return
	}
	promMetrics.fallbackStarts.Inc()
}

// ObserveDrainDuration records how long a flow ("launch" or "shutdown")
// spent waiting for a VM to stop.
func ObserveDrainDuration(flow string, seconds float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.drainDuration.WithLabelValues(flow).Observe(seconds)
}

// PrometheusHandler returns the HTTP handler serving the metrics page.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the underlying registry, or nil if
// InitPrometheus has not been called.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
