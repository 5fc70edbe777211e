// Package metrics implements interfaces.MetricsSink on top of
// prometheus/client_golang, and exposes the registry for the HTTP /metrics
// endpoint. It is the only package that imports the prometheus client
// directly; everything upstream (scheduler, orchestrator, maintenance)
// talks to the narrow interfaces.MetricsSink seam instead.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/harmony/internal/interfaces"
)

// Registry wraps a dedicated prometheus.Registry and the gauges/counters
// Harmony publishes to it (spec.md §4.6 "failure-rate publisher" and
// "memory-usage snapshotter").
type Registry struct {
	reg *prometheus.Registry

	serviceFailureRate      *prometheus.GaugeVec
	serviceMemoryUsageBytes *prometheus.GaugeVec
	workItemsDispatched     *prometheus.CounterVec
	workItemsCompleted      *prometheus.CounterVec
}

var _ interfaces.MetricsSink = (*Registry)(nil)

// New builds a Registry with a private prometheus.Registry (not the global
// DefaultRegisterer), so tests can build as many as they like without
// "duplicate metrics collector registration" panics.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		serviceFailureRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "harmony",
			Subsystem: "service",
			Name:      "failure_rate",
			Help:      "Fraction of a service's WorkItems that failed over the lookback window.",
		}, []string{"service_id"}),
		serviceMemoryUsageBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "harmony",
			Subsystem: "service",
			Name:      "memory_usage_bytes",
			Help:      "Most recently sampled memory usage of a service's pod.",
		}, []string{"service_id", "pod_name"}),
		workItemsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harmony",
			Subsystem: "work_items",
			Name:      "dispatched_total",
			Help:      "WorkItems handed out by GetWork, by service.",
		}, []string{"service_id"}),
		workItemsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harmony",
			Subsystem: "work_items",
			Name:      "completed_total",
			Help:      "WorkItems reaching a terminal status, by service and status.",
		}, []string{"service_id", "status"}),
	}

	reg.MustRegister(
		r.serviceFailureRate,
		r.serviceMemoryUsageBytes,
		r.workItemsDispatched,
		r.workItemsCompleted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// SetServiceFailureRate implements interfaces.MetricsSink.
func (r *Registry) SetServiceFailureRate(serviceID string, rate float64) {
	r.serviceFailureRate.WithLabelValues(serviceID).Set(rate)
}

// SetServiceMemoryUsageBytes implements interfaces.MetricsSink.
func (r *Registry) SetServiceMemoryUsageBytes(serviceID, podName string, bytes int64) {
	r.serviceMemoryUsageBytes.WithLabelValues(serviceID, podName).Set(float64(bytes))
}

// IncWorkItemsDispatched implements interfaces.MetricsSink.
func (r *Registry) IncWorkItemsDispatched(serviceID string) {
	r.workItemsDispatched.WithLabelValues(serviceID).Inc()
}

// IncWorkItemsCompleted implements interfaces.MetricsSink.
func (r *Registry) IncWorkItemsCompleted(serviceID string, status string) {
	r.workItemsCompleted.WithLabelValues(serviceID, status).Inc()
}

// Handler returns the http.Handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
