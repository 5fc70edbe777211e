package interfaces

// MetricsSink receives orchestration-level measurements for export via the
// Prometheus registry set up in internal/metrics (spec.md §4.6 "failure-rate
// publisher"). Kept as a narrow interface so maintenance loops don't import
// the prometheus client package directly.
type MetricsSink interface {
	SetServiceFailureRate(serviceID string, rate float64)
	SetServiceMemoryUsageBytes(serviceID, podName string, bytes int64)
	IncWorkItemsDispatched(serviceID string)
	IncWorkItemsCompleted(serviceID string, status string)
}
