package interfaces

import "context"

// ServicePodMetrics is a point-in-time resource reading for one backend
// service's pods, consumed by the memory-usage snapshotter loop
// (spec.md §4.6).
type ServicePodMetrics struct {
	ServiceID        string
	PodName          string
	MemoryUsageBytes int64
	MemoryLimitBytes int64
}

// ContainerOrchestrator abstracts the cluster control plane the backend
// services run on. Harmony never schedules pods itself; it reads pod
// health/metrics to decide when a service's metrics-reporting sidecar
// needs restarting, and to record memory-usage samples.
type ContainerOrchestrator interface {
	// ListUnhealthyMetricsSidecars returns the pod names, for the given
	// service, whose Prometheus-metrics sidecar container is not Ready
	// (spec.md §4.6 "Prometheus watchdog").
	ListUnhealthyMetricsSidecars(ctx context.Context, serviceID string) ([]string, error)

	// RestartPod deletes the named pod so its controller recreates it.
	RestartPod(ctx context.Context, namespace, podName string) error

	// PodMemoryUsage returns current memory usage/limit for every running
	// pod backing serviceID.
	PodMemoryUsage(ctx context.Context, serviceID string) ([]ServicePodMetrics, error)
}
