// Package k8s implements interfaces.ContainerOrchestrator against a real
// Kubernetes cluster, grounded on the standard k8s.io/client-go surface:
// a core clientset for pod list/delete, and the metrics.k8s.io clientset
// for the memory-usage snapshotter loop (spec.md §4.6).
package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harmony/internal/common"
	"github.com/ternarybob/harmony/internal/herrors"
	"github.com/ternarybob/harmony/internal/interfaces"
)

// Client implements interfaces.ContainerOrchestrator.
type Client struct {
	core      kubernetes.Interface
	metrics   metricsclient.Interface
	namespace string
	sidecar   string
	labelKey  string
	logger    arbor.ILogger
}

var _ interfaces.ContainerOrchestrator = (*Client)(nil)

// New builds a Client from config, using in-cluster config when
// config.Kubeconfig is empty and the kubeconfig file otherwise (mirrors the
// usual client-go "in-cluster unless told otherwise" convention).
func New(logger arbor.ILogger, config *common.K8sConfig) (*Client, error) {
	restConfig, err := loadRestConfig(config.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes client config: %w", err)
	}

	core, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build core clientset: %w", err)
	}
	metrics, err := metricsclient.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics clientset: %w", err)
	}

	logger.Info().Str("namespace", config.Namespace).Msg("Kubernetes container orchestrator initialized")
	return &Client{
		core:      core,
		metrics:   metrics,
		namespace: config.Namespace,
		sidecar:   config.MetricsSidecar,
		labelKey:  config.ServiceLabelKey,
		logger:    logger,
	}, nil
}

func loadRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

func (c *Client) servicePods(ctx context.Context, serviceID string) (*corev1.PodList, error) {
	pods, err := c.core.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", c.labelKey, serviceID),
	})
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, fmt.Errorf("listing pods for service %s: %w", serviceID, err))
	}
	return pods, nil
}

// ListUnhealthyMetricsSidecars implements interfaces.ContainerOrchestrator.
func (c *Client) ListUnhealthyMetricsSidecars(ctx context.Context, serviceID string) ([]string, error) {
	pods, err := c.servicePods(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	var unhealthy []string
	for _, pod := range pods.Items {
		if !sidecarReady(&pod, c.sidecar) {
			unhealthy = append(unhealthy, pod.Name)
		}
	}
	return unhealthy, nil
}

func sidecarReady(pod *corev1.Pod, sidecarName string) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == sidecarName {
			return cs.Ready
		}
	}
	// No container by that name is reported: treat as unhealthy rather than
	// silently skipping the pod.
	return false
}

// RestartPod implements interfaces.ContainerOrchestrator by deleting the
// pod; its owning controller (Deployment/StatefulSet) recreates it.
func (c *Client) RestartPod(ctx context.Context, namespace, podName string) error {
	err := c.core.CoreV1().Pods(namespace).Delete(ctx, podName, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		// Already gone; the watchdog's next pass will see a fresh pod.
		return nil
	}
	if err != nil {
		return herrors.Classify(herrors.ClassTransientInfra, fmt.Errorf("deleting pod %s/%s: %w", namespace, podName, err))
	}
	c.logger.Warn().Str("namespace", namespace).Str("pod", podName).Msg("Restarted pod with unhealthy metrics sidecar")
	return nil
}

// PodMemoryUsage implements interfaces.ContainerOrchestrator, joining
// metrics.k8s.io pod metrics against the core API's container resource
// limits.
func (c *Client) PodMemoryUsage(ctx context.Context, serviceID string) ([]interfaces.ServicePodMetrics, error) {
	pods, err := c.servicePods(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	limitByPod := make(map[string]int64, len(pods.Items))
	for _, pod := range pods.Items {
		var limit int64
		for _, container := range pod.Spec.Containers {
			if mem, ok := container.Resources.Limits["memory"]; ok {
				limit += mem.Value()
			}
		}
		limitByPod[pod.Name] = limit
	}

	podMetrics, err := c.metrics.MetricsV1beta1().PodMetricses(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", c.labelKey, serviceID),
	})
	if err != nil {
		return nil, herrors.Classify(herrors.ClassTransientInfra, fmt.Errorf("listing pod metrics for service %s: %w", serviceID, err))
	}

	out := make([]interfaces.ServicePodMetrics, 0, len(podMetrics.Items))
	for _, pm := range podMetrics.Items {
		var used int64
		for _, container := range pm.Containers {
			if mem, ok := container.Usage["memory"]; ok {
				used += mem.Value()
			}
		}
		out = append(out, interfaces.ServicePodMetrics{
			ServiceID:        serviceID,
			PodName:          pm.Name,
			MemoryUsageBytes: used,
			MemoryLimitBytes: limitByPod[pm.Name],
		})
	}
	return out, nil
}
