package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
)

func unhealthyPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "harmony",
			Labels:    map[string]string{"harmony.io/service-id": "svc-a"},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: "metrics-sidecar", Ready: false},
			},
		},
	}
}

func healthyPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "harmony",
			Labels:    map[string]string{"harmony.io/service-id": "svc-a"},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name: "worker",
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceMemory: resource.MustParse("512Mi"),
						},
					},
				},
			},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: "metrics-sidecar", Ready: true},
			},
		},
	}
}

func TestListUnhealthyMetricsSidecars_ReturnsOnlyNotReadyPods(t *testing.T) {
	core := fake.NewSimpleClientset(unhealthyPod("pod-bad"), healthyPod("pod-good"))
	c := &Client{core: core, namespace: "harmony", sidecar: "metrics-sidecar", labelKey: "harmony.io/service-id"}

	names, err := c.ListUnhealthyMetricsSidecars(context.Background(), "svc-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"pod-bad"}, names)
}

func TestRestartPod_DeletesPod(t *testing.T) {
	core := fake.NewSimpleClientset(unhealthyPod("pod-bad"))
	c := &Client{core: core, namespace: "harmony", sidecar: "metrics-sidecar", labelKey: "harmony.io/service-id"}

	require.NoError(t, c.RestartPod(context.Background(), "harmony", "pod-bad"))

	_, err := core.CoreV1().Pods("harmony").Get(context.Background(), "pod-bad", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestRestartPod_AlreadyGoneIsNotAnError(t *testing.T) {
	core := fake.NewSimpleClientset()
	c := &Client{core: core, namespace: "harmony", sidecar: "metrics-sidecar", labelKey: "harmony.io/service-id"}

	assert.NoError(t, c.RestartPod(context.Background(), "harmony", "already-gone"))
}

func TestPodMemoryUsage_JoinsUsageAndLimit(t *testing.T) {
	core := fake.NewSimpleClientset(healthyPod("pod-good"))
	podMetrics := &metricsv1beta1.PodMetrics{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "pod-good",
			Namespace: "harmony",
			Labels:    map[string]string{"harmony.io/service-id": "svc-a"},
		},
		Containers: []metricsv1beta1.ContainerMetrics{
			{
				Name: "worker",
				Usage: corev1.ResourceList{
					corev1.ResourceMemory: resource.MustParse("128Mi"),
				},
			},
		},
	}
	metricsClient := metricsfake.NewSimpleClientset(podMetrics)
	c := &Client{core: core, metrics: metricsClient, namespace: "harmony", labelKey: "harmony.io/service-id"}

	usage, err := c.PodMemoryUsage(context.Background(), "svc-a")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "pod-good", usage[0].PodName)
	assert.Equal(t, int64(128*1024*1024), usage[0].MemoryUsageBytes)
	assert.Equal(t, int64(512*1024*1024), usage[0].MemoryLimitBytes)
}
