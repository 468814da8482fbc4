// Package k8sop implements pkg/operator.Operator on Kubernetes: one Pod,
// one Service, and (when an ingress class is configured) one Ingress per
// sandbox. Adapted from the teacher's pkg/k8s client — same in-cluster/
// kubeconfig fallback, same createPod/createService/createIngress shape —
// generalized from the teacher's fixed runtime-pod container ports to the
// sandbox's PROXY/VSCODE port pair and from its resource_factor scaling to
// DeploymentConfig's explicit CPUs/Memory.
package k8sop

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
	metricsv1beta1 "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"

	"github.com/rockcloud/sandboxctl/pkg/apierr"
	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/logger"
	"github.com/rockcloud/sandboxctl/pkg/types"
)

// Operator drives the Kubernetes API for one cluster/namespace. clientset
// and metrics are interfaces (not concrete *Clientset types) so tests can
// substitute client-go's fake clientset, matching the teacher's own
// NewClientFromInterface pattern in pkg/k8s.
type Operator struct {
	clientset kubernetes.Interface
	metrics   metricsv1beta1.MetricsV1beta1Interface
	cfg       *config.Config
	namespace string
}

// New builds an Operator, preferring in-cluster config and falling back to
// the local kubeconfig, matching the teacher's own client construction.
func New(cfg *config.Config) (*Operator, error) {
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		logger.Debug("k8sop.New: in-cluster config unavailable, falling back to kubeconfig")
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("k8sop: build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("k8sop: create clientset: %w", err)
	}

	metricsClient, err := metricsclientset.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("k8sop: create metrics clientset: %w", err)
	}

	return &Operator{
		clientset: clientset,
		metrics:   metricsClient.MetricsV1beta1(),
		cfg:       cfg,
		namespace: cfg.Namespace,
	}, nil
}

// NewFromInterface builds an Operator over caller-supplied clientset/metrics
// interfaces, for tests driving client-go's fake clientset.
func NewFromInterface(clientset kubernetes.Interface, metrics metricsv1beta1.MetricsV1beta1Interface, cfg *config.Config) *Operator {
	return &Operator{clientset: clientset, metrics: metrics, cfg: cfg, namespace: cfg.Namespace}
}

func podName(sandboxID string) string     { return "sandbox-" + sandboxID }
func serviceName(sandboxID string) string { return "sandbox-" + sandboxID + "-svc" }
func ingressName(sandboxID string) string { return "sandbox-" + sandboxID + "-ing" }

func portToInt32(port int) int32 {
	if port < 1 {
		return 1
	}
	if port > 65535 {
		return 65535
	}
	return int32(port)
}

// Submit creates the Pod, Service, and (if an ingress class is configured)
// Ingress backing a sandbox, rolling back anything already created on a
// later step's failure.
func (o *Operator) Submit(ctx context.Context, cfg types.DeploymentConfig) (types.SandboxInfo, error) {
	opCtx, cancel := context.WithTimeout(ctx, o.cfg.K8sOperationTimeout)
	defer cancel()

	if err := o.createPod(opCtx, cfg); err != nil {
		return types.SandboxInfo{}, apierr.NewUpstream(err, "creating pod for sandbox %s", cfg.SandboxID)
	}
	if err := o.createService(opCtx, cfg.SandboxID); err != nil {
		_ = o.deletePod(opCtx, cfg.SandboxID)
		return types.SandboxInfo{}, apierr.NewUpstream(err, "creating service for sandbox %s", cfg.SandboxID)
	}
	if o.cfg.IngressClass != "" {
		if err := o.createIngress(opCtx, cfg.SandboxID); err != nil {
			_ = o.deletePod(opCtx, cfg.SandboxID)
			_ = o.deleteService(opCtx, cfg.SandboxID)
			return types.SandboxInfo{}, apierr.NewUpstream(err, "creating ingress for sandbox %s", cfg.SandboxID)
		}
	}

	return types.SandboxInfo{
		SandboxID: cfg.SandboxID,
		Image:     cfg.Image,
		State:     types.StatePending,
		HostName:  fmt.Sprintf("%s.%s", strings.ToLower(cfg.SandboxID), o.cfg.BaseDomain),
		UserID:    cfg.UserID,
	}, nil
}

func (o *Operator) createPod(ctx context.Context, cfg types.DeploymentConfig) error {
	labels := map[string]string{"app": "sandboxctl", "sandbox-id": cfg.SandboxID}

	var envVars []corev1.EnvVar
	for k, v := range cfg.Environment {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	cpus := cfg.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	memory := cfg.Memory
	if memory == "" {
		memory = "2Gi"
	}

	var imagePullSecrets []corev1.LocalObjectReference
	for _, s := range o.cfg.ImagePullSecrets {
		imagePullSecrets = append(imagePullSecrets, corev1.LocalObjectReference{Name: s})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(cfg.SandboxID),
			Namespace: o.namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			ImagePullSecrets: imagePullSecrets,
			Containers: []corev1.Container{
				{
					Name:            "sandbox",
					Image:           cfg.Image,
					Env:             envVars,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Ports: []corev1.ContainerPort{
						{ContainerPort: portToInt32(o.cfg.ProxyPort), Name: "proxy", Protocol: corev1.ProtocolTCP},
						{ContainerPort: portToInt32(o.cfg.VSCodePort), Name: "vscode", Protocol: corev1.ProtocolTCP},
					},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(cpus*1000), resource.DecimalSI),
							corev1.ResourceMemory: resource.MustParse(memory),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(cpus*1000), resource.DecimalSI),
							corev1.ResourceMemory: resource.MustParse(memory),
						},
					},
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: "/alive",
								Port: intstr.FromInt(o.cfg.ProxyPort),
							},
						},
						InitialDelaySeconds: 5,
						PeriodSeconds:       5,
						TimeoutSeconds:      3,
						FailureThreshold:    3,
					},
				},
			},
			RestartPolicy: corev1.RestartPolicyNever,
		},
	}

	_, err := o.clientset.CoreV1().Pods(o.namespace).Create(ctx, pod, metav1.CreateOptions{})
	return err
}

func (o *Operator) createService(ctx context.Context, sandboxID string) error {
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceName(sandboxID),
			Namespace: o.namespace,
			Labels:    map[string]string{"app": "sandboxctl", "sandbox-id": sandboxID},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"sandbox-id": sandboxID},
			Ports: []corev1.ServicePort{
				{Name: types.PortProxy, Port: portToInt32(o.cfg.ProxyPort), TargetPort: intstr.FromInt(o.cfg.ProxyPort), Protocol: corev1.ProtocolTCP},
				{Name: types.PortVSCode, Port: portToInt32(o.cfg.VSCodePort), TargetPort: intstr.FromInt(o.cfg.VSCodePort), Protocol: corev1.ProtocolTCP},
			},
			Type: corev1.ServiceTypeClusterIP,
		},
	}
	_, err := o.clientset.CoreV1().Services(o.namespace).Create(ctx, service, metav1.CreateOptions{})
	return err
}

func (o *Operator) createIngress(ctx context.Context, sandboxID string) error {
	pathType := networkingv1.PathTypePrefix
	ingressClass := o.cfg.IngressClass
	host := fmt.Sprintf("%s.%s", strings.ToLower(sandboxID), o.cfg.BaseDomain)

	annotations := map[string]string{}
	for k, v := range o.cfg.SandboxIngressAnnotations {
		annotations[k] = v
	}

	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        ingressName(sandboxID),
			Namespace:   o.namespace,
			Labels:      map[string]string{"app": "sandboxctl", "sandbox-id": sandboxID},
			Annotations: annotations,
		},
		Spec: networkingv1.IngressSpec{
			IngressClassName: &ingressClass,
			Rules: []networkingv1.IngressRule{
				{
					Host: host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/",
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: serviceName(sandboxID),
											Port: networkingv1.ServiceBackendPort{Number: portToInt32(o.cfg.ProxyPort)},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	_, err := o.clientset.NetworkingV1().Ingresses(o.namespace).Create(ctx, ingress, metav1.CreateOptions{})
	return err
}

// GetStatus reads the pod directly from the API server; no cache.
func (o *Operator) GetStatus(ctx context.Context, sandboxID string) (types.SandboxInfo, error) {
	queryCtx, cancel := context.WithTimeout(ctx, o.cfg.K8sQueryTimeout)
	defer cancel()

	pod, err := o.clientset.CoreV1().Pods(o.namespace).Get(queryCtx, podName(sandboxID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return types.SandboxInfo{}, apierr.NewNotFound("sandbox %s not found", sandboxID)
		}
		return types.SandboxInfo{}, apierr.NewUpstream(err, "getting pod for sandbox %s", sandboxID)
	}

	alive := false
	state := types.StatePending
	switch pod.Status.Phase {
	case corev1.PodRunning:
		state = types.StateRunning
		ready := true
		for _, cs := range pod.Status.ContainerStatuses {
			if !cs.Ready {
				ready = false
			}
		}
		alive = ready
	case corev1.PodFailed:
		state = types.StateStopped
	case corev1.PodSucceeded:
		state = types.StateStopped
	}

	return types.SandboxInfo{
		SandboxID: sandboxID,
		Image:     pod.Spec.Containers[0].Image,
		State:     state,
		Alive:     alive,
		HostIP:    pod.Status.PodIP,
		HostName:  fmt.Sprintf("%s.%s", strings.ToLower(sandboxID), o.cfg.BaseDomain),
		Namespace: o.namespace,
		PortMapping: map[string]int{
			types.PortProxy:  o.cfg.ProxyPort,
			types.PortVSCode: o.cfg.VSCodePort,
		},
		CreatedAt: pod.CreationTimestamp.Time,
	}, nil
}

// Stop deletes the Ingress, Service, and Pod in that order. Missing
// resources are tolerated so Stop is idempotent.
func (o *Operator) Stop(ctx context.Context, sandboxID string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, o.cfg.K8sOperationTimeout)
	defer cancel()

	_, getErr := o.clientset.CoreV1().Pods(o.namespace).Get(opCtx, podName(sandboxID), metav1.GetOptions{})
	existed := getErr == nil

	if err := o.deleteIngress(opCtx, sandboxID); err != nil && !apierrors.IsNotFound(err) {
		return existed, apierr.NewUpstream(err, "deleting ingress for sandbox %s", sandboxID)
	}
	if err := o.deleteService(opCtx, sandboxID); err != nil && !apierrors.IsNotFound(err) {
		return existed, apierr.NewUpstream(err, "deleting service for sandbox %s", sandboxID)
	}
	if err := o.deletePod(opCtx, sandboxID); err != nil && !apierrors.IsNotFound(err) {
		return existed, apierr.NewUpstream(err, "deleting pod for sandbox %s", sandboxID)
	}
	return existed, nil
}

func (o *Operator) deletePod(ctx context.Context, sandboxID string) error {
	grace := int64(0)
	return o.clientset.CoreV1().Pods(o.namespace).Delete(ctx, podName(sandboxID), metav1.DeleteOptions{GracePeriodSeconds: &grace})
}

func (o *Operator) deleteService(ctx context.Context, sandboxID string) error {
	return o.clientset.CoreV1().Services(o.namespace).Delete(ctx, serviceName(sandboxID), metav1.DeleteOptions{})
}

func (o *Operator) deleteIngress(ctx context.Context, sandboxID string) error {
	return o.clientset.NetworkingV1().Ingresses(o.namespace).Delete(ctx, ingressName(sandboxID), metav1.DeleteOptions{})
}

// GetMount reports the sandbox's mount point. Kubernetes pods have no
// host-visible bind mount; the path is reachable only through the worker's
// file verbs inside the pod.
func (o *Operator) GetMount(ctx context.Context, sandboxID string) (types.MountInfo, error) {
	if _, err := o.GetStatus(ctx, sandboxID); err != nil {
		return types.MountInfo{}, err
	}
	return types.MountInfo{SandboxID: sandboxID, MountPath: "/workspace"}, nil
}

// GetStatistics reads live usage from the metrics.k8s.io API, falling back
// to the pod's resource limits when the metrics server has not yet
// produced a sample (a cold pod, or no metrics-server installed).
func (o *Operator) GetStatistics(ctx context.Context, sandboxID string) (types.ResourceMetrics, error) {
	queryCtx, cancel := context.WithTimeout(ctx, o.cfg.K8sQueryTimeout)
	defer cancel()

	podMetrics, err := o.metrics.PodMetricses(o.namespace).Get(queryCtx, podName(sandboxID), metav1.GetOptions{})
	if err == nil && len(podMetrics.Containers) > 0 {
		cpuQty := podMetrics.Containers[0].Usage.Cpu()
		memQty := podMetrics.Containers[0].Usage.Memory()
		return types.ResourceMetrics{
			SandboxID:    sandboxID,
			CPUPercent:   float64(cpuQty.MilliValue()) / 10.0,
			MemoryUsedMB: float64(memQty.Value()) / (1024 * 1024),
		}, nil
	}
	logger.Debug("k8sop: metrics API unavailable for sandbox %s (%v), falling back to resource limits", sandboxID, err)

	pod, getErr := o.clientset.CoreV1().Pods(o.namespace).Get(queryCtx, podName(sandboxID), metav1.GetOptions{})
	if getErr != nil {
		if apierrors.IsNotFound(getErr) {
			return types.ResourceMetrics{}, apierr.NewNotFound("sandbox %s not found", sandboxID)
		}
		return types.ResourceMetrics{}, apierr.NewUpstream(getErr, "getting pod for sandbox %s", sandboxID)
	}
	var memLimitMB float64
	if len(pod.Spec.Containers) > 0 {
		if q, ok := pod.Spec.Containers[0].Resources.Limits[corev1.ResourceMemory]; ok {
			memLimitMB = float64(q.Value()) / (1024 * 1024)
		}
	}
	return types.ResourceMetrics{SandboxID: sandboxID, MemoryLimitMB: memLimitMB}, nil
}

// Commit is unsupported on the Kubernetes backend: there is no per-pod
// equivalent of `docker commit` without a privileged node agent this
// backend does not assume. Callers get a typed error, not a silent no-op.
func (o *Operator) Commit(ctx context.Context, sandboxID, imageTag, username, password string) (types.CommandResult, error) {
	return types.CommandResult{}, apierr.NewUpstream(nil, "commit is not supported on the kubernetes operator backend")
}

// CollectSystemResourceMetrics sums a metrics-API sample across every
// sandbox pod in the namespace.
func (o *Operator) CollectSystemResourceMetrics(ctx context.Context) (types.SystemResourceMetrics, error) {
	queryCtx, cancel := context.WithTimeout(ctx, o.cfg.K8sQueryTimeout)
	defer cancel()

	pods, err := o.clientset.CoreV1().Pods(o.namespace).List(queryCtx, metav1.ListOptions{LabelSelector: "app=sandboxctl"})
	if err != nil {
		return types.SystemResourceMetrics{}, apierr.NewUpstream(err, "listing managed sandbox pods")
	}

	agg := types.SystemResourceMetrics{TotalSandboxes: len(pods.Items)}
	for _, pod := range pods.Items {
		sandboxID := pod.Labels["sandbox-id"]
		if sandboxID == "" {
			continue
		}
		metrics, err := o.GetStatistics(queryCtx, sandboxID)
		if err != nil {
			continue
		}
		agg.CPUPercent += metrics.CPUPercent
		agg.MemoryUsedMB += metrics.MemoryUsedMB
	}
	return agg, nil
}

// waitForReady polls pod status until it becomes ready or ctx times out,
// mirroring the teacher's WaitForPodReady.
func (o *Operator) waitForReady(ctx context.Context, sandboxID string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("k8sop: timeout waiting for sandbox %s to be ready", sandboxID)
		case <-ticker.C:
			info, err := o.GetStatus(waitCtx, sandboxID)
			if err != nil {
				return err
			}
			if info.Alive {
				return nil
			}
		}
	}
}
