package workload

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/kvmigrate/kvmigrate/internal/log"
)

// restartedAtAnnotation is the pod template annotation used by
// `kubectl rollout restart`, patching it triggers a rolling restart.
const restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// Restarter restarts the Deployments that consume a migrated ConfigMap so
// they don't keep running with stale configuration.
type Restarter struct {
	kubeCli kubernetes.Interface
	logger  log.Logger
	timeNow func() time.Time
}

// NewRestarter returns a new workload restarter.
func NewRestarter(kubeCli kubernetes.Interface, logger log.Logger) Restarter {
	return Restarter{
		kubeCli: kubeCli,
		logger:  logger.WithValues(log.Kv{"svc": "workload.Restarter"}),
		timeNow: time.Now,
	}
}

// RestartConsumers rolling-restarts every Deployment on the namespace that
// references the ConfigMap through volumes, env or envFrom. It returns the
// number of restarted Deployments.
func (r Restarter) RestartConsumers(ctx context.Context, ns, configMapName string) (int, error) {
	deployments, err := r.kubeCli.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("could not list deployments: %w", err)
	}

	patch := []byte(fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartedAtAnnotation, r.timeNow().UTC().Format(time.RFC3339)))

	restarted := 0
	for _, deployment := range deployments.Items {
		if !referencesConfigMap(deployment, configMapName) {
			continue
		}

		_, err := r.kubeCli.AppsV1().Deployments(ns).Patch(ctx, deployment.Name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
		if err != nil {
			return restarted, fmt.Errorf("could not restart deployment %q: %w", deployment.Name, err)
		}

		r.logger.WithCtxValues(ctx).WithValues(log.Kv{"deployment": deployment.Name, "ns": ns}).Debugf("Deployment restarted")
		restarted++
	}

	return restarted, nil
}

func referencesConfigMap(deployment appsv1.Deployment, name string) bool {
	podSpec := deployment.Spec.Template.Spec

	for _, volume := range podSpec.Volumes {
		if volume.ConfigMap != nil && volume.ConfigMap.Name == name {
			return true
		}
		if volume.Projected != nil {
			for _, source := range volume.Projected.Sources {
				if source.ConfigMap != nil && source.ConfigMap.Name == name {
					return true
				}
			}
		}
	}

	containers := make([]corev1.Container, 0, len(podSpec.Containers)+len(podSpec.InitContainers))
	containers = append(containers, podSpec.Containers...)
	containers = append(containers, podSpec.InitContainers...)
	for _, container := range containers {
		for _, envFrom := range container.EnvFrom {
			if envFrom.ConfigMapRef != nil && envFrom.ConfigMapRef.Name == name {
				return true
			}
		}
		for _, env := range container.Env {
			if env.ValueFrom != nil && env.ValueFrom.ConfigMapKeyRef != nil && env.ValueFrom.ConfigMapKeyRef.Name == name {
				return true
			}
		}
	}

	return false
}
