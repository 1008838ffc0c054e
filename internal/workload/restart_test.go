package workload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	kubernetesfake "k8s.io/client-go/kubernetes/fake"

	"github.com/kvmigrate/kvmigrate/internal/log"
)

func deployment(name string, podSpec corev1.PodSpec) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "apps"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{Spec: podSpec},
		},
	}
}

func TestRestartConsumers(t *testing.T) {
	volumeConsumer := deployment("volume-consumer", corev1.PodSpec{
		Volumes: []corev1.Volume{
			{Name: "config", VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: "cm1"},
				},
			}},
		},
	})

	projectedConsumer := deployment("projected-consumer", corev1.PodSpec{
		Volumes: []corev1.Volume{
			{Name: "config", VolumeSource: corev1.VolumeSource{
				Projected: &corev1.ProjectedVolumeSource{
					Sources: []corev1.VolumeProjection{
						{ConfigMap: &corev1.ConfigMapProjection{
							LocalObjectReference: corev1.LocalObjectReference{Name: "cm1"},
						}},
					},
				},
			}},
		},
	})

	envFromConsumer := deployment("envfrom-consumer", corev1.PodSpec{
		Containers: []corev1.Container{
			{Name: "app", EnvFrom: []corev1.EnvFromSource{
				{ConfigMapRef: &corev1.ConfigMapEnvSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: "cm1"},
				}},
			}},
		},
	})

	envKeyInitConsumer := deployment("env-init-consumer", corev1.PodSpec{
		InitContainers: []corev1.Container{
			{Name: "init", Env: []corev1.EnvVar{
				{Name: "DB_HOST", ValueFrom: &corev1.EnvVarSource{
					ConfigMapKeyRef: &corev1.ConfigMapKeySelector{
						LocalObjectReference: corev1.LocalObjectReference{Name: "cm1"},
						Key:                  "host",
					},
				}},
			}},
		},
	})

	unrelated := deployment("unrelated", corev1.PodSpec{
		Containers: []corev1.Container{{Name: "app"}},
	})

	tests := map[string]struct {
		deployments   []*appsv1.Deployment
		configMapName string
		expRestarted  []string
	}{
		"Deployments not referencing the ConfigMap should not be restarted.": {
			deployments:   []*appsv1.Deployment{unrelated},
			configMapName: "cm1",
			expRestarted:  []string{},
		},

		"Every reference kind should be detected.": {
			deployments:   []*appsv1.Deployment{volumeConsumer, projectedConsumer, envFromConsumer, envKeyInitConsumer, unrelated},
			configMapName: "cm1",
			expRestarted:  []string{"volume-consumer", "projected-consumer", "envfrom-consumer", "env-init-consumer"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			objs := make([]runtime.Object, 0, len(test.deployments))
			for _, d := range test.deployments {
				objs = append(objs, d)
			}
			cli := kubernetesfake.NewSimpleClientset(objs...)

			restarter := NewRestarter(cli, log.Noop)
			restarter.timeNow = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }

			gotRestarted, err := restarter.RestartConsumers(context.TODO(), "apps", test.configMapName)
			require.NoError(err)
			assert.Equal(len(test.expRestarted), gotRestarted)

			for _, d := range test.deployments {
				stored, err := cli.AppsV1().Deployments("apps").Get(context.TODO(), d.Name, metav1.GetOptions{})
				require.NoError(err)

				gotAnnotation := stored.Spec.Template.Annotations["kubectl.kubernetes.io/restartedAt"]
				if contains(test.expRestarted, d.Name) {
					assert.Equal("2026-08-31T12:00:00Z", gotAnnotation)
				} else {
					assert.Empty(gotAnnotation)
				}
			}
		})
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
