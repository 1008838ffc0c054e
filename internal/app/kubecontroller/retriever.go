package kubecontroller

import (
	"context"

	"github.com/spotahome/kooper/v2/controller"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/cache"
)

// RetrieverKubernetesRepository is the service used by the controller
// retriever to get the managed ConfigMap events.
type RetrieverKubernetesRepository interface {
	ListManagedConfigMaps(ctx context.Context, ns string) (*corev1.ConfigMapList, error)
	WatchManagedConfigMaps(ctx context.Context, ns string) (watch.Interface, error)
}

// NewManagedConfigMapsRetriever returns the retriever for managed ConfigMap
// events. The namespace is a getter so hot reloaded plans that move the
// target namespace are picked up on the next list/watch cycle.
func NewManagedConfigMapsRetriever(ns func() string, repo RetrieverKubernetesRepository) controller.Retriever {
	return controller.MustRetrieverFromListerWatcher(&cache.ListWatch{
		ListFunc: func(options metav1.ListOptions) (runtime.Object, error) {
			return repo.ListManagedConfigMaps(context.TODO(), ns())
		},
		WatchFunc: func(options metav1.ListOptions) (watch.Interface, error) {
			return repo.WatchManagedConfigMaps(context.TODO(), ns())
		},
	})
}
