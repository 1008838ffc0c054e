package k8s

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/kvmigrate/kvmigrate/internal/log"
)

// DryRunApiserverRepository is a Kubernetes storage that only executes the
// real read operations, write operations are logged and ignored.
type DryRunApiserverRepository struct {
	svc    ApiserverRepository
	logger log.Logger
}

// NewDryRunApiserverRepository returns a new dry-run Kubernetes storage.
func NewDryRunApiserverRepository(svc ApiserverRepository, logger log.Logger) DryRunApiserverRepository {
	return DryRunApiserverRepository{
		svc:    svc,
		logger: logger.WithValues(log.Kv{"svc": "storage.k8s.DryRunApiserverRepository"}),
	}
}

func (r DryRunApiserverRepository) ListManagedConfigMaps(ctx context.Context, ns string) (*corev1.ConfigMapList, error) {
	return r.svc.ListManagedConfigMaps(ctx, ns)
}

func (r DryRunApiserverRepository) WatchManagedConfigMaps(ctx context.Context, ns string) (watch.Interface, error) {
	return r.svc.WatchManagedConfigMaps(ctx, ns)
}

func (r DryRunApiserverRepository) GetConfigMap(ctx context.Context, ns, name string) (*corev1.ConfigMap, error) {
	return r.svc.GetConfigMap(ctx, ns, name)
}

func (r DryRunApiserverRepository) EnsureConfigMap(ctx context.Context, cm *corev1.ConfigMap) (bool, error) {
	r.logger.WithValues(log.Kv{"configmap": cm.Name, "ns": cm.Namespace}).Infof("Dry run EnsureConfigMap")
	return false, nil
}

func (r DryRunApiserverRepository) DeleteConfigMap(ctx context.Context, ns, name string) error {
	r.logger.WithValues(log.Kv{"configmap": name, "ns": ns}).Infof("Dry run DeleteConfigMap")
	return nil
}
