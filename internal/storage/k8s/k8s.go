package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/kvmigrate/kvmigrate/internal/log"
	"github.com/kvmigrate/kvmigrate/internal/model"
)

// ApiserverRepository is the Kubernetes apiserver storage for migrated
// ConfigMaps.
type ApiserverRepository struct {
	kubeCli kubernetes.Interface
	logger  log.Logger
}

// NewApiserverRepository returns a new Kubernetes Apiserver storage.
func NewApiserverRepository(kubeCli kubernetes.Interface, logger log.Logger) ApiserverRepository {
	return ApiserverRepository{
		kubeCli: kubeCli,
		logger:  logger.WithValues(log.Kv{"svc": "storage.k8s.ApiserverRepository"}),
	}
}

// managedSelector selects only the ConfigMaps owned by the migrator.
func managedSelector() string {
	return fmt.Sprintf("%s=%s", model.ManagedByLabelKey, model.ManagedByLabelValue)
}

// ListManagedConfigMaps lists the migrator owned ConfigMaps on a namespace.
func (r ApiserverRepository) ListManagedConfigMaps(ctx context.Context, ns string) (*corev1.ConfigMapList, error) {
	return r.kubeCli.CoreV1().ConfigMaps(ns).List(ctx, metav1.ListOptions{LabelSelector: managedSelector()})
}

// WatchManagedConfigMaps watches the migrator owned ConfigMaps on a namespace.
func (r ApiserverRepository) WatchManagedConfigMaps(ctx context.Context, ns string) (watch.Interface, error) {
	return r.kubeCli.CoreV1().ConfigMaps(ns).Watch(ctx, metav1.ListOptions{LabelSelector: managedSelector()})
}

// GetConfigMap gets a single ConfigMap, nil without error when missing.
func (r ApiserverRepository) GetConfigMap(ctx context.Context, ns, name string) (*corev1.ConfigMap, error) {
	cm, err := r.kubeCli.CoreV1().ConfigMaps(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if kubeerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return cm, nil
}

// EnsureConfigMap creates or updates a ConfigMap idempotently: missing objects
// are created, stored objects whose content hash already matches are left
// untouched, anything else is overwritten retrying on update conflicts.
// It returns whether a write happened.
func (r ApiserverRepository) EnsureConfigMap(ctx context.Context, cm *corev1.ConfigMap) (changed bool, err error) {
	logger := r.logger.WithCtxValues(ctx).WithValues(log.Kv{"configmap": cm.Name, "ns": cm.Namespace})
	cm = cm.DeepCopy()

	stored, err := r.kubeCli.CoreV1().ConfigMaps(cm.Namespace).Get(ctx, cm.Name, metav1.GetOptions{})
	if err != nil {
		if !kubeerrors.IsNotFound(err) {
			return false, err
		}
		_, err = r.kubeCli.CoreV1().ConfigMaps(cm.Namespace).Create(ctx, cm, metav1.CreateOptions{})
		if err != nil {
			return false, err
		}
		logger.Debugf("ConfigMap has been created")

		return true, nil
	}

	// Nothing to do when the stored content is already the wanted one.
	if stored.Annotations[model.ContentHashAnnotation] == cm.Annotations[model.ContentHashAnnotation] {
		logger.Debugf("ConfigMap is up to date")
		return false, nil
	}

	// Force overwrite.
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		stored, err := r.kubeCli.CoreV1().ConfigMaps(cm.Namespace).Get(ctx, cm.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		cm.ObjectMeta.ResourceVersion = stored.ResourceVersion
		_, err = r.kubeCli.CoreV1().ConfigMaps(cm.Namespace).Update(ctx, cm, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return false, err
	}
	logger.Debugf("ConfigMap has been overwritten")

	return true, nil
}

// DeleteConfigMap removes a migrated ConfigMap, missing objects are not an
// error.
func (r ApiserverRepository) DeleteConfigMap(ctx context.Context, ns, name string) error {
	err := r.kubeCli.CoreV1().ConfigMaps(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !kubeerrors.IsNotFound(err) {
		return err
	}
	return nil
}
