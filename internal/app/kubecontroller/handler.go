package kubecontroller

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/spotahome/kooper/v2/controller"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/kvmigrate/kvmigrate/internal/log"
	"github.com/kvmigrate/kvmigrate/internal/model"
	"github.com/kvmigrate/kvmigrate/internal/transform"
)

// EntryGetter knows how to read a single entry from the source key/value
// store.
type EntryGetter interface {
	GetEntry(ctx context.Context, src model.Source, relPath string) (*model.Entry, error)
}

// ConfigMapRepo knows how to store the migrated ConfigMaps.
type ConfigMapRepo interface {
	EnsureConfigMap(ctx context.Context, cm *corev1.ConfigMap) (changed bool, err error)
}

// MetricsRecorder records drift heal operations.
type MetricsRecorder interface {
	ObserveDriftHeal(healed bool)
}

// HandlerConfig is the drift controller handler configuration.
type HandlerConfig struct {
	// PlanGetter returns the current migration plan, it is a getter so hot
	// reloaded plans are picked up without restarting the controller.
	PlanGetter  func() model.Plan
	EntryGetter EntryGetter
	Repository  ConfigMapRepo
	Metrics     MetricsRecorder
	Logger      log.Logger
}

func (c *HandlerConfig) defaults() error {
	if c.PlanGetter == nil {
		return fmt.Errorf("plan getter is required")
	}

	if c.EntryGetter == nil {
		return fmt.Errorf("source entry getter is required")
	}

	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Metrics == nil {
		c.Metrics = noopMetrics(0)
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "kubecontroller.Handler"})

	return nil
}

type handler struct {
	planGetter  func() model.Plan
	entryGetter EntryGetter
	repository  ConfigMapRepo
	metrics     MetricsRecorder
	logger      log.Logger
}

// NewHandler returns the drift controller handler: on every managed ConfigMap
// event it recomputes the desired object from its source entry and re-ensures
// it, reverting out of band edits.
func NewHandler(config HandlerConfig) (controller.Handler, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &handler{
		planGetter:  config.PlanGetter,
		entryGetter: config.EntryGetter,
		repository:  config.Repository,
		metrics:     config.Metrics,
		logger:      config.Logger,
	}, nil
}

func (h handler) Handle(ctx context.Context, obj runtime.Object) error {
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok {
		h.logger.Warningf("Unsupported Kubernetes object type: %s", obj.GetObjectKind())
		return nil
	}

	return h.handleConfigMap(ctx, cm)
}

func (h handler) handleConfigMap(ctx context.Context, cm *corev1.ConfigMap) error {
	ctx = h.logger.SetValuesOnCtx(ctx, log.Kv{"configmap": cm.Name, "ns": cm.Namespace})
	logger := h.logger.WithCtxValues(ctx)

	ref := cm.Annotations[model.SourcePathAnnotation]
	if ref == "" {
		logger.Debugf("ConfigMap has no source reference, ignoring")
		return nil
	}

	plan := h.planGetter()
	src, relPath, err := resolveSource(plan, ref)
	if err != nil {
		logger.Warningf("Could not resolve ConfigMap source: %s", err)
		return nil
	}

	entry, err := h.entryGetter.GetEntry(ctx, src, relPath)
	if err != nil {
		// The source entry may be gone, healing can't do anything then.
		logger.Warningf("Could not read source entry %q: %s", ref, err)
		return nil
	}

	desired, err := transform.NewTransformer(plan.Target).ConfigMapForEntry(*entry)
	if err != nil {
		return fmt.Errorf("could not transform source entry %q: %w", ref, err)
	}

	changed, err := h.repository.EnsureConfigMap(ctx, desired)
	if err != nil {
		return fmt.Errorf("could not ensure ConfigMap: %w", err)
	}

	h.metrics.ObserveDriftHeal(changed)
	if changed {
		logger.Infof("Drifted ConfigMap healed from source entry %q", ref)
	}

	return nil
}

// resolveSource maps a `<mount>/<path>` source reference back to its plan
// source and the path relative to the source root.
func resolveSource(plan model.Plan, ref string) (model.Source, string, error) {
	for _, src := range plan.Sources {
		full := strings.TrimPrefix(ref, src.Mount+"/")
		if full == ref {
			continue
		}

		if src.Root == "" {
			return src, full, nil
		}

		if full == src.Root {
			return src, "", nil
		}

		rel := strings.TrimPrefix(full, src.Root+"/")
		if rel == full {
			continue
		}

		return src, path.Clean(rel), nil
	}

	return model.Source{}, "", fmt.Errorf("no plan source matches reference %q", ref)
}

type noopMetrics int

func (noopMetrics) ObserveDriftHeal(bool) {}
