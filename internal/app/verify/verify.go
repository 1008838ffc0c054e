package verify

import (
	"context"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"

	"github.com/kvmigrate/kvmigrate/internal/app/generate"
	"github.com/kvmigrate/kvmigrate/internal/log"
	"github.com/kvmigrate/kvmigrate/internal/model"
)

// Generator knows how to compute the desired ConfigMaps for a plan.
type Generator interface {
	Generate(ctx context.Context, r generate.Request) (*generate.Response, error)
}

// ConfigMapRepo knows how to read the migrated ConfigMaps from the target
// store.
type ConfigMapRepo interface {
	ListManagedConfigMaps(ctx context.Context, ns string) (*corev1.ConfigMapList, error)
}

// ServiceConfig is the verification application service configuration.
type ServiceConfig struct {
	Generator  Generator
	Repository ConfigMapRepo
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Generator == nil {
		return fmt.Errorf("generator is required")
	}

	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "verify.Service"})

	return nil
}

// Service is the application service that diffs the source store against the
// migrated ConfigMaps. It never writes.
type Service struct {
	generator  Generator
	repository ConfigMapRepo
	logger     log.Logger
}

// NewService returns a new verification application service.
func NewService(config ServiceConfig) (*Service, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		generator:  config.Generator,
		repository: config.Repository,
		logger:     config.Logger,
	}, nil
}

type Request struct {
	Plan model.Plan
}

// Difference is a single drift finding between the source store and the
// target ConfigMaps.
type Difference struct {
	ConfigMapName string
	Source        string
	// Fields lists the data keys that differ, set only on changed findings.
	Fields []string
}

// Failure is an entry whose desired state could not be computed.
type Failure struct {
	Source string
	Err    error
}

// Report is the verification result.
type Report struct {
	// InSync is the number of ConfigMaps matching their source entry.
	InSync int
	// Missing are desired ConfigMaps not present on the target store.
	Missing []Difference
	// Changed are ConfigMaps whose content differs from their source entry.
	Changed []Difference
	// Unexpected are managed ConfigMaps with no backing source entry.
	Unexpected []Difference
	// Failures are entries that could not be verified at all.
	Failures []Failure
}

// HasDrift returns whether the report contains any finding.
func (r Report) HasDrift() bool {
	return len(r.Missing) > 0 || len(r.Changed) > 0 || len(r.Unexpected) > 0 || len(r.Failures) > 0
}

// Verify diffs the desired state computed from the source store against the
// managed ConfigMaps of the target namespace.
func (s Service) Verify(ctx context.Context, r Request) (*Report, error) {
	genResp, err := s.generator.Generate(ctx, generate.Request{Plan: r.Plan})
	if err != nil {
		return nil, fmt.Errorf("could not generate desired ConfigMaps: %w", err)
	}

	storedList, err := s.repository.ListManagedConfigMaps(ctx, r.Plan.Target.Namespace)
	if err != nil {
		return nil, fmt.Errorf("could not list managed ConfigMaps: %w", err)
	}

	stored := map[string]*corev1.ConfigMap{}
	for i := range storedList.Items {
		cm := &storedList.Items[i]
		stored[cm.Name] = cm
	}

	report := &Report{}
	desiredNames := map[string]bool{}
	failedSources := map[string]bool{}
	for _, entry := range genResp.Entries {
		if entry.Err != nil {
			report.Failures = append(report.Failures, Failure{Source: entry.Source, Err: entry.Err})
			failedSources[entry.Source] = true
			continue
		}

		desired := entry.ConfigMap
		desiredNames[desired.Name] = true

		actual, ok := stored[desired.Name]
		if !ok {
			report.Missing = append(report.Missing, Difference{ConfigMapName: desired.Name, Source: entry.Source})
			continue
		}

		fields := diffPayload(desired, actual)
		if len(fields) > 0 {
			report.Changed = append(report.Changed, Difference{ConfigMapName: desired.Name, Source: entry.Source, Fields: fields})
			continue
		}

		report.InSync++
	}

	for name, cm := range stored {
		if desiredNames[name] {
			continue
		}
		// An entry that failed generation is already on Failures, reporting
		// its previously migrated ConfigMap as unexpected too would double
		// count the same drift.
		if failedSources[cm.Annotations[model.SourcePathAnnotation]] {
			continue
		}
		report.Unexpected = append(report.Unexpected, Difference{
			ConfigMapName: name,
			Source:        cm.Annotations[model.SourcePathAnnotation],
		})
	}

	sortDifferences(report.Missing)
	sortDifferences(report.Changed)
	sortDifferences(report.Unexpected)

	s.logger.WithCtxValues(ctx).WithValues(log.Kv{
		"inSync": report.InSync, "missing": len(report.Missing), "changed": len(report.Changed),
		"unexpected": len(report.Unexpected), "failures": len(report.Failures),
	}).Infof("Verification finished")

	return report, nil
}

// diffPayload compares the data of two ConfigMaps key by key and returns the
// names of the keys that differ.
func diffPayload(desired, actual *corev1.ConfigMap) []string {
	fields := map[string]bool{}

	for k, v := range desired.Data {
		if actualV, ok := actual.Data[k]; !ok || actualV != v {
			fields[k] = true
		}
	}
	for k := range actual.Data {
		if _, ok := desired.Data[k]; !ok {
			fields[k] = true
		}
	}

	for k, v := range desired.BinaryData {
		actualV, ok := actual.BinaryData[k]
		if !ok || string(actualV) != string(v) {
			fields[k] = true
		}
	}
	for k := range actual.BinaryData {
		if _, ok := desired.BinaryData[k]; !ok {
			fields[k] = true
		}
	}

	result := make([]string, 0, len(fields))
	for k := range fields {
		result = append(result, k)
	}
	sort.Strings(result)

	return result
}

func sortDifferences(ds []Difference) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ConfigMapName < ds[j].ConfigMapName })
}
