package migrate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"

	"github.com/kvmigrate/kvmigrate/internal/app/generate"
	"github.com/kvmigrate/kvmigrate/internal/log"
	"github.com/kvmigrate/kvmigrate/internal/model"
)

// Generator knows how to compute the desired ConfigMaps for a plan.
type Generator interface {
	Generate(ctx context.Context, r generate.Request) (*generate.Response, error)
}

// ConfigMapRepo knows how to store the migrated ConfigMaps.
type ConfigMapRepo interface {
	EnsureConfigMap(ctx context.Context, cm *corev1.ConfigMap) (changed bool, err error)
}

// WorkloadRestarter knows how to restart the workloads consuming a ConfigMap.
type WorkloadRestarter interface {
	RestartConsumers(ctx context.Context, ns, configMapName string) (restarted int, err error)
}

// ServiceConfig is the migration application service configuration.
type ServiceConfig struct {
	Generator  Generator
	Repository ConfigMapRepo
	// Restarter is optional, when set changed ConfigMaps trigger a rolling
	// restart of their consumers if the plan asks for it.
	Restarter WorkloadRestarter
	// Workers is the number of concurrent ConfigMap writes.
	Workers int
	Logger  log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Generator == nil {
		return fmt.Errorf("generator is required")
	}

	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Workers <= 0 {
		c.Workers = 4
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "migrate.Service"})

	return nil
}

// Service is the application service that runs whole migrations: compute the
// desired ConfigMaps and ensure each of them on the target store.
type Service struct {
	generator  Generator
	repository ConfigMapRepo
	restarter  WorkloadRestarter
	workers    int
	logger     log.Logger
}

// NewService returns a new migration application service.
func NewService(config ServiceConfig) (*Service, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		generator:  config.Generator,
		repository: config.Repository,
		restarter:  config.Restarter,
		workers:    config.Workers,
		logger:     config.Logger,
	}, nil
}

type Request struct {
	Plan model.Plan
}

// EntryStatus is the migration outcome of a single entry.
type EntryStatus string

const (
	EntryStatusMigrated  EntryStatus = "migrated"
	EntryStatusUnchanged EntryStatus = "unchanged"
	EntryStatusFailed    EntryStatus = "failed"
)

// EntryResult is the migration result of a single source entry.
type EntryResult struct {
	Source        string
	ConfigMapName string
	Status        EntryStatus
	Err           error
}

type Response struct {
	Results   []EntryResult
	Migrated  int
	Unchanged int
	Failed    int
}

// Migrate runs the migration described by the plan. Entry failures don't stop
// the run, they are aggregated into the returned error so the caller can
// report the partial result available on the response.
func (s Service) Migrate(ctx context.Context, r Request) (*Response, error) {
	genResp, err := s.generator.Generate(ctx, generate.Request{Plan: r.Plan})
	if err != nil {
		return nil, fmt.Errorf("could not generate desired ConfigMaps: %w", err)
	}

	results := []EntryResult{}
	pending := []generate.EntryResult{}
	for _, entry := range genResp.Entries {
		if entry.Err != nil {
			results = append(results, EntryResult{Source: entry.Source, Status: EntryStatusFailed, Err: entry.Err})
			continue
		}
		pending = append(pending, entry)
	}

	// Store with a bounded worker pool.
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, entry := range pending {
		entry := entry
		g.Go(func() error {
			result := s.migrateOne(ctx, r.Plan.Target, entry.Source, entry.ConfigMap)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Source < results[j].Source })

	resp := &Response{Results: results}
	var entryErrs error
	for _, result := range results {
		switch result.Status {
		case EntryStatusMigrated:
			resp.Migrated++
		case EntryStatusUnchanged:
			resp.Unchanged++
		case EntryStatusFailed:
			resp.Failed++
			entryErrs = multierror.Append(entryErrs, fmt.Errorf("%s: %w", result.Source, result.Err))
		}
	}

	s.logger.WithCtxValues(ctx).WithValues(log.Kv{
		"migrated": resp.Migrated, "unchanged": resp.Unchanged, "failed": resp.Failed,
	}).Infof("Migration run finished")

	return resp, entryErrs
}

func (s Service) migrateOne(ctx context.Context, target model.Target, source string, cm *corev1.ConfigMap) EntryResult {
	logger := s.logger.WithCtxValues(ctx).WithValues(log.Kv{"source": source, "configmap": cm.Name})

	changed, err := s.repository.EnsureConfigMap(ctx, cm)
	if err != nil {
		return EntryResult{Source: source, ConfigMapName: cm.Name, Status: EntryStatusFailed, Err: err}
	}

	if !changed {
		return EntryResult{Source: source, ConfigMapName: cm.Name, Status: EntryStatusUnchanged}
	}

	if target.RestartWorkloads && s.restarter != nil {
		restarted, err := s.restarter.RestartConsumers(ctx, cm.Namespace, cm.Name)
		if err != nil {
			// The ConfigMap is already migrated, a failed restart is not an
			// entry failure, consumers will pick the data up at their own pace.
			logger.Warningf("Could not restart ConfigMap consumers: %s", err)
		} else if restarted > 0 {
			logger.Infof("Restarted %d workloads", restarted)
		}
	}

	logger.Debugf("Entry migrated")

	return EntryResult{Source: source, ConfigMapName: cm.Name, Status: EntryStatusMigrated}
}
