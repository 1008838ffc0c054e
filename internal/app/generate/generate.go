package generate

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"

	"github.com/kvmigrate/kvmigrate/internal/log"
	"github.com/kvmigrate/kvmigrate/internal/model"
	"github.com/kvmigrate/kvmigrate/internal/transform"
)

// SourceReader knows how to read entries from the source key/value store.
type SourceReader interface {
	WalkEntries(ctx context.Context, src model.Source) ([]model.Entry, error)
}

// ServiceConfig is the application service configuration.
type ServiceConfig struct {
	SourceReader SourceReader
	Logger       log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.SourceReader == nil {
		return fmt.Errorf("source reader is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "generate.Service"})

	return nil
}

// Service is the application service that computes the desired ConfigMaps for
// a migration plan: walks the source store and transforms every entry. It is
// the common stage under the migrate, generate and verify commands.
type Service struct {
	sourceReader SourceReader
	logger       log.Logger
}

// NewService returns a new generate application service.
func NewService(config ServiceConfig) (*Service, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		sourceReader: config.SourceReader,
		logger:       config.Logger,
	}, nil
}

type Request struct {
	Plan model.Plan
}

// EntryResult is the generation result of a single source entry, Err is set
// when the entry could not be transformed (the ConfigMap is nil then).
type EntryResult struct {
	Source    string
	ConfigMap *corev1.ConfigMap
	Err       error
}

type Response struct {
	Entries []EntryResult
}

// Generate computes the desired ConfigMaps for the plan. Source walk failures
// abort the whole generation, per entry transform failures don't: they are
// returned on their entry result.
func (s Service) Generate(ctx context.Context, r Request) (*Response, error) {
	err := r.Plan.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	tr := transform.NewTransformer(r.Plan.Target)

	entries := []EntryResult{}
	seenNames := map[string]string{}
	for _, src := range r.Plan.Sources {
		srcEntries, err := s.sourceReader.WalkEntries(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("could not walk source %q: %w", src.Mount, err)
		}

		for _, entry := range srcEntries {
			source := entry.Mount + "/" + entry.Path

			cm, err := tr.ConfigMapForEntry(entry)
			if err != nil {
				entries = append(entries, EntryResult{Source: source, Err: err})
				continue
			}

			if previous, ok := seenNames[cm.Name]; ok {
				entries = append(entries, EntryResult{
					Source: source,
					Err:    fmt.Errorf("entry maps to ConfigMap %q already produced by %q", cm.Name, previous),
				})
				continue
			}
			seenNames[cm.Name] = source

			entries = append(entries, EntryResult{Source: source, ConfigMap: cm})
		}
	}

	s.logger.WithCtxValues(ctx).Debugf("Generated %d desired ConfigMaps", len(seenNames))

	return &Response{Entries: entries}, nil
}
