package plan

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/kvmigrate/kvmigrate/internal/model"
)

// Version is the only supported migration plan version.
const Version = "kvmigrate/v1"

type planV1 struct {
	Version string     `yaml:"version"`
	Sources []sourceV1 `yaml:"sources"`
	Target  targetV1   `yaml:"target"`
}

type sourceV1 struct {
	Mount     string `yaml:"mount"`
	KVVersion int    `yaml:"kvVersion"`
	Root      string `yaml:"root"`
	Include   string `yaml:"include"`
	Exclude   string `yaml:"exclude"`
}

type targetV1 struct {
	Namespace        string            `yaml:"namespace"`
	NamePrefix       string            `yaml:"namePrefix"`
	Labels           map[string]string `yaml:"labels"`
	Annotations      map[string]string `yaml:"annotations"`
	RestartWorkloads bool              `yaml:"restartWorkloads"`
}

type yamlPlanLoader bool

// YAMLPlanLoader knows how to load YAML migration plans and converts them to a model.
const YAMLPlanLoader = yamlPlanLoader(false)

func (y yamlPlanLoader) LoadPlan(ctx context.Context, data []byte) (*model.Plan, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("plan is required")
	}

	p := planV1{}
	err := yaml.Unmarshal(data, &p)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshall YAML plan correctly: %w", err)
	}

	// Check version.
	if p.Version != Version {
		return nil, fmt.Errorf("invalid plan version, should be %q", Version)
	}

	m, err := y.mapPlanToModel(p)
	if err != nil {
		return nil, fmt.Errorf("could not map to model: %w", err)
	}

	err = m.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	return m, nil
}

func (yamlPlanLoader) mapPlanToModel(p planV1) (*model.Plan, error) {
	sources := make([]model.Source, 0, len(p.Sources))
	for _, s := range p.Sources {
		source := model.Source{
			Mount:     strings.Trim(s.Mount, "/"),
			KVVersion: s.KVVersion,
			Root:      strings.Trim(s.Root, "/"),
		}

		if s.KVVersion == 0 {
			source.KVVersion = 2
		}

		if s.Include != "" {
			r, err := regexp.Compile(s.Include)
			if err != nil {
				return nil, fmt.Errorf("invalid include regex %q: %w", s.Include, err)
			}
			source.Include = r
		}

		if s.Exclude != "" {
			r, err := regexp.Compile(s.Exclude)
			if err != nil {
				return nil, fmt.Errorf("invalid exclude regex %q: %w", s.Exclude, err)
			}
			source.Exclude = r
		}

		sources = append(sources, source)
	}

	return &model.Plan{
		Sources: sources,
		Target: model.Target{
			Namespace:        p.Target.Namespace,
			NamePrefix:       p.Target.NamePrefix,
			Labels:           p.Target.Labels,
			Annotations:      p.Target.Annotations,
			RestartWorkloads: p.Target.RestartWorkloads,
		},
	}, nil
}
