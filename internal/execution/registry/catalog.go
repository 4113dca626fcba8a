package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/animus-labs/runengine/internal/domain"
	"gopkg.in/yaml.v3"
)

// StepFactory builds a step of one kind from its catalog entry.
type StepFactory func(name, description string, with *yaml.Node) (domain.Step, error)

// Kinds maps the "uses" field of a catalog step to its factory.
type Kinds map[string]StepFactory

type catalogFile struct {
	Pipelines []pipelineEntry `yaml:"pipelines"`
}

type pipelineEntry struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Steps       []stepEntry `yaml:"steps"`
}

type stepEntry struct {
	Name        string    `yaml:"name"`
	Uses        string    `yaml:"uses"`
	Description string    `yaml:"description"`
	With        yaml.Node `yaml:"with"`
}

// LoadCatalogFile reads pipeline definitions from a YAML file.
func LoadCatalogFile(path string, kinds Kinds) ([]domain.Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	pipelines, err := LoadCatalog(bytes.NewReader(raw), kinds)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return pipelines, nil
}

// LoadCatalog decodes a catalog document. Unknown fields are rejected.
func LoadCatalog(r io.Reader, kinds Kinds) ([]domain.Pipeline, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("catalog is empty")
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(file.Pipelines) == 0 {
		return nil, errors.New("catalog defines no pipelines")
	}

	out := make([]domain.Pipeline, 0, len(file.Pipelines))
	for _, entry := range file.Pipelines {
		steps := make([]domain.Step, 0, len(entry.Steps))
		for i, se := range entry.Steps {
			kind := strings.TrimSpace(se.Uses)
			factory, ok := kinds[kind]
			if !ok {
				return nil, fmt.Errorf("pipeline %q step %d: unknown step kind %q", entry.Name, i, kind)
			}
			with := &se.With
			if with.Kind == 0 {
				with = nil
			}
			step, err := factory(strings.TrimSpace(se.Name), strings.TrimSpace(se.Description), with)
			if err != nil {
				return nil, fmt.Errorf("pipeline %q step %q: %w", entry.Name, se.Name, err)
			}
			steps = append(steps, step)
		}
		p, err := domain.NewPipeline(entry.Name, entry.Description, steps...)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
