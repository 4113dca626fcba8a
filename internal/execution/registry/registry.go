// Package registry maps pipeline names to their ordered steps.
//
// A Registry is built once at startup and never mutated, so workers share it
// without locking.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/runengine/internal/domain"
)

type Registry struct {
	pipelines map[string]domain.Pipeline
	names     []string
}

func New(pipelines ...domain.Pipeline) (*Registry, error) {
	r := &Registry{pipelines: make(map[string]domain.Pipeline, len(pipelines))}
	for _, p := range pipelines {
		if p.Len() == 0 {
			return nil, fmt.Errorf("pipeline %q has no steps", p.Name())
		}
		if _, ok := r.pipelines[p.Name()]; ok {
			return nil, fmt.Errorf("pipeline %q registered twice", p.Name())
		}
		r.pipelines[p.Name()] = p
		r.names = append(r.names, p.Name())
	}
	sort.Strings(r.names)
	return r, nil
}

// Resolve returns the ordered steps of the named pipeline.
func (r *Registry) Resolve(name string) ([]domain.Step, error) {
	p, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownPipeline, name)
	}
	return p.Steps(), nil
}

func (r *Registry) Lookup(name string) (domain.Pipeline, bool) {
	if r == nil {
		return domain.Pipeline{}, false
	}
	p, ok := r.pipelines[strings.TrimSpace(name)]
	return p, ok
}

// List describes every registered pipeline, sorted by name.
func (r *Registry) List() []domain.PipelineInfo {
	if r == nil {
		return nil
	}
	out := make([]domain.PipelineInfo, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.pipelines[name].Info())
	}
	return out
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
