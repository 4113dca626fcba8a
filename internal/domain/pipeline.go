package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Step is a single named unit of work within a pipeline.
//
// Execute returns nil on success. A non-nil error is a step failure and its
// message is recorded as the failure reason. The engine never interrupts a
// step; steps that need fine-grained cancellation must watch ctx themselves.
type Step interface {
	Name() string
	Execute(ctx context.Context, rc *RunContext) error
}

// Describer is implemented by steps that carry a human-readable description.
type Describer interface {
	Description() string
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Doc      string
	Fn       func(ctx context.Context, rc *RunContext) error
}

func (s StepFunc) Name() string        { return s.StepName }
func (s StepFunc) Description() string { return s.Doc }

func (s StepFunc) Execute(ctx context.Context, rc *RunContext) error {
	if s.Fn == nil {
		return nil
	}
	return s.Fn(ctx, rc)
}

// Pipeline is an ordered, immutable list of steps identified by name.
type Pipeline struct {
	name        string
	description string
	steps       []Step
}

// NewPipeline validates and freezes a pipeline definition.
func NewPipeline(name, description string, steps ...Step) (Pipeline, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Pipeline{}, errors.New("pipeline name is required")
	}
	if len(steps) == 0 {
		return Pipeline{}, fmt.Errorf("pipeline %q: at least one step is required", name)
	}
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step == nil {
			return Pipeline{}, fmt.Errorf("pipeline %q: step %d is nil", name, i)
		}
		stepName := strings.TrimSpace(step.Name())
		if stepName == "" {
			return Pipeline{}, fmt.Errorf("pipeline %q: step %d has no name", name, i)
		}
		if _, ok := seen[stepName]; ok {
			return Pipeline{}, fmt.Errorf("pipeline %q: duplicate step %q", name, stepName)
		}
		seen[stepName] = struct{}{}
	}
	frozen := make([]Step, len(steps))
	copy(frozen, steps)
	return Pipeline{name: name, description: strings.TrimSpace(description), steps: frozen}, nil
}

func (p Pipeline) Name() string        { return p.name }
func (p Pipeline) Description() string { return p.description }
func (p Pipeline) Len() int            { return len(p.steps) }

// Steps returns a copy of the ordered step list.
func (p Pipeline) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// StepInfo describes one step of a registered pipeline.
type StepInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PipelineInfo describes a registered pipeline.
type PipelineInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Steps       []StepInfo `json:"steps"`
}

func (p Pipeline) Info() PipelineInfo {
	info := PipelineInfo{Name: p.name, Description: p.description, Steps: make([]StepInfo, 0, len(p.steps))}
	for _, step := range p.steps {
		si := StepInfo{Name: step.Name()}
		if d, ok := step.(Describer); ok {
			si.Description = d.Description()
		}
		info.Steps = append(info.Steps, si)
	}
	return info
}

// RunContext is the state owned by one run and shared between its steps.
type RunContext struct {
	RunID        string
	ProjectID    string
	PipelineName string

	log    func(ctx context.Context, msg string) error
	mu     sync.Mutex
	values map[string]any
}

// NewRunContext builds the per-run context handed to each step. logf may be nil.
func NewRunContext(run Run, logf func(ctx context.Context, msg string) error) *RunContext {
	return &RunContext{
		RunID:        run.ID,
		ProjectID:    run.ProjectID,
		PipelineName: run.PipelineName,
		log:          logf,
		values:       map[string]any{},
	}
}

// Log appends msg to the run log.
func (rc *RunContext) Log(ctx context.Context, msg string) error {
	if rc == nil || rc.log == nil {
		return nil
	}
	return rc.log(ctx, msg)
}

func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.values[key] = value
}

func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.values[key]
	return v, ok
}
