// Package steps provides the built-in step kinds usable from a pipeline catalog.
package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/execution/registry"
	"gopkg.in/yaml.v3"
)

// Kinds returns the factories for noop, log, sleep, fail and exec steps.
func Kinds() registry.Kinds {
	return registry.Kinds{
		"noop":  newNoop,
		"log":   newLog,
		"sleep": newSleep,
		"fail":  newFail,
		"exec":  newExec,
	}
}

// Defaults is registered when no catalog file is configured.
func Defaults() ([]domain.Pipeline, error) {
	smoke, err := domain.NewPipeline("smoke", "Exercises the engine without touching any project data",
		Noop("prepare", "Nothing to prepare"),
		Sleep("wait", "Simulates a short unit of work", time.Second),
		Log("report", "Writes a summary line", "smoke pipeline finished"),
	)
	if err != nil {
		return nil, err
	}
	return []domain.Pipeline{smoke}, nil
}

func Noop(name, description string) domain.Step {
	return domain.StepFunc{StepName: name, Doc: description}
}

func Log(name, description, message string) domain.Step {
	return domain.StepFunc{
		StepName: name,
		Doc:      description,
		Fn: func(ctx context.Context, rc *domain.RunContext) error {
			return rc.Log(ctx, message)
		},
	}
}

// Sleep waits for d, returning early with an error when ctx ends.
func Sleep(name, description string, d time.Duration) domain.Step {
	return domain.StepFunc{
		StepName: name,
		Doc:      description,
		Fn: func(ctx context.Context, rc *domain.RunContext) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("sleep interrupted: %w", ctx.Err())
			}
		},
	}
}

func Fail(name, description, message string) domain.Step {
	if strings.TrimSpace(message) == "" {
		message = "step failed"
	}
	return domain.StepFunc{
		StepName: name,
		Doc:      description,
		Fn: func(ctx context.Context, rc *domain.RunContext) error {
			return errors.New(message)
		},
	}
}

func newNoop(name, description string, with *yaml.Node) (domain.Step, error) {
	return Noop(name, description), nil
}

func newLog(name, description string, with *yaml.Node) (domain.Step, error) {
	var cfg struct {
		Message string `yaml:"message"`
	}
	if err := decode(with, &cfg); err != nil {
		return nil, err
	}
	if _, err := domain.NormalizeLogMessage(cfg.Message); err != nil {
		return nil, fmt.Errorf("log step: %w", err)
	}
	return Log(name, description, cfg.Message), nil
}

func newSleep(name, description string, with *yaml.Node) (domain.Step, error) {
	var cfg struct {
		Duration time.Duration `yaml:"duration"`
	}
	if err := decode(with, &cfg); err != nil {
		return nil, err
	}
	if cfg.Duration <= 0 {
		return nil, errors.New("sleep step: duration must be positive")
	}
	return Sleep(name, description, cfg.Duration), nil
}

func newFail(name, description string, with *yaml.Node) (domain.Step, error) {
	var cfg struct {
		Message string `yaml:"message"`
	}
	if err := decode(with, &cfg); err != nil {
		return nil, err
	}
	return Fail(name, description, cfg.Message), nil
}

func decode(with *yaml.Node, out any) error {
	if with == nil {
		return nil
	}
	if err := with.Decode(out); err != nil {
		return fmt.Errorf("decode step options: %w", err)
	}
	return nil
}
