package steps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"gopkg.in/yaml.v3"
)

const maxLoggedLine = 1024

type ExecConfig struct {
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
	// Timeout is the step's own deadline. The engine never interrupts a step.
	Timeout time.Duration `yaml:"timeout"`
}

func (c ExecConfig) Validate() error {
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return errors.New("exec step: command is required")
	}
	if c.Timeout < 0 {
		return errors.New("exec step: timeout must be >= 0")
	}
	return nil
}

// Exec runs an external command and streams its output lines to the run log.
func Exec(name, description string, cfg ExecConfig) (domain.Step, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return domain.StepFunc{
		StepName: name,
		Doc:      description,
		Fn: func(ctx context.Context, rc *domain.RunContext) error {
			return runCommand(ctx, rc, cfg)
		},
	}, nil
}

func newExec(name, description string, with *yaml.Node) (domain.Step, error) {
	var cfg ExecConfig
	if err := decode(with, &cfg); err != nil {
		return nil, err
	}
	return Exec(name, description, cfg)
}

func runCommand(ctx context.Context, rc *domain.RunContext, cfg ExecConfig) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cfg.Command[0], err)
	}

	var wg sync.WaitGroup
	var lastErrLine string
	var mu sync.Mutex
	forward := func(r io.Reader, keepLast bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if len(line) > maxLoggedLine {
				line = line[:maxLoggedLine]
			}
			if keepLast {
				mu.Lock()
				lastErrLine = line
				mu.Unlock()
			}
			_ = rc.Log(context.WithoutCancel(ctx), line)
		}
	}
	wg.Add(2)
	go forward(stdout, false)
	go forward(stderr, true)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", cfg.Command[0], ctx.Err())
		}
		mu.Lock()
		defer mu.Unlock()
		if lastErrLine != "" {
			return fmt.Errorf("%s: %v: %s", cfg.Command[0], err, lastErrLine)
		}
		return fmt.Errorf("%s: %w", cfg.Command[0], err)
	}
	return nil
}
