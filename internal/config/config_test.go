package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/runengine/internal/notify"
	"github.com/animus-labs/runengine/internal/platform/auth"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runengine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Workers != 4 || cfg.Engine.HardTimeLimit != 24*time.Hour || cfg.Engine.SoftTimeLimit != 0 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Store.Driver != StoreMemory {
		t.Fatalf("driver=%q", cfg.Store.Driver)
	}
	if cfg.HTTP.Service != ServiceName || cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected http config: %+v", cfg.HTTP)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Path != "/metrics" {
		t.Fatalf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if cfg.Auth.Mode != auth.ModeDev {
		t.Fatalf("auth mode=%q", cfg.Auth.Mode)
	}
	if !cfg.Pipelines.Builtin {
		t.Fatalf("builtin pipelines should be on by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: text
engine:
  workers: 2
  max_queue_depth: 50
  soft_time_limit: 30m
  hard_time_limit: 1h
  sequential_project_runs: true
  requeue_on_start: true
store:
  driver: Postgres
database:
  url: postgres://u:p@db:5432/runs?sslmode=disable
webhooks:
  - url: https://hooks.example.com/runs
    secret: abc
    timeout: 5s
    oauth2:
      token_url: https://idp.example.com/token
      client_id: engine
      client_secret: shh
      scopes: [runs.notify]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Workers != 2 || cfg.Engine.MaxQueueDepth != 50 {
		t.Fatalf("unexpected engine: %+v", cfg.Engine)
	}
	if cfg.Engine.SoftTimeLimit != 30*time.Minute || cfg.Engine.HardTimeLimit != time.Hour {
		t.Fatalf("unexpected limits: %+v", cfg.Engine.Limits())
	}
	if !cfg.Engine.SequentialProjectRuns || !cfg.Engine.Scheduler().RequeueOnStart {
		t.Fatalf("flags not decoded: %+v", cfg.Engine)
	}
	if cfg.Store.Driver != StorePostgres {
		t.Fatalf("driver=%q", cfg.Store.Driver)
	}
	if len(cfg.Webhooks) != 1 {
		t.Fatalf("expected one webhook, got %d", len(cfg.Webhooks))
	}
	hook := cfg.Webhooks[0]
	if hook.Timeout != 5*time.Second || hook.OAuth2.ClientID != "engine" || len(hook.OAuth2.Scopes) != 1 {
		t.Fatalf("unexpected webhook: %+v", hook)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "engine:\n  workers: 2\n")
	t.Setenv("RUNENGINE_ENGINE_WORKERS", "9")
	t.Setenv("RUNENGINE_AUTH_DEV_ROLES", "viewer,operator")
	t.Setenv("RUNENGINE_ENGINE_SOFT_TIME_LIMIT", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Workers != 9 {
		t.Fatalf("workers=%d, want 9", cfg.Engine.Workers)
	}
	if cfg.Engine.SoftTimeLimit != 90*time.Second {
		t.Fatalf("soft=%s", cfg.Engine.SoftTimeLimit)
	}
	if strings.Join(cfg.Auth.DevRoles, ",") != "viewer,operator" {
		t.Fatalf("dev roles=%v", cfg.Auth.DevRoles)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"hard not above soft", func(c *Config) { c.Engine.SoftTimeLimit = time.Hour; c.Engine.HardTimeLimit = time.Hour }, "hard"},
		{"no workers", func(c *Config) { c.Engine.Workers = 0 }, "workers"},
		{"negative depth", func(c *Config) { c.Engine.MaxQueueDepth = -1 }, "queue depth"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, "store.driver"},
		{"requeue on memory", func(c *Config) { c.Engine.RequeueOnStart = true }, "durable"},
		{"postgres without url", func(c *Config) { c.Store.Driver = StorePostgres; c.Database.URL = "" }, "database.url"},
		{"objectstore incomplete", func(c *Config) { c.ObjectStore.Enabled = true; c.ObjectStore.Endpoint = "" }, "endpoint"},
		{"oidc without issuer", func(c *Config) { c.Auth.Mode = auth.ModeOIDC }, "oidc_issuer_url"},
		{"no pipelines", func(c *Config) { c.Pipelines.Builtin = false }, "catalog"},
		{"bad webhook", func(c *Config) { c.Webhooks = []notify.Webhook{{URL: "nope"}} }, "webhooks[0]"},
		{"relative metrics path", func(c *Config) { c.Telemetry.Path = "metrics" }, "telemetry.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%q, want it to mention %q", err, tc.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
