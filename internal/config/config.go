// Package config loads the engine configuration from defaults, an optional
// YAML file and RUNENGINE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/runengine/internal/execution/runner"
	"github.com/animus-labs/runengine/internal/execution/scheduler"
	"github.com/animus-labs/runengine/internal/notify"
	"github.com/animus-labs/runengine/internal/platform/auth"
	"github.com/animus-labs/runengine/internal/platform/httpserver"
	"github.com/animus-labs/runengine/internal/platform/logging"
	"github.com/animus-labs/runengine/internal/platform/objectstore"
	"github.com/animus-labs/runengine/internal/platform/postgres"
	"github.com/animus-labs/runengine/internal/platform/telemetry"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	EnvPrefix   = "RUNENGINE"
	ServiceName = "runengine"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Log         logging.Config     `mapstructure:"log"`
	HTTP        httpserver.Config  `mapstructure:"http"`
	Engine      EngineConfig       `mapstructure:"engine"`
	Pipelines   PipelinesConfig    `mapstructure:"pipelines"`
	Store       StoreConfig        `mapstructure:"store"`
	Database    postgres.Config    `mapstructure:"database"`
	ObjectStore objectstore.Config `mapstructure:"objectstore"`
	Auth        auth.Config        `mapstructure:"auth"`
	MCP         MCPConfig          `mapstructure:"mcp"`
	Telemetry   telemetry.Config   `mapstructure:"telemetry"`
	Webhooks    []notify.Webhook   `mapstructure:"webhooks"`
}

type EngineConfig struct {
	Workers       int `mapstructure:"workers"`
	MaxQueueDepth int `mapstructure:"max_queue_depth"`
	// Zero disables a limit.
	SoftTimeLimit         time.Duration `mapstructure:"soft_time_limit"`
	HardTimeLimit         time.Duration `mapstructure:"hard_time_limit"`
	RequeueOnStart        bool          `mapstructure:"requeue_on_start"`
	SequentialProjectRuns bool          `mapstructure:"sequential_project_runs"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
}

func (e EngineConfig) Limits() runner.Limits {
	return runner.Limits{Soft: e.SoftTimeLimit, Hard: e.HardTimeLimit}
}

func (e EngineConfig) Scheduler() scheduler.Config {
	return scheduler.Config{Workers: e.Workers, MaxQueueDepth: e.MaxQueueDepth, RequeueOnStart: e.RequeueOnStart}
}

type PipelinesConfig struct {
	// Catalog is a YAML pipeline catalogue. Empty means built-in pipelines only.
	Catalog string `mapstructure:"catalog"`
	Builtin bool   `mapstructure:"builtin"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Default() Config {
	return Config{
		Log:  logging.DefaultConfig(),
		HTTP: httpserver.Config{Service: ServiceName, Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Engine: EngineConfig{
			Workers:         4,
			HardTimeLimit:   24 * time.Hour,
			ShutdownTimeout: 30 * time.Second,
		},
		Pipelines:   PipelinesConfig{Builtin: true},
		Store:       StoreConfig{Driver: StoreMemory},
		Database:    postgres.DefaultConfig(),
		ObjectStore: objectstore.DefaultConfig(),
		Auth:        auth.DefaultConfig(),
		MCP:         MCPConfig{Enabled: true},
		Telemetry:   telemetry.DefaultConfig(),
	}
}

// Load reads path when non-empty. Environment variables override the file,
// e.g. RUNENGINE_ENGINE_WORKERS=8.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.HTTP.Service = ServiceName
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.max_queue_depth", d.Engine.MaxQueueDepth)
	v.SetDefault("engine.soft_time_limit", d.Engine.SoftTimeLimit)
	v.SetDefault("engine.hard_time_limit", d.Engine.HardTimeLimit)
	v.SetDefault("engine.requeue_on_start", d.Engine.RequeueOnStart)
	v.SetDefault("engine.sequential_project_runs", d.Engine.SequentialProjectRuns)
	v.SetDefault("engine.shutdown_timeout", d.Engine.ShutdownTimeout)

	v.SetDefault("pipelines.catalog", d.Pipelines.Catalog)
	v.SetDefault("pipelines.builtin", d.Pipelines.Builtin)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.auto_migrate", d.Store.AutoMigrate)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.ping_timeout", d.Database.PingTimeout)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)

	v.SetDefault("objectstore.enabled", d.ObjectStore.Enabled)
	v.SetDefault("objectstore.endpoint", d.ObjectStore.Endpoint)
	v.SetDefault("objectstore.access_key", d.ObjectStore.AccessKey)
	v.SetDefault("objectstore.secret_key", d.ObjectStore.SecretKey)
	v.SetDefault("objectstore.region", d.ObjectStore.Region)
	v.SetDefault("objectstore.use_ssl", d.ObjectStore.UseSSL)
	v.SetDefault("objectstore.bucket_logs", d.ObjectStore.BucketLogs)

	v.SetDefault("auth.mode", string(d.Auth.Mode))
	v.SetDefault("auth.roles_claim", d.Auth.RolesClaim)
	v.SetDefault("auth.email_claim", d.Auth.EmailClaim)
	v.SetDefault("auth.oidc_issuer_url", d.Auth.OIDCIssuerURL)
	v.SetDefault("auth.oidc_client_id", d.Auth.OIDCClientID)
	v.SetDefault("auth.dev_subject", d.Auth.DevSubject)
	v.SetDefault("auth.dev_email", d.Auth.DevEmail)
	v.SetDefault("auth.dev_roles", d.Auth.DevRoles)

	v.SetDefault("mcp.enabled", d.MCP.Enabled)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.path", d.Telemetry.Path)
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must be >= 0"))
	}
	if err := c.Engine.Scheduler().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := c.Engine.Limits().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if c.Engine.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("engine.shutdown_timeout must be > 0"))
	}
	if !c.Pipelines.Builtin && strings.TrimSpace(c.Pipelines.Catalog) == "" {
		errs = append(errs, errors.New("pipelines: a catalog is required when builtin pipelines are disabled"))
	}
	switch c.Store.Driver {
	case StoreMemory:
		if c.Engine.RequeueOnStart {
			errs = append(errs, errors.New("engine.requeue_on_start requires a durable store"))
		}
	case StorePostgres:
		if err := c.Database.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store.Driver))
	}
	if c.ObjectStore.Enabled {
		if err := c.ObjectStore.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, hook := range c.Webhooks {
		if err := hook.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("webhooks[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
