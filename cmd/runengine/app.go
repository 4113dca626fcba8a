package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/animus-labs/runengine/internal/config"
	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/execution/registry"
	"github.com/animus-labs/runengine/internal/execution/runner"
	"github.com/animus-labs/runengine/internal/execution/scheduler"
	"github.com/animus-labs/runengine/internal/platform/logging"
	platformpg "github.com/animus-labs/runengine/internal/platform/postgres"
	"github.com/animus-labs/runengine/internal/platform/telemetry"
	"github.com/animus-labs/runengine/internal/repo"
	"github.com/animus-labs/runengine/internal/repo/memory"
	"github.com/animus-labs/runengine/internal/repo/postgres"
	"github.com/animus-labs/runengine/internal/service/runs"
	"github.com/animus-labs/runengine/internal/steps"
)

type stores struct {
	runs  repo.RunRepository
	logs  repo.LogRepository
	audit repo.AuditAppender
	db    *sql.DB
}

func (s stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// app is the engine core shared by every command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	stores   stores
	registry *registry.Registry
	runs     *runs.Service
	runner   *runner.Runner
	sched    *scheduler.Scheduler
	metrics  *telemetry.Metrics
	provider *telemetry.Provider
}

func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, configError(err)
	}
	logger, err := logging.New(os.Stderr, cfg.Log)
	if err != nil {
		return config.Config{}, nil, configError(err)
	}
	return cfg, logger.With("service", config.ServiceName), nil
}

func loadPipelines(cfg config.PipelinesConfig) (*registry.Registry, error) {
	var pipelines []domain.Pipeline
	if cfg.Builtin {
		builtin, err := steps.Defaults()
		if err != nil {
			return nil, fmt.Errorf("builtin pipelines: %w", err)
		}
		pipelines = append(pipelines, builtin...)
	}
	if cfg.Catalog != "" {
		loaded, err := registry.LoadCatalogFile(cfg.Catalog, steps.Kinds())
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, loaded...)
	}
	return registry.New(pipelines...)
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := platformpg.Open(ctx, cfg.Database)
		if err != nil {
			return stores{}, err
		}
		if cfg.Store.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				_ = db.Close()
				return stores{}, err
			}
			logger.Info("schema migrated")
		}
		return stores{
			runs:  postgres.NewRunStore(db),
			logs:  postgres.NewLogStore(db),
			audit: postgres.NewAuditStore(db),
			db:    db,
		}, nil
	case config.StoreMemory:
		logger.Warn("using in-memory store, runs are lost on exit")
		mem := memory.NewStore()
		return stores{runs: mem, logs: mem, audit: mem}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	reg, err := loadPipelines(cfg.Pipelines)
	if err != nil {
		return nil, configError(err)
	}
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	provider, err := telemetry.NewProvider(cfg.Telemetry)
	if err != nil {
		st.Close()
		return nil, err
	}
	metrics, err := telemetry.New(provider.Meter())
	if err != nil {
		st.Close()
		return nil, err
	}

	svc := runs.New(st.runs, st.logs, st.audit, reg, logger, runs.Options{SequentialProjectRuns: cfg.Engine.SequentialProjectRuns})
	if svc == nil {
		st.Close()
		return nil, errors.New("run service not initialized")
	}
	exec, err := runner.New(svc, reg, cfg.Engine.Limits(), metrics, logger)
	if err != nil {
		st.Close()
		return nil, configError(err)
	}
	sched, err := scheduler.New(cfg.Engine.Scheduler(), svc, exec, metrics, logger)
	if err != nil {
		st.Close()
		return nil, configError(err)
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		stores:   st,
		registry: reg,
		runs:     svc,
		runner:   exec,
		sched:    sched,
		metrics:  metrics,
		provider: provider,
	}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.provider.Shutdown(ctx); err != nil {
		a.logger.Warn("metrics shutdown failed", "error", err)
	}
	a.stores.Close()
}
