package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/runengine/internal/api"
	"github.com/animus-labs/runengine/internal/config"
	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/mcp"
	"github.com/animus-labs/runengine/internal/notify"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
	"github.com/animus-labs/runengine/internal/platform/auth"
	"github.com/animus-labs/runengine/internal/platform/httpserver"
	"github.com/animus-labs/runengine/internal/platform/objectstore"
	platformpg "github.com/animus-labs/runengine/internal/platform/postgres"
	"github.com/animus-labs/runengine/internal/service/archive"
	store "github.com/animus-labs/runengine/internal/storage/objectstore"
	"github.com/spf13/cobra"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the MCP endpoint and the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ready := []httpserver.ReadinessCheck{}
	if a.stores.db != nil {
		ready = append(ready, httpserver.ReadinessCheck{Name: "postgres", Check: platformpg.Ping(a.stores.db)})
	}

	var logArchive api.LogArchive
	if cfg.ObjectStore.Enabled {
		client, err := objectstore.Connect(ctx, cfg.ObjectStore)
		if err != nil {
			return err
		}
		bucket, err := store.NewMinioBucket(client, cfg.ObjectStore.BucketLogs)
		if err != nil {
			return configError(err)
		}
		archiver, err := archive.New(a.runs, bucket, logger)
		if err != nil {
			return err
		}
		a.runs.OnFinish(archiver)
		logArchive = archiver
		ready = append(ready, httpserver.ReadinessCheck{Name: "objectstore", Check: objectstore.Ready(client, cfg.ObjectStore.BucketLogs)})
	}

	notifier, err := notify.New(cfg.Webhooks, logger)
	if err != nil {
		return configError(err)
	}
	if notifier.Len() > 0 {
		a.runs.OnFinish(notifier)
	}

	authenticator, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		return configError(err)
	}
	if cfg.Auth.Mode != auth.ModeOIDC {
		logger.Warn("api authentication is not enforced", "auth_mode", cfg.Auth.Mode)
	}

	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		mcpHandler = mcp.NewServer(a.runs, a.sched).Handler("/mcp")
	}
	handler := api.NewRouter(api.RouterConfig{
		Service: config.ServiceName,
		Logger:  logger,
		API:     api.New(logger, a.runs, a.sched, logArchive),
		Auth: auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				_, err := a.stores.audit.Append(auditCtx, auditlog.AuthDeny(config.ServiceName, event))
				return err
			},
		},
		Ready:       ready,
		MCP:         mcpHandler,
		Metrics:     a.provider.Handler(),
		MetricsPath: cfg.Telemetry.Path,
	})

	// An invariant violation in the engine ends the process.
	serveCtx, cancelServe := context.WithCancelCause(ctx)
	defer cancelServe(nil)
	go func() {
		select {
		case err := <-a.sched.Failed():
			logger.Error("engine stopped on invariant violation", "error", err)
			cancelServe(err)
		case <-serveCtx.Done():
		}
	}()

	serveErr := httpserver.Run(serveCtx, logger, cfg.HTTP, handler)
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", serveErr)
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := a.sched.Shutdown(drainCtx); err != nil {
		logger.Error("scheduler shutdown incomplete", "error", err)
	}
	if err := notifier.Wait(drainCtx); err != nil {
		logger.Warn("webhook deliveries abandoned", "error", err)
	}
	logger.Info("runengine stopped")
	if cause := context.Cause(serveCtx); errors.Is(cause, domain.ErrInvalidTransition) {
		return cause
	}
	return serveErr
}
