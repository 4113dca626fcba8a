package api

import (
	"log/slog"
	"net/http"

	"github.com/animus-labs/runengine/internal/platform/auth"
	"github.com/animus-labs/runengine/internal/platform/httpserver"
	"github.com/go-chi/chi/v5"
)

type RouterConfig struct {
	Service string
	Logger  *slog.Logger
	API     *API
	Auth    auth.Middleware
	Ready   []httpserver.ReadinessCheck
	// MCP is mounted under /mcp behind the same authentication when set.
	MCP http.Handler
	// Metrics is served unauthenticated at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
}

// NewRouter assembles the public handler. Health checks and the metrics
// scrape endpoint stay unauthenticated.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(httpserver.Recover(logger))
	r.Use(httpserver.RequestLog(logger))
	r.Use(httpserver.RequestID())

	r.Get("/healthz", httpserver.Healthz(cfg.Service))
	r.Get("/readyz", httpserver.ReadyzWithChecks(cfg.Service, cfg.Ready...))
	if cfg.Metrics != nil && cfg.MetricsPath != "" {
		r.Method(http.MethodGet, cfg.MetricsPath, cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Wrap)
		r.Route("/api/v1", cfg.API.Register)
		if cfg.MCP != nil {
			r.Mount("/mcp", cfg.MCP)
		}
	})
	return r
}
