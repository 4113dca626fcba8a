package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config controls the Prometheus scrape endpoint.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, Path: "/metrics"}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("telemetry.path must start with /, got %q", c.Path)
	}
	return nil
}

// Provider owns the SDK meter provider and its Prometheus reader. A disabled
// Provider hands out a no-op meter and has no handler.
type Provider struct {
	mp      *sdkmetric.MeterProvider
	handler http.Handler
}

// NewProvider builds the SDK pipeline and installs it as the global meter provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	return newProvider(exporter, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})), nil
}

func newProvider(reader sdkmetric.Reader, handler http.Handler) *Provider {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp, handler: handler}
}

func (p *Provider) Meter() metric.Meter {
	if p == nil || p.mp == nil {
		return noop.NewMeterProvider().Meter(meterName)
	}
	return p.mp.Meter(meterName)
}

// Handler serves the scrape endpoint, or nil when disabled.
func (p *Provider) Handler() http.Handler {
	if p == nil {
		return nil
	}
	return p.handler
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	return nil
}
