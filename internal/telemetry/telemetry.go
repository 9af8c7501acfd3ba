// Package telemetry provides OpenTelemetry metrics for the fabric
// server, exported over OTLP HTTP.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "fabric-server"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultMetricsInterval is the default interval for metric collection
	DefaultMetricsInterval = 60 * time.Second
)

// Config represents the telemetry configuration
type Config struct {
	// Enabled controls whether metrics are exported; when false a no-op
	// meter provider is used
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service; defaults to "fabric-server"
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion identifies the running version
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP collector endpoint, "host:port"
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows HTTP connections instead of HTTPS; development only
	Insecure bool `yaml:"insecure,omitempty"`
}

// GetServiceName returns the service name, using the default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetEndpoint returns the OTLP endpoint, using the default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// Telemetry owns the meter provider lifecycle
type Telemetry struct {
	meterProvider metric.MeterProvider
}

// New creates a Telemetry instance from the configuration. A nil or
// disabled configuration yields no-op providers. The caller is
// responsible for calling Shutdown when the application exits.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if cfg == nil || !cfg.Enabled {
		slog.Debug("Metrics disabled, using no-op meter provider")
		return &Telemetry{meterProvider: noop.NewMeterProvider()}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.GetServiceName()),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.GetEndpoint()),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
		slog.Warn("Metrics configured with insecure connection; use only in development")
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(DefaultMetricsInterval),
			),
		),
	)
	otel.SetMeterProvider(mp)

	slog.Info("Metrics initialized", "endpoint", cfg.GetEndpoint(), "insecure", cfg.Insecure)
	return &Telemetry{meterProvider: mp}, nil
}

// MeterProvider returns the configured meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown flushes pending metrics. Safe to call multiple times.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := mp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}
	return nil
}
