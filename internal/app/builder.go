package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"

	"github.com/datafabrix/fabric/internal/api"
	"github.com/datafabrix/fabric/internal/config"
	"github.com/datafabrix/fabric/internal/discovery"
	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/federation"
	"github.com/datafabrix/fabric/internal/health"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
	"github.com/datafabrix/fabric/internal/service"
	"github.com/datafabrix/fabric/internal/store"
	"github.com/datafabrix/fabric/internal/telemetry"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 60 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// FabricAppOption is a function that configures the fabric app builder
type FabricAppOption func(*fabricAppConfig) error

// fabricAppConfig holds the builder state. It supports dependency
// injection for testing while providing production defaults.
type fabricAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	store   store.Store
	drivers *driver.Factory

	// HTTP server options
	address     string
	middlewares []func(http.Handler) http.Handler

	// Telemetry
	meterProvider metric.MeterProvider
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) FabricAppOption {
	return func(cfg *fabricAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress overrides the HTTP listen address from the configuration
func WithAddress(addr string) FabricAppOption {
	return func(cfg *fabricAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}
		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) FabricAppOption {
	return func(cfg *fabricAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithStore allows injecting a custom storage backend (for testing)
func WithStore(s store.Store) FabricAppOption {
	return func(cfg *fabricAppConfig) error {
		cfg.store = s
		return nil
	}
}

// WithDriverFactory allows injecting a custom driver factory (for testing)
func WithDriverFactory(f *driver.Factory) FabricAppOption {
	return func(cfg *fabricAppConfig) error {
		cfg.drivers = f
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for metrics
func WithMeterProvider(mp metric.MeterProvider) FabricAppOption {
	return func(cfg *fabricAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// NewFabricApp builds the full fabric server: storage, registry,
// drivers, pools, health monitor, introspector, scanner, federation
// router, and the HTTP API on top.
func NewFabricApp(ctx context.Context, opts ...FabricAppOption) (*FabricApp, error) {
	b := &fabricAppConfig{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	cfg := b.config

	// Storage is the single decision point for file vs postgres
	if b.store == nil {
		var err error
		b.store, err = store.NewStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
	}

	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			b.store.Close()
		}
	}()

	catalog := registry.New(b.store)
	if err := catalog.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	if b.drivers == nil {
		b.drivers = driver.NewFactory()
	}

	poolCfg := pool.Config{
		MinSize:            cfg.Pool.GetMinSize(),
		MaxSize:            cfg.Pool.GetMaxSize(),
		QueueWaitThreshold: cfg.Pool.GetQueueWaitThreshold(),
		IdleInterval:       cfg.Pool.GetIdleInterval(),
	}
	if b.meterProvider != nil {
		poolMetrics, err := telemetry.NewPoolMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool metrics: %w", err)
		}
		poolCfg.Metrics = poolMetrics
	}
	pools := pool.NewManager(catalog, b.drivers, poolCfg)

	healthCfg := health.Config{
		ProbeInterval: cfg.Health.GetProbeInterval(),
		ProbeTimeout:  cfg.Health.GetProbeTimeout(),
		Thresholds: health.Thresholds{
			WindowSize:      cfg.Health.GetWindowSize(),
			Healthy:         cfg.Health.GetHealthyThreshold(),
			DegradedLatency: cfg.Health.GetDegradedLatencyCount(),
			Recovery:        cfg.Health.GetRecoveryThreshold(),
			Unhealthy:       cfg.Health.GetUnhealthyThreshold(),
			SlowLatency:     cfg.Health.GetLatencyThreshold(),
		},
	}
	if b.meterProvider != nil {
		healthMetrics, err := telemetry.NewHealthMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create health metrics: %w", err)
		}
		healthCfg.Metrics = healthMetrics
	}
	monitor := health.NewMonitor(catalog, pools, healthCfg)

	introspector := introspect.New(pools, b.store, introspect.Config{
		TTL:         cfg.Introspection.GetTTL(),
		SampleLimit: cfg.Introspection.GetSampleLimit(),
	})
	if err := introspector.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load schema snapshots: %w", err)
	}

	scanner := discovery.NewScanner(b.drivers, discovery.Config{
		Parallelism:  cfg.Discovery.GetParallelism(),
		ProbeTimeout: cfg.Discovery.GetProbeTimeout(),
		BackoffCap:   cfg.Discovery.GetBackoffCap(),
	})

	federationCfg := federation.Config{
		DefaultDeadline: cfg.Federation.GetDefaultDeadline(),
		SubQueryTimeout: cfg.Federation.GetSubQueryTimeout(),
	}
	if b.meterProvider != nil {
		queryMetrics, err := telemetry.NewQueryMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create query metrics: %w", err)
		}
		federationCfg.Metrics = queryMetrics
	}
	router := federation.NewRouter(catalog, monitor, introspector, pools, federationCfg)

	svc := service.New(catalog, monitor, introspector, scanner, router, pools, b.store)

	if err := seedSources(ctx, cfg, catalog); err != nil {
		return nil, fmt.Errorf("failed to seed sources: %w", err)
	}

	httpServer, err := buildHTTPServer(b, svc)
	if err != nil {
		return nil, err
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	return &FabricApp{
		config:       cfg,
		store:        b.store,
		catalog:      catalog,
		pools:        pools,
		monitor:      monitor,
		introspector: introspector,
		service:      svc,
		httpServer:   httpServer,
		ctx:          appCtx,
		cancelFunc:   cancel,
	}, nil
}

// seedSources registers configured sources that are not already known,
// matching by name so restarts do not duplicate them.
func seedSources(ctx context.Context, cfg *config.Config, catalog *registry.Registry) error {
	if len(cfg.Sources) == 0 {
		return nil
	}

	known := make(map[string]bool)
	for _, d := range catalog.List(ctx, registry.Filter{}) {
		known[d.Name] = true
	}

	for _, seed := range cfg.Sources {
		if known[seed.Name] {
			continue
		}
		kind := registry.Kind(seed.Kind)
		d := registry.Descriptor{
			Name:           seed.Name,
			Kind:           kind,
			Address:        seed.Address,
			CredentialsRef: seed.CredentialsRef,
			TLSMode:        seed.TLSMode,
			Capabilities: registry.Capabilities{
				Queryable:      kind.CanQuery(),
				Streamable:     kind.CanStream(),
				Introspectable: true,
			},
		}
		registered, err := catalog.Register(ctx, d)
		if err != nil {
			return fmt.Errorf("seed source '%s': %w", seed.Name, err)
		}
		slog.Info("Seed source registered",
			"source_id", registered.ID, "name", registered.Name, "kind", registered.Kind)
	}
	return nil
}

// buildHTTPServer assembles the middleware chain and the router
func buildHTTPServer(b *fabricAppConfig, svc service.FabricService) (*http.Server, error) {
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(defaultRequestTimeout),
			api.LoggingMiddleware,
		}
	}

	if b.meterProvider != nil {
		httpMetrics, err := telemetry.NewHTTPMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
		}
		if httpMetrics != nil {
			// Prepend so every request is counted, including rejected ones
			b.middlewares = append(
				[]func(http.Handler) http.Handler{httpMetrics.Middleware},
				b.middlewares...)
			slog.Info("HTTP metrics middleware enabled")
		}
	}

	router := api.NewServer(svc, api.WithMiddlewares(b.middlewares...))

	address := b.address
	if address == "" {
		address = b.config.GetServerAddress()
	}

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	slog.Info("HTTP server configured", "address", address)
	return server, nil
}
