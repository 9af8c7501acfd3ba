// Package config provides configuration loading and management for the fabric server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// StorageTypeFile stores registry entries and schema snapshots on the local filesystem
	StorageTypeFile = "file"

	// StorageTypePostgres stores registry entries and schema snapshots in PostgreSQL
	StorageTypePostgres = "postgres"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Server configures the HTTP API listener
	Server ServerConfig `yaml:"server,omitempty"`

	// Storage selects the durable backend for registry entries and snapshots
	Storage StorageConfig `yaml:"storage,omitempty"`

	// Database holds PostgreSQL settings; required when storage.type is postgres
	Database *DatabaseConfig `yaml:"database,omitempty"`

	// Pool holds connection pool defaults applied to every source
	Pool PoolConfig `yaml:"pool,omitempty"`

	// Health holds health monitor settings
	Health HealthConfig `yaml:"health,omitempty"`

	// Discovery holds discovery engine settings
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`

	// Introspection holds schema introspector settings
	Introspection IntrospectionConfig `yaml:"introspection,omitempty"`

	// Federation holds federated query router settings
	Federation FederationConfig `yaml:"federation,omitempty"`

	// Telemetry holds OpenTelemetry export settings
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// Sources is an optional list of sources registered at startup
	Sources []SeedSourceConfig `yaml:"sources,omitempty"`
}

// TelemetryConfig defines OpenTelemetry export settings
type TelemetryConfig struct {
	// Enabled turns on OTLP metric export
	Enabled bool `yaml:"enabled,omitempty"`

	// ServiceName identifies this service to the collector
	ServiceName string `yaml:"serviceName,omitempty"`

	// Endpoint is the OTLP collector endpoint, "host:port"
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows plain HTTP export; development only
	Insecure bool `yaml:"insecure,omitempty"`
}

// ServerConfig defines HTTP listener settings
type ServerConfig struct {
	// Address is the host:port the API listens on
	Address string `yaml:"address,omitempty"`

	// ShutdownTimeout bounds graceful shutdown (e.g. "10s")
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
}

// StorageConfig selects the durable storage backend
type StorageConfig struct {
	// Type is "file" or "postgres"
	Type string `yaml:"type,omitempty"`

	// DataDir is the directory for file storage
	DataDir string `yaml:"dataDir,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of open connections to the database
	MaxConns int32 `yaml:"maxConns,omitempty"`
}

// PoolConfig defines connection pool defaults
type PoolConfig struct {
	// MinSize is the number of connections a pool keeps open at minimum
	MinSize int `yaml:"minSize,omitempty"`

	// MaxSize is the hard upper bound on connections per pool
	MaxSize int `yaml:"maxSize,omitempty"`

	// AcquireTimeout bounds how long an acquire waits before failing (e.g. "5s")
	AcquireTimeout string `yaml:"acquireTimeout,omitempty"`

	// QueueWaitThreshold is the wait duration above which an acquire counts
	// as a sustained queueing event and grows the pool by one
	QueueWaitThreshold string `yaml:"queueWaitThreshold,omitempty"`

	// IdleInterval is how long a connection may sit idle before the pool
	// shrinks by one, never below MinSize
	IdleInterval string `yaml:"idleInterval,omitempty"`
}

// HealthConfig defines health monitor settings
type HealthConfig struct {
	// ProbeInterval is the per-source probe period (e.g. "30s")
	ProbeInterval string `yaml:"probeInterval,omitempty"`

	// ProbeTimeout bounds a single probe, distinct from workload timeouts
	ProbeTimeout string `yaml:"probeTimeout,omitempty"`

	// WindowSize is the rolling probe window size per source
	WindowSize int `yaml:"windowSize,omitempty"`

	// HealthyThreshold is consecutive successes required for unknown -> healthy
	HealthyThreshold int `yaml:"healthyThreshold,omitempty"`

	// DegradedLatencyCount is consecutive slow probes for healthy -> degraded
	DegradedLatencyCount int `yaml:"degradedLatencyCount,omitempty"`

	// RecoveryThreshold is consecutive nominal successes for degraded -> healthy
	RecoveryThreshold int `yaml:"recoveryThreshold,omitempty"`

	// UnhealthyThreshold is consecutive failures for degraded -> unhealthy
	UnhealthyThreshold int `yaml:"unhealthyThreshold,omitempty"`

	// LatencyThreshold is the probe latency above which a probe counts as slow
	LatencyThreshold string `yaml:"latencyThreshold,omitempty"`
}

// DiscoveryConfig defines discovery engine settings
type DiscoveryConfig struct {
	// Parallelism is the scan worker pool size
	Parallelism int `yaml:"parallelism,omitempty"`

	// ProbeTimeout bounds a single capability probe (e.g. "3s")
	ProbeTimeout string `yaml:"probeTimeout,omitempty"`

	// BackoffCap caps the per-endpoint retry backoff (e.g. "1h")
	BackoffCap string `yaml:"backoffCap,omitempty"`
}

// IntrospectionConfig defines schema introspector settings
type IntrospectionConfig struct {
	// TTL is the snapshot cache time-to-live (e.g. "1h")
	TTL string `yaml:"ttl,omitempty"`

	// SampleLimit caps how many entities a single refresh lists
	SampleLimit int `yaml:"sampleLimit,omitempty"`
}

// FederationConfig defines federated query router settings
type FederationConfig struct {
	// DefaultDeadline bounds a federated query when the caller supplies none
	DefaultDeadline string `yaml:"defaultDeadline,omitempty"`

	// SubQueryTimeout bounds each per-source sub-query
	SubQueryTimeout string `yaml:"subQueryTimeout,omitempty"`
}

// SeedSourceConfig describes a source registered from configuration at startup
type SeedSourceConfig struct {
	// Name is a human-readable identifier for the source
	Name string `yaml:"name"`

	// Kind is one of relational, object-store, file-system, message-stream, http-api
	Kind string `yaml:"kind"`

	// Address is the endpoint of the source
	Address string `yaml:"address"`

	// CredentialsRef names an external credential, never the secret
	// itself. Required; the registry rejects descriptors without one.
	CredentialsRef string `yaml:"credentialsRef,omitempty"`

	// TLSMode is the TLS policy for connections (disable, require, verify)
	TLSMode string `yaml:"tlsMode,omitempty"`
}

// Defaults applied when the configuration omits a value
const (
	DefaultServerAddress      = ":8080"
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultPoolMinSize        = 2
	DefaultPoolMaxSize        = 10
	DefaultAcquireTimeout     = 5 * time.Second
	DefaultQueueWaitThreshold = 200 * time.Millisecond
	DefaultIdleInterval       = time.Minute
	DefaultProbeInterval      = 30 * time.Second
	DefaultProbeTimeout       = 2 * time.Second
	DefaultWindowSize         = 10
	DefaultHealthyThreshold   = 3
	DefaultDegradedLatency    = 3
	DefaultRecoveryThreshold  = 3
	DefaultUnhealthyThreshold = 5
	DefaultLatencyThreshold   = 500 * time.Millisecond
	DefaultScanParallelism    = 16
	DefaultScanProbeTimeout   = 3 * time.Second
	DefaultScanBackoffCap     = time.Hour
	DefaultSnapshotTTL        = time.Hour
	DefaultSampleLimit        = 1000
	DefaultQueryDeadline      = 30 * time.Second
	DefaultSubQueryTimeout    = 10 * time.Second
)

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from FABRIC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		password := strings.TrimSpace(string(data))
		return password, nil
	}

	if envPassword := os.Getenv("FABRIC_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or FABRIC_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetStorageType returns the storage type, defaulting to file storage
func (c *Config) GetStorageType() string {
	if c.Storage.Type == "" {
		return StorageTypeFile
	}
	return c.Storage.Type
}

// GetServerAddress returns the HTTP listen address, applying the default
func (c *Config) GetServerAddress() string {
	if c.Server.Address == "" {
		return DefaultServerAddress
	}
	return c.Server.Address
}

// GetShutdownTimeout returns the graceful shutdown timeout
func (c *Config) GetShutdownTimeout() time.Duration {
	return durationOrDefault(c.Server.ShutdownTimeout, DefaultShutdownTimeout)
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	switch c.GetStorageType() {
	case StorageTypeFile, StorageTypePostgres:
	default:
		return fmt.Errorf("storage.type must be %q or %q, got %q",
			StorageTypeFile, StorageTypePostgres, c.Storage.Type)
	}

	if c.GetStorageType() == StorageTypePostgres && c.Database == nil {
		return fmt.Errorf("database configuration is required when storage.type is postgres")
	}

	if err := c.validatePool(); err != nil {
		return err
	}

	if err := validateDurations(map[string]string{
		"pool.acquireTimeout":         c.Pool.AcquireTimeout,
		"pool.queueWaitThreshold":     c.Pool.QueueWaitThreshold,
		"pool.idleInterval":           c.Pool.IdleInterval,
		"health.probeInterval":        c.Health.ProbeInterval,
		"health.probeTimeout":         c.Health.ProbeTimeout,
		"health.latencyThreshold":     c.Health.LatencyThreshold,
		"discovery.probeTimeout":      c.Discovery.ProbeTimeout,
		"discovery.backoffCap":        c.Discovery.BackoffCap,
		"introspection.ttl":           c.Introspection.TTL,
		"federation.defaultDeadline":  c.Federation.DefaultDeadline,
		"federation.subQueryTimeout":  c.Federation.SubQueryTimeout,
		"server.shutdownTimeout":      c.Server.ShutdownTimeout,
	}); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, src := range c.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if src.Name == "" {
			return fmt.Errorf("%s: name is required", prefix)
		}
		if seen[src.Name] {
			return fmt.Errorf("%s: duplicate source name '%s'", prefix, src.Name)
		}
		seen[src.Name] = true
		if src.Kind == "" {
			return fmt.Errorf("%s (%s): kind is required", prefix, src.Name)
		}
		if src.Address == "" {
			return fmt.Errorf("%s (%s): address is required", prefix, src.Name)
		}
		if src.CredentialsRef == "" {
			return fmt.Errorf("%s (%s): credentialsRef is required", prefix, src.Name)
		}
	}

	return nil
}

func (c *Config) validatePool() error {
	minSize := c.Pool.MinSize
	maxSize := c.Pool.MaxSize
	if minSize < 0 {
		return fmt.Errorf("pool.minSize must not be negative")
	}
	if maxSize != 0 && minSize > maxSize {
		return fmt.Errorf("pool.minSize (%d) must not exceed pool.maxSize (%d)", minSize, maxSize)
	}
	return nil
}

func validateDurations(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g., '30s', '1h'): %w", name, err)
		}
	}
	return nil
}

func durationOrDefault(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// GetAcquireTimeout returns the pool acquire timeout
func (p *PoolConfig) GetAcquireTimeout() time.Duration {
	return durationOrDefault(p.AcquireTimeout, DefaultAcquireTimeout)
}

// GetQueueWaitThreshold returns the queueing-event threshold
func (p *PoolConfig) GetQueueWaitThreshold() time.Duration {
	return durationOrDefault(p.QueueWaitThreshold, DefaultQueueWaitThreshold)
}

// GetIdleInterval returns the pool shrink interval
func (p *PoolConfig) GetIdleInterval() time.Duration {
	return durationOrDefault(p.IdleInterval, DefaultIdleInterval)
}

// GetMinSize returns the pool minimum size
func (p *PoolConfig) GetMinSize() int {
	if p.MinSize == 0 {
		return DefaultPoolMinSize
	}
	return p.MinSize
}

// GetMaxSize returns the pool maximum size
func (p *PoolConfig) GetMaxSize() int {
	if p.MaxSize == 0 {
		return DefaultPoolMaxSize
	}
	return p.MaxSize
}

// GetProbeInterval returns the health probe period
func (h *HealthConfig) GetProbeInterval() time.Duration {
	return durationOrDefault(h.ProbeInterval, DefaultProbeInterval)
}

// GetProbeTimeout returns the per-probe timeout
func (h *HealthConfig) GetProbeTimeout() time.Duration {
	return durationOrDefault(h.ProbeTimeout, DefaultProbeTimeout)
}

// GetLatencyThreshold returns the slow-probe latency threshold
func (h *HealthConfig) GetLatencyThreshold() time.Duration {
	return durationOrDefault(h.LatencyThreshold, DefaultLatencyThreshold)
}

// GetWindowSize returns the rolling probe window size
func (h *HealthConfig) GetWindowSize() int {
	if h.WindowSize == 0 {
		return DefaultWindowSize
	}
	return h.WindowSize
}

// GetHealthyThreshold returns consecutive successes for unknown -> healthy
func (h *HealthConfig) GetHealthyThreshold() int {
	if h.HealthyThreshold == 0 {
		return DefaultHealthyThreshold
	}
	return h.HealthyThreshold
}

// GetDegradedLatencyCount returns consecutive slow probes for healthy -> degraded
func (h *HealthConfig) GetDegradedLatencyCount() int {
	if h.DegradedLatencyCount == 0 {
		return DefaultDegradedLatency
	}
	return h.DegradedLatencyCount
}

// GetRecoveryThreshold returns consecutive successes for degraded -> healthy
func (h *HealthConfig) GetRecoveryThreshold() int {
	if h.RecoveryThreshold == 0 {
		return DefaultRecoveryThreshold
	}
	return h.RecoveryThreshold
}

// GetUnhealthyThreshold returns consecutive failures for degraded -> unhealthy
func (h *HealthConfig) GetUnhealthyThreshold() int {
	if h.UnhealthyThreshold == 0 {
		return DefaultUnhealthyThreshold
	}
	return h.UnhealthyThreshold
}

// GetParallelism returns the scan worker pool size
func (d *DiscoveryConfig) GetParallelism() int {
	if d.Parallelism == 0 {
		return DefaultScanParallelism
	}
	return d.Parallelism
}

// GetProbeTimeout returns the per-probe timeout for discovery scans
func (d *DiscoveryConfig) GetProbeTimeout() time.Duration {
	return durationOrDefault(d.ProbeTimeout, DefaultScanProbeTimeout)
}

// GetBackoffCap returns the discovery rate-limit backoff cap
func (d *DiscoveryConfig) GetBackoffCap() time.Duration {
	return durationOrDefault(d.BackoffCap, DefaultScanBackoffCap)
}

// GetTTL returns the snapshot cache time-to-live
func (i *IntrospectionConfig) GetTTL() time.Duration {
	return durationOrDefault(i.TTL, DefaultSnapshotTTL)
}

// GetSampleLimit returns the per-refresh entity listing cap
func (i *IntrospectionConfig) GetSampleLimit() int {
	if i.SampleLimit == 0 {
		return DefaultSampleLimit
	}
	return i.SampleLimit
}

// GetDefaultDeadline returns the overall federated query deadline
func (f *FederationConfig) GetDefaultDeadline() time.Duration {
	return durationOrDefault(f.DefaultDeadline, DefaultQueryDeadline)
}

// GetSubQueryTimeout returns the per-source sub-query timeout
func (f *FederationConfig) GetSubQueryTimeout() time.Duration {
	return durationOrDefault(f.SubQueryTimeout, DefaultSubQueryTimeout)
}
