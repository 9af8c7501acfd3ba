package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// HealthMetricsMeterName is the name used for the health probe meter
	HealthMetricsMeterName = "github.com/datafabrix/fabric/health"

	// PoolMetricsMeterName is the name used for the connection pool meter
	PoolMetricsMeterName = "github.com/datafabrix/fabric/pool"

	// QueryMetricsMeterName is the name used for the federation meter
	QueryMetricsMeterName = "github.com/datafabrix/fabric/federation"
)

// HealthMetrics holds the instruments for health probe metrics
type HealthMetrics struct {
	probesTotal  metric.Int64Counter
	probeLatency metric.Float64Histogram
}

// NewHealthMetrics creates a HealthMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewHealthMetrics(provider metric.MeterProvider) (*HealthMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(HealthMetricsMeterName)

	probesTotal, err := meter.Int64Counter(
		"fabric_health_probes_total",
		metric.WithDescription("Total number of health probes by outcome"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return nil, err
	}

	probeLatency, err := meter.Float64Histogram(
		"fabric_health_probe_latency_seconds",
		metric.WithDescription("Latency of health probes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	return &HealthMetrics{
		probesTotal:  probesTotal,
		probeLatency: probeLatency,
	}, nil
}

// RecordProbe records one probe outcome and its latency
func (m *HealthMetrics) RecordProbe(ctx context.Context, sourceID, outcome string, latency time.Duration) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source_id", sourceID),
		attribute.String("outcome", outcome),
	}

	m.probesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.probeLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// PoolMetrics holds the instruments for connection pool metrics
type PoolMetrics struct {
	acquireWait  metric.Float64Histogram
	exhaustions  metric.Int64Counter
	leasedActive metric.Int64UpDownCounter
}

// NewPoolMetrics creates a PoolMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewPoolMetrics(provider metric.MeterProvider) (*PoolMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PoolMetricsMeterName)

	acquireWait, err := meter.Float64Histogram(
		"fabric_pool_acquire_wait_seconds",
		metric.WithDescription("Time spent waiting to acquire a pooled connection"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}

	exhaustions, err := meter.Int64Counter(
		"fabric_pool_exhaustions_total",
		metric.WithDescription("Total number of acquires that failed with pool exhaustion"),
		metric.WithUnit("{acquire}"),
	)
	if err != nil {
		return nil, err
	}

	leasedActive, err := meter.Int64UpDownCounter(
		"fabric_pool_leased_connections",
		metric.WithDescription("Number of currently leased connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return &PoolMetrics{
		acquireWait:  acquireWait,
		exhaustions:  exhaustions,
		leasedActive: leasedActive,
	}, nil
}

// RecordAcquire records a successful acquire and its wait time
func (m *PoolMetrics) RecordAcquire(ctx context.Context, sourceID string, wait time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source_id", sourceID))
	m.acquireWait.Record(ctx, wait.Seconds(), attrs)
	m.leasedActive.Add(ctx, 1, attrs)
}

// RecordRelease records a lease ending
func (m *PoolMetrics) RecordRelease(ctx context.Context, sourceID string) {
	if m == nil {
		return
	}
	m.leasedActive.Add(ctx, -1, metric.WithAttributes(attribute.String("source_id", sourceID)))
}

// RecordExhaustion records an acquire that failed because the pool was full
func (m *PoolMetrics) RecordExhaustion(ctx context.Context, sourceID string) {
	if m == nil {
		return
	}
	m.exhaustions.Add(ctx, 1, metric.WithAttributes(attribute.String("source_id", sourceID)))
}

// QueryMetrics holds the instruments for federated query metrics
type QueryMetrics struct {
	queryDuration  metric.Float64Histogram
	subQueryErrors metric.Int64Counter
	queriesTotal   metric.Int64Counter
}

// NewQueryMetrics creates a QueryMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewQueryMetrics(provider metric.MeterProvider) (*QueryMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(QueryMetricsMeterName)

	queryDuration, err := meter.Float64Histogram(
		"fabric_query_duration_seconds",
		metric.WithDescription("Duration of federated queries in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	subQueryErrors, err := meter.Int64Counter(
		"fabric_query_source_errors_total",
		metric.WithDescription("Total number of per-source sub-query failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	queriesTotal, err := meter.Int64Counter(
		"fabric_queries_total",
		metric.WithDescription("Total number of federated queries by outcome"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}

	return &QueryMetrics{
		queryDuration:  queryDuration,
		subQueryErrors: subQueryErrors,
		queriesTotal:   queriesTotal,
	}, nil
}

// RecordQuery records one federated query: its duration, outcome, and
// how many sources failed.
func (m *QueryMetrics) RecordQuery(ctx context.Context, mode string, duration time.Duration, sourceErrors int, success bool) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("mode", mode),
		attribute.Bool("success", success),
	}

	m.queryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.queriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if sourceErrors > 0 {
		m.subQueryErrors.Add(ctx, int64(sourceErrors), metric.WithAttributes(attribute.String("mode", mode)))
	}
}
