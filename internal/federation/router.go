// Package federation splits a logical query across sources, executes the
// sub-queries concurrently, and merges the results with partial-failure
// tolerance.
package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/health"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
)

// Catalog is the registry surface the router needs
type Catalog interface {
	Get(ctx context.Context, id string) (registry.Descriptor, error)
}

// HealthReader reports source health; the router never routes to
// unhealthy sources.
type HealthReader interface {
	StateOf(sourceID string) health.State
}

// SchemaReader serves cached snapshots and refreshes missing ones
type SchemaReader interface {
	Snapshot(sourceID string) (*introspect.Snapshot, bool)
	Refresh(ctx context.Context, sourceID string) (*introspect.Snapshot, error)
	OnChange(listener introspect.ChangeListener)
}

// Pools leases connections for sub-queries
type Pools interface {
	AcquireTimeout(ctx context.Context, sourceID string, timeout time.Duration) (*pool.Handle, error)
}

// QueryRecorder receives one record per executed query. Implementations
// must tolerate concurrent calls; a nil recorder disables recording.
type QueryRecorder interface {
	RecordQuery(ctx context.Context, mode string, duration time.Duration, sourceErrors int, success bool)
}

// Config parameterizes the router
type Config struct {
	// DefaultDeadline bounds a query when the caller supplies none
	DefaultDeadline time.Duration

	// SubQueryTimeout bounds each per-source sub-query independently
	SubQueryTimeout time.Duration

	Metrics QueryRecorder
}

// Router plans and executes federated queries
type Router struct {
	catalog Catalog
	healths HealthReader
	schemas SchemaReader
	pools   Pools
	cfg     Config

	// planMu guards the schema validation cache, keyed per source and
	// invalidated when the source's content hash changes.
	planMu sync.Mutex
	plans  map[string]map[string]bool
}

// NewRouter creates a router and hooks its plan cache into snapshot
// change notifications.
func NewRouter(catalog Catalog, healths HealthReader, schemas SchemaReader, pools Pools, cfg Config) *Router {
	r := &Router{
		catalog: catalog,
		healths: healths,
		schemas: schemas,
		pools:   pools,
		cfg:     cfg,
		plans:   make(map[string]map[string]bool),
	}
	schemas.OnChange(r.invalidatePlans)
	return r
}

func (r *Router) invalidatePlans(sourceID string) {
	r.planMu.Lock()
	delete(r.plans, sourceID)
	r.planMu.Unlock()
}

// Execute runs the logical query. In best-effort mode the result carries
// successful partial data plus a per-source error list; in fail-fast
// mode the first sub-query failure aborts the whole request and cancels
// the remaining sub-queries.
func (r *Router) Execute(ctx context.Context, q Query) (*Result, error) {
	started := time.Now()
	res, err := r.execute(ctx, q)

	if r.cfg.Metrics != nil {
		mode := q.Mode
		if mode == "" {
			mode = ModeBestEffort
		}
		sourceErrors := 0
		if res != nil {
			sourceErrors = len(res.Errors)
		}
		r.cfg.Metrics.RecordQuery(context.WithoutCancel(ctx), string(mode), time.Since(started), sourceErrors, err == nil)
	}
	return res, err
}

func (r *Router) execute(ctx context.Context, q Query) (*Result, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	deadline := q.Deadline
	if deadline <= 0 {
		deadline = r.cfg.DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := r.plan(ctx, &q); err != nil {
		return nil, err
	}

	started := time.Now()
	results, sourceErrors, err := r.executeSubQueries(ctx, q)
	if err != nil {
		return nil, err
	}

	rows, err := mergeRows(q.Merge, results)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(started)
	slog.Info("Federated query executed",
		"sources", len(q.Sources),
		"rows", len(rows),
		"errors", len(sourceErrors),
		"elapsed", elapsed)

	return &Result{
		Rows:    rows,
		Errors:  sourceErrors,
		Sources: q.Sources,
		Elapsed: elapsed,
	}, nil
}

// plan validates every named source: lifecycle active, health at least
// degraded, queryable, and schema satisfying the projection.
func (r *Router) plan(ctx context.Context, q *Query) error {
	for _, sourceID := range q.Sources {
		desc, err := r.catalog.Get(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, sourceID, err)
		}
		if desc.State != registry.StateActive {
			return fmt.Errorf("%w: %s is %s, not active", ErrSourceUnavailable, sourceID, desc.State)
		}
		if !desc.Capabilities.Queryable {
			return fmt.Errorf("%w: %s is not queryable", ErrSourceUnavailable, sourceID)
		}
		if state := r.healths.StateOf(sourceID); state == health.StateUnhealthy {
			return fmt.Errorf("%w: %s is unhealthy", ErrSourceUnavailable, sourceID)
		}

		ok, err := r.schemaSatisfies(ctx, sourceID, q)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: source %s does not expose entity %s with fields %v",
				ErrSchemaMismatch, sourceID, q.Entity, q.Fields)
		}
	}
	return nil
}

// schemaSatisfies checks the projection against the source's cached
// snapshot, consulting the plan cache first. A missing snapshot triggers
// one refresh.
func (r *Router) schemaSatisfies(ctx context.Context, sourceID string, q *Query) (bool, error) {
	cacheKey := planCacheKey(q)

	r.planMu.Lock()
	if cached, ok := r.plans[sourceID][cacheKey]; ok {
		r.planMu.Unlock()
		return cached, nil
	}
	r.planMu.Unlock()

	snapshot, _ := r.schemas.Snapshot(sourceID)
	if snapshot == nil {
		refreshed, err := r.schemas.Refresh(ctx, sourceID)
		if err != nil {
			return false, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, sourceID, err)
		}
		snapshot = refreshed
	}

	satisfied := snapshot.HasFields(q.Entity, fieldsForValidation(q))

	r.planMu.Lock()
	if r.plans[sourceID] == nil {
		r.plans[sourceID] = make(map[string]bool)
	}
	r.plans[sourceID][cacheKey] = satisfied
	r.planMu.Unlock()

	return satisfied, nil
}

// fieldsForValidation includes the join key and aggregate field in the
// schema check even when the projection omits them.
func fieldsForValidation(q *Query) []string {
	fields := append([]string(nil), q.Fields...)
	if q.Merge.Strategy == MergeJoin && q.Merge.Key != "" {
		fields = append(fields, q.Merge.Key)
	}
	if q.Merge.Strategy == MergeAggregate && q.Merge.Aggregate != nil && q.Merge.Aggregate.Field != "" {
		fields = append(fields, q.Merge.Aggregate.Field)
	}
	return fields
}

func planCacheKey(q *Query) string {
	return fmt.Sprintf("%s|%v", q.Entity, fieldsForValidation(q))
}

func (r *Router) executeSubQueries(ctx context.Context, q Query) ([]subResult, []SourceError, error) {
	subQuery := driver.Query{
		Entity: q.Entity,
		Fields: subQueryFields(q),
		Limit:  q.Limit,
	}

	type outcome struct {
		index int
		rows  []driver.Row
		err   error
	}
	outcomes := make([]outcome, len(q.Sources))

	g, gctx := errgroup.WithContext(ctx)
	failFast := q.Mode == ModeFailFast

	for i, sourceID := range q.Sources {
		g.Go(func() error {
			rows, err := r.runSubQuery(gctx, sourceID, subQuery)
			outcomes[i] = outcome{index: i, rows: rows, err: err}
			if err != nil && failFast {
				// Returning the error cancels gctx and with it every
				// still-running sibling.
				return fmt.Errorf("source %s: %w", sourceID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var results []subResult
	var sourceErrors []SourceError
	for i, o := range outcomes {
		if o.err != nil {
			sourceErrors = append(sourceErrors, SourceError{
				SourceID: q.Sources[i],
				Error:    o.err.Error(),
			})
			continue
		}
		results = append(results, subResult{sourceID: q.Sources[i], rows: o.rows})
	}
	return results, sourceErrors, nil
}

// subQueryFields adds merge-required fields to the per-source projection
func subQueryFields(q Query) []string {
	if len(q.Fields) == 0 {
		return nil
	}
	return fieldsForValidation(&q)
}

func (r *Router) runSubQuery(ctx context.Context, sourceID string, q driver.Query) ([]driver.Row, error) {
	handle, err := r.pools.AcquireTimeout(ctx, sourceID, r.cfg.SubQueryTimeout)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithTimeout(ctx, r.cfg.SubQueryTimeout)
	defer cancel()

	rows, err := handle.Conn().Query(subCtx, q)
	if err != nil {
		handle.MarkDead()
		handle.Release()
		return nil, err
	}
	handle.Release()
	return rows, nil
}
