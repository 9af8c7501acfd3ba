package federation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/health"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
)

type routerCatalog struct {
	mu    sync.Mutex
	descs map[string]registry.Descriptor
}

func (c *routerCatalog) Get(_ context.Context, id string) (registry.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.descs[id]
	if !ok {
		return registry.Descriptor{}, registry.ErrNotFound
	}
	return d, nil
}

func (c *routerCatalog) set(d registry.Descriptor) {
	c.mu.Lock()
	c.descs[d.ID] = d
	c.mu.Unlock()
}

type staticHealth struct {
	mu     sync.Mutex
	states map[string]health.State
}

func (h *staticHealth) StateOf(sourceID string) health.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.states[sourceID]; ok {
		return s
	}
	return health.StateHealthy
}

func (h *staticHealth) set(sourceID string, s health.State) {
	h.mu.Lock()
	h.states[sourceID] = s
	h.mu.Unlock()
}

type snapshotStoreStub struct{}

func (snapshotStoreStub) SaveSnapshot(_ context.Context, _ introspect.Snapshot) error { return nil }
func (snapshotStoreStub) DeleteSnapshot(_ context.Context, _ string) error            { return nil }
func (snapshotStoreStub) ListSnapshots(_ context.Context) ([]introspect.Snapshot, error) {
	return nil, nil
}

// routerFixture wires three active queryable sources over per-kind fake
// drivers so each source can be programmed independently.
type routerFixture struct {
	router  *Router
	catalog *routerCatalog
	healths *staticHealth
	fakes   map[string]*driver.Fake
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	kinds := map[string]registry.Kind{
		"src-rel":  registry.KindRelational,
		"src-http": registry.KindHTTPAPI,
		"src-fs":   registry.KindFileSystem,
	}

	catalog := &routerCatalog{descs: make(map[string]registry.Descriptor)}
	fakes := make(map[string]*driver.Fake)
	var drivers []driver.Driver
	for id, kind := range kinds {
		catalog.descs[id] = registry.Descriptor{
			ID:           id,
			Name:         id,
			Kind:         kind,
			Address:      "http://" + id + ".internal",
			State:        registry.StateActive,
			ParamVersion: 1,
			Capabilities: registry.Capabilities{Queryable: true, Introspectable: true},
		}
		fake := driver.NewFake(kind)
		fake.SetEntities([]driver.Entity{{
			Name: "orders",
			Fields: []driver.Field{
				{Name: "id", Type: "integer"},
				{Name: "total", Type: "numeric"},
			},
		}})
		fakes[id] = fake
		drivers = append(drivers, fake)
	}

	pools := pool.NewManager(catalog, driver.NewFactoryWith(drivers...), pool.Config{
		MinSize:            1,
		MaxSize:            4,
		QueueWaitThreshold: time.Second,
		IdleInterval:       time.Minute,
	})
	schemas := introspect.New(pools, snapshotStoreStub{}, introspect.Config{TTL: time.Hour, SampleLimit: 100})
	healths := &staticHealth{states: make(map[string]health.State)}

	router := NewRouter(catalog, healths, schemas, pools, Config{
		DefaultDeadline: 5 * time.Second,
		SubQueryTimeout: 2 * time.Second,
	})
	return &routerFixture{router: router, catalog: catalog, healths: healths, fakes: fakes}
}

func unionQuery(sources ...string) Query {
	return Query{
		Sources: sources,
		Entity:  "orders",
		Fields:  []string{"id", "total"},
		Merge:   MergeSpec{Strategy: MergeUnion},
	}
}

func TestExecuteUnionAcrossSources(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	f.fakes["src-rel"].SetRows([]driver.Row{{"id": 1, "total": 10.0}, {"id": 2, "total": 20.0}})
	f.fakes["src-http"].SetRows([]driver.Row{{"id": 3, "total": 30.0}})

	res, err := f.router.Execute(context.Background(), unionQuery("src-rel", "src-http"))
	require.NoError(t, err)
	assert.Len(t, res.Rows, 3)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"src-rel", "src-http"}, res.Sources)
}

func TestExecuteBestEffortPartialFailure(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	f.fakes["src-rel"].SetRows([]driver.Row{{"id": 1, "total": 10.0}})
	f.fakes["src-http"].SetRows([]driver.Row{{"id": 2, "total": 20.0}})
	f.fakes["src-fs"].SetQueryErr(driver.ErrConnectionFailed)

	q := unionQuery("src-rel", "src-http", "src-fs")
	q.Mode = ModeBestEffort

	res, err := f.router.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "src-fs", res.Errors[0].SourceID)
	assert.Contains(t, res.Errors[0].Error, "connection failed")
}

func TestExecuteFailFastAborts(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	f.fakes["src-rel"].SetRows([]driver.Row{{"id": 1, "total": 10.0}})
	f.fakes["src-fs"].SetQueryErr(driver.ErrConnectionFailed)

	q := unionQuery("src-rel", "src-fs")
	q.Mode = ModeFailFast

	_, err := f.router.Execute(context.Background(), q)
	require.Error(t, err)
	assert.ErrorIs(t, err, driver.ErrConnectionFailed)
}

func TestExecuteRejectsInactiveSource(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)

	desc, _ := f.catalog.Get(context.Background(), "src-rel")
	desc.State = registry.StateDeprecated
	f.catalog.set(desc)

	_, err := f.router.Execute(context.Background(), unionQuery("src-rel"))
	require.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = f.router.Execute(context.Background(), unionQuery("no-such-source"))
	require.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestExecuteRejectsUnhealthySource(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	f.healths.set("src-http", health.StateUnhealthy)

	_, err := f.router.Execute(context.Background(), unionQuery("src-rel", "src-http"))
	require.ErrorIs(t, err, ErrSourceUnavailable)

	// Degraded sources still participate.
	f.healths.set("src-http", health.StateDegraded)
	f.fakes["src-rel"].SetRows([]driver.Row{{"id": 1, "total": 1.0}})
	f.fakes["src-http"].SetRows([]driver.Row{{"id": 2, "total": 2.0}})

	res, err := f.router.Execute(context.Background(), unionQuery("src-rel", "src-http"))
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
}

func TestExecuteSchemaMismatch(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)

	q := unionQuery("src-rel")
	q.Fields = []string{"id", "missing_column"}

	_, err := f.router.Execute(context.Background(), q)
	require.ErrorIs(t, err, ErrSchemaMismatch)

	q.Fields = []string{"id"}
	q.Entity = "no_such_entity"
	_, err = f.router.Execute(context.Background(), q)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestExecuteJoinRequiresKeyInSchema(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	f.fakes["src-rel"].SetRows([]driver.Row{{"id": 1, "total": 10.0}})
	f.fakes["src-http"].SetRows([]driver.Row{{"id": 1, "total": 20.0}})

	q := Query{
		Sources: []string{"src-rel", "src-http"},
		Entity:  "orders",
		Fields:  []string{"total"},
		Merge:   MergeSpec{Strategy: MergeJoin, Key: "id"},
	}
	res, err := f.router.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	// A join key absent from the schema fails planning even though the
	// projection itself is satisfiable.
	q.Merge.Key = "uuid"
	_, err = f.router.Execute(context.Background(), q)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestExecuteValidation(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)

	tests := []struct {
		name   string
		mutate func(*Query)
	}{
		{"no sources", func(q *Query) { q.Sources = nil }},
		{"no entity", func(q *Query) { q.Entity = "" }},
		{"join without key", func(q *Query) { q.Merge = MergeSpec{Strategy: MergeJoin} }},
		{"aggregate without spec", func(q *Query) { q.Merge = MergeSpec{Strategy: MergeAggregate} }},
		{"sum without field", func(q *Query) {
			q.Merge = MergeSpec{Strategy: MergeAggregate, Aggregate: &AggregateSpec{Op: AggSum}}
		}},
		{"unknown strategy", func(q *Query) { q.Merge = MergeSpec{Strategy: "cartesian"} }},
		{"unknown mode", func(q *Query) { q.Mode = "eventually" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := unionQuery("src-rel")
			tt.mutate(&q)
			_, err := f.router.Execute(context.Background(), q)
			require.Error(t, err)
		})
	}
}

func TestExecuteAggregateAcrossSources(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	f.fakes["src-rel"].SetRows([]driver.Row{{"id": 1, "total": 10.0}, {"id": 2, "total": 20.0}})
	f.fakes["src-http"].SetRows([]driver.Row{{"id": 3, "total": 12.0}})

	q := Query{
		Sources: []string{"src-rel", "src-http"},
		Entity:  "orders",
		Merge: MergeSpec{
			Strategy:  MergeAggregate,
			Aggregate: &AggregateSpec{Op: AggSum, Field: "total"},
		},
	}

	res, err := f.router.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 42.0, res.Rows[0]["sum_total"])
}

func TestExecuteDeadline(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t)
	f.fakes["src-rel"].QueryDelay = 500 * time.Millisecond

	q := unionQuery("src-rel")
	q.Mode = ModeFailFast
	q.Deadline = 50 * time.Millisecond

	_, err := f.router.Execute(context.Background(), q)
	require.Error(t, err)
}
