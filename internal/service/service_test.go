package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafabrix/fabric/internal/discovery"
	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/federation"
	"github.com/datafabrix/fabric/internal/health"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
)

// memStore is an in-memory storage backend covering descriptors and
// snapshots plus the readiness ping.
type memStore struct {
	mu        sync.Mutex
	descs     map[string]registry.Descriptor
	snapshots map[string]introspect.Snapshot
	pingErr   error
}

func newMemStore() *memStore {
	return &memStore{
		descs:     make(map[string]registry.Descriptor),
		snapshots: make(map[string]introspect.Snapshot),
	}
}

func (m *memStore) SaveDescriptor(_ context.Context, d registry.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descs[d.ID] = d
	return nil
}

func (m *memStore) DeleteDescriptor(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.descs, id)
	return nil
}

func (m *memStore) ListDescriptors(_ context.Context) ([]registry.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.Descriptor, 0, len(m.descs))
	for _, d := range m.descs {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) SaveSnapshot(_ context.Context, s introspect.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.SourceID] = s
	return nil
}

func (m *memStore) DeleteSnapshot(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, sourceID)
	return nil
}

func (m *memStore) ListSnapshots(_ context.Context) ([]introspect.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]introspect.Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

type fixture struct {
	svc     FabricService
	catalog *registry.Registry
	store   *memStore
	fake    *driver.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	catalog := registry.New(store)

	fake := driver.NewFake(registry.KindRelational)
	fake.SetEntities([]driver.Entity{{
		Name: "orders",
		Fields: []driver.Field{
			{Name: "id", Type: "integer"},
			{Name: "total", Type: "numeric"},
		},
	}})
	factory := driver.NewFactoryWith(fake)

	pools := pool.NewManager(catalog, factory, pool.Config{
		MinSize:            1,
		MaxSize:            4,
		QueueWaitThreshold: time.Second,
		IdleInterval:       time.Minute,
	})
	monitor := health.NewMonitor(catalog, pools, health.Config{
		ProbeInterval: time.Second,
		ProbeTimeout:  time.Second,
		Thresholds: health.Thresholds{
			WindowSize:      10,
			Healthy:         3,
			DegradedLatency: 3,
			Recovery:        3,
			Unhealthy:       5,
			SlowLatency:     500 * time.Millisecond,
		},
	})
	introspector := introspect.New(pools, store, introspect.Config{TTL: time.Hour, SampleLimit: 100})
	scanner := discovery.NewScanner(factory, discovery.Config{
		Parallelism:  4,
		ProbeTimeout: time.Second,
		BackoffCap:   time.Minute,
	})
	router := federation.NewRouter(catalog, monitor, introspector, pools, federation.Config{
		DefaultDeadline: 5 * time.Second,
		SubQueryTimeout: 2 * time.Second,
	})

	return &fixture{
		svc:     New(catalog, monitor, introspector, scanner, router, pools, store),
		catalog: catalog,
		store:   store,
		fake:    fake,
	}
}

func (f *fixture) createSource(t *testing.T) registry.Descriptor {
	t.Helper()
	d, err := f.svc.CreateSource(context.Background(), registry.Descriptor{
		Name:           "orders-db",
		Kind:           registry.KindRelational,
		Address:        "postgres://orders.internal:5432/orders",
		CredentialsRef: "vault:orders-ro",
		Capabilities:   registry.Capabilities{Queryable: true, Introspectable: true},
	})
	require.NoError(t, err)
	return d
}

func TestValidateSourcePromotesToActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	d := f.createSource(t)

	validated, err := f.svc.ValidateSource(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, validated.State)

	// The validation flow also populated the schema snapshot.
	snapshot, fresh, err := f.svc.SourceSchema(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.True(t, fresh)
	assert.Len(t, snapshot.Entities, 1)
}

func TestTransitionToValidatingRunsValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	d := f.createSource(t)

	// Requesting the validating state runs the whole flow rather than a
	// bare state write.
	validated, err := f.svc.TransitionSource(ctx, d.ID, registry.StateValidating)
	require.NoError(t, err)
	assert.Equal(t, registry.StateActive, validated.State)
}

func TestValidateSourceFailureReturnsToDiscovered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	d := f.createSource(t)

	f.fake.SetPingErr(driver.ErrConnectionFailed)

	_, err := f.svc.ValidateSource(ctx, d.ID)
	require.ErrorIs(t, err, ErrValidationFailed)

	got, err := f.svc.GetSource(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateDiscovered, got.State)
}

func TestValidateFailureInvalidatesSchemaSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	d := f.createSource(t)

	// Populate the snapshot while the source is still discovered.
	_, err := f.svc.RefreshSchema(ctx, d.ID)
	require.NoError(t, err)
	snapshot, _, err := f.svc.SourceSchema(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	f.fake.SetPingErr(driver.ErrConnectionFailed)

	_, err = f.svc.ValidateSource(ctx, d.ID)
	require.ErrorIs(t, err, ErrValidationFailed)

	// The failed probe took the cached schema with it.
	snapshot, _, err = f.svc.SourceSchema(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	f.store.mu.Lock()
	_, persisted := f.store.snapshots[d.ID]
	f.store.mu.Unlock()
	assert.False(t, persisted)
}

func TestValidateSourceInvalidFromState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	d := f.createSource(t)

	_, err := f.svc.ValidateSource(ctx, d.ID)
	require.NoError(t, err)

	// An active source cannot re-enter validation.
	_, err = f.svc.ValidateSource(ctx, d.ID)
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestSourceHealthFallsBackToUnknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	d := f.createSource(t)

	status, err := f.svc.SourceHealth(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, status.SourceID)
	assert.Equal(t, health.StateUnknown, status.State)

	_, err = f.svc.SourceHealth(ctx, "no-such-id")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestExecuteQueryThroughService(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	d := f.createSource(t)
	_, err := f.svc.ValidateSource(ctx, d.ID)
	require.NoError(t, err)

	f.fake.SetRows([]driver.Row{{"id": 1, "total": 10.0}, {"id": 2, "total": 20.0}})

	res, err := f.svc.ExecuteQuery(ctx, federation.Query{
		Sources: []string{d.ID},
		Entity:  "orders",
		Merge:   federation.MergeSpec{Strategy: federation.MergeUnion},
	})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
}

func TestScanEndpointsWithRegistration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	scope := discovery.Scope{
		Targets:        []string{"postgres://found.internal:5432/app"},
		CredentialsRef: "vault:scan-ro",
	}
	proposals, err := f.svc.ScanEndpoints(ctx, scope, true)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.NotEmpty(t, proposals[0].ID)
	assert.Equal(t, registry.StateDiscovered, proposals[0].State)

	got, err := f.svc.GetSource(ctx, proposals[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "postgres://found.internal:5432/app", got.Address)
	assert.Equal(t, "vault:scan-ro", got.CredentialsRef)
}

func TestScanEndpointsWithoutRegistration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	scope := discovery.Scope{Targets: []string{"postgres://found.internal:5432/app"}}
	proposals, err := f.svc.ScanEndpoints(ctx, scope, false)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Empty(t, proposals[0].ID)
	assert.Empty(t, f.svc.ListSources(ctx, registry.Filter{}))
}

func TestResizePool(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	d := f.createSource(t)

	require.NoError(t, f.svc.ResizePool(ctx, d.ID, 3))
	stats := f.svc.PoolStats(ctx)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Target)

	require.ErrorIs(t, f.svc.ResizePool(ctx, "no-such-id", 3), registry.ErrNotFound)
}

func TestCheckReadiness(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.svc.CheckReadiness(context.Background()))

	f.store.mu.Lock()
	f.store.pingErr = errors.New("disk gone")
	f.store.mu.Unlock()
	require.Error(t, f.svc.CheckReadiness(context.Background()))
}
