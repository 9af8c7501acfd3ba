package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
)

// fakeCatalog satisfies both the monitor's Catalog and the pool
// manager's Registry.
type fakeCatalog struct {
	mu        sync.Mutex
	descs     map[string]registry.Descriptor
	summaries map[string]registry.HealthSummary
}

func newFakeCatalog(descs ...registry.Descriptor) *fakeCatalog {
	c := &fakeCatalog{
		descs:     make(map[string]registry.Descriptor),
		summaries: make(map[string]registry.HealthSummary),
	}
	for _, d := range descs {
		c.descs[d.ID] = d
	}
	return c
}

func (c *fakeCatalog) Get(_ context.Context, id string) (registry.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.descs[id]
	if !ok {
		return registry.Descriptor{}, registry.ErrNotFound
	}
	return d, nil
}

func (c *fakeCatalog) List(_ context.Context, filter registry.Filter) []registry.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []registry.Descriptor
	for _, d := range c.descs {
		if filter.Matches(&d) {
			out = append(out, d)
		}
	}
	return out
}

func (c *fakeCatalog) Transition(_ context.Context, id string, newState registry.LifecycleState) (registry.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.descs[id]
	if !ok {
		return registry.Descriptor{}, registry.ErrNotFound
	}
	d.State = newState
	c.descs[id] = d
	return d, nil
}

func (c *fakeCatalog) SetHealth(_ context.Context, id string, summary registry.HealthSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.descs[id]; !ok {
		return registry.ErrNotFound
	}
	c.summaries[id] = summary
	return nil
}

func (c *fakeCatalog) stateOf(id string) registry.LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descs[id].State
}

func monitorFixture(t *testing.T, fake *driver.Fake) (*Monitor, *fakeCatalog, registry.Descriptor) {
	t.Helper()

	desc := registry.Descriptor{
		ID:           "src-1",
		Name:         "orders-db",
		Kind:         registry.KindRelational,
		Address:      "postgres://orders.internal:5432/orders",
		State:        registry.StateActive,
		ParamVersion: 1,
		Capabilities: registry.Capabilities{Queryable: true},
	}
	catalog := newFakeCatalog(desc)
	pools := pool.NewManager(catalog, driver.NewFactoryWith(fake), pool.Config{
		MinSize:            1,
		MaxSize:            2,
		QueueWaitThreshold: time.Second,
		IdleInterval:       time.Minute,
	})

	m := NewMonitor(catalog, pools, Config{
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  time.Second,
		Thresholds:    testThresholds(),
	})
	return m, catalog, desc
}

func TestMonitorDrivesSourceHealthy(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	m, catalog, desc := monitorFixture(t, fake)

	events := make(chan registry.Event)
	go m.Run(context.Background(), events)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.StateOf(desc.ID) == StateHealthy
	}, 5*time.Second, 10*time.Millisecond)

	status, ok := m.StatusOf(desc.ID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, status.ConsecutiveSuccesses, 3)
	assert.NotEmpty(t, status.Window)

	// The summary lands on the catalog record.
	catalog.mu.Lock()
	summary := catalog.summaries[desc.ID]
	catalog.mu.Unlock()
	assert.Equal(t, string(StateHealthy), summary.State)
}

func TestMonitorDegradesOnFailures(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	m, _, desc := monitorFixture(t, fake)

	events := make(chan registry.Event)
	go m.Run(context.Background(), events)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.StateOf(desc.ID) == StateHealthy
	}, 5*time.Second, 10*time.Millisecond)

	fake.SetPingErr(driver.ErrConnectionFailed)

	require.Eventually(t, func() bool {
		return m.StateOf(desc.ID) == StateUnhealthy
	}, 5*time.Second, 10*time.Millisecond)

	// Recovery after the source comes back.
	fake.SetPingErr(nil)
	require.Eventually(t, func() bool {
		return m.StateOf(desc.ID) == StateHealthy
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMonitorTerminalFailureDegradesLifecycle(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	fake.SetOpenErr(driver.ErrAuthRejected)
	m, catalog, desc := monitorFixture(t, fake)

	events := make(chan registry.Event)
	go m.Run(context.Background(), events)
	defer m.Stop()

	// An auth rejection is terminal: the monitor asks the registry to
	// degrade the source instead of hammering it.
	require.Eventually(t, func() bool {
		return catalog.stateOf(desc.ID) == registry.StateDegraded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMonitorStopsLoopOnDecommission(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	m, _, desc := monitorFixture(t, fake)

	events := make(chan registry.Event)
	go m.Run(context.Background(), events)
	defer m.Stop()

	require.Eventually(t, func() bool {
		_, ok := m.StatusOf(desc.ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	gone := desc
	gone.State = registry.StateDecommissioned
	events <- registry.Event{Type: registry.EventStateChanged, Descriptor: gone, At: time.Now()}

	require.Eventually(t, func() bool {
		_, ok := m.StatusOf(desc.ID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateUnknown, m.StateOf(desc.ID))
}

func TestProbeNow(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	m, _, desc := monitorFixture(t, fake)

	// Without a running loop, ProbeNow still tracks the source.
	state, err := m.ProbeNow(context.Background(), desc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)

	fake.SetPingErr(driver.ErrConnectionFailed)
	state, err = m.ProbeNow(context.Background(), desc.ID)
	require.Error(t, err)
	assert.Equal(t, StateDegraded, state)
}
