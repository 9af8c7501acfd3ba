package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/registry"
)

func testDescriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:           "src-1",
		Name:         "orders-db",
		Kind:         registry.KindRelational,
		Address:      "postgres://orders.internal:5432/orders",
		State:        registry.StateActive,
		ParamVersion: 1,
		Capabilities: registry.Capabilities{Queryable: true, Introspectable: true},
	}
}

func testConfig() Config {
	return Config{
		MinSize:            2,
		MaxSize:            5,
		QueueWaitThreshold: 50 * time.Millisecond,
		IdleInterval:       time.Minute,
	}
}

func TestAcquireOpensLazily(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	p := newPool(testDescriptor(), fake, testConfig())

	assert.Equal(t, int64(0), fake.OpenCount())

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), fake.OpenCount())

	h.Release()

	// Reacquiring reuses the idle connection.
	h, err = p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), fake.OpenCount())
	h.Release()
}

func TestAcquireRespectsCapacity(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	p := newPool(testDescriptor(), fake, testConfig())

	// Saturate the pool and push the target up to the maximum through
	// sustained queueing.
	var handles []*Handle
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}

	// Waiters past the minimum sit queued until the threshold grows the
	// target; release nothing and let growth admit them.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handles) == 5
	}, 5*time.Second, 10*time.Millisecond)
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 5, stats.Leased)
	assert.LessOrEqual(t, stats.Total, 5)

	// A sixth acquire must wait and then fail at the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)

	for _, h := range handles {
		h.Release()
	}
}

func TestAcquireHandoffOnRelease(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	cfg := testConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 1
	cfg.QueueWaitThreshold = time.Hour
	p := newPool(testDescriptor(), fake, cfg)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Handle, 1)
	go func() {
		h2, err := p.Acquire(context.Background())
		if err == nil {
			got <- h2
		}
	}()

	// Give the second acquire time to queue, then release; the connection
	// must transfer directly without closing.
	require.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.Release()

	select {
	case h2 := <-got:
		h2.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("handoff never reached the waiter")
	}

	assert.Equal(t, int64(1), fake.OpenCount())
	assert.Equal(t, int64(0), fake.ClosedCount())
}

func TestAcquireCancellation(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	cfg := testConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 1
	p := newPool(testDescriptor(), fake, cfg)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	// Plain cancellation surfaces ctx.Err, not exhaustion.
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return p.Stats().Waiting == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire never returned")
	}

	// The abandoned waiter slot is reclaimed.
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestDialFailureReleasesSlot(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	fake.SetOpenErr(driver.ErrAuthRejected)
	p := newPool(testDescriptor(), fake, testConfig())

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, driver.ErrConnectionFailed)

	// The reserved slot was returned; a later acquire can still succeed.
	fake.SetOpenErr(nil)
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()

	assert.Equal(t, 1, p.Stats().Total)
}

func TestMarkDeadDestroysOnRelease(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	p := newPool(testDescriptor(), fake, testConfig())

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	h.MarkDead()
	h.Release()

	assert.Equal(t, int64(1), fake.ClosedCount())
	assert.Equal(t, 0, p.Stats().Total)

	// Double release is a no-op.
	h.Release()
	assert.Equal(t, int64(1), fake.ClosedCount())
}

func TestBumpGenerationInvalidatesConnections(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	desc := testDescriptor()
	p := newPool(desc, fake, testConfig())

	// One idle, one leased.
	h1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h1.Release()

	desc.ParamVersion = 2
	desc.Address = "postgres://replica.internal:5432/orders"
	p.BumpGeneration(desc)

	// The idle stale connection is destroyed immediately.
	assert.Equal(t, int64(1), fake.ClosedCount())

	// The leased one survives until release, then is destroyed too.
	h2.Release()
	assert.Equal(t, int64(2), fake.ClosedCount())

	// New acquires open fresh connections under the new generation.
	h3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h3.Release()
	assert.Equal(t, uint64(2), p.Stats().Generation)
	assert.Equal(t, int64(3), fake.OpenCount())
}

// gatedDriver blocks Open until the gate opens, exposing the window
// between the dial snapshot and the connection being leased.
type gatedDriver struct {
	inner   *driver.Fake
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedDriver) Kind() registry.Kind { return g.inner.Kind() }

func (g *gatedDriver) Open(ctx context.Context, desc registry.Descriptor) (driver.Conn, error) {
	g.started <- struct{}{}
	<-g.gate
	return g.inner.Open(ctx, desc)
}

func TestBumpGenerationDuringDialMarksHandleStale(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	gated := &gatedDriver{
		inner:   fake,
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	desc := testDescriptor()
	p := newPool(desc, gated, testConfig())

	got := make(chan *Handle, 1)
	go func() {
		h, err := p.Acquire(context.Background())
		if err == nil {
			got <- h
		}
	}()

	// The dial is in flight against the original parameters when the
	// change lands.
	<-gated.started
	bumped := desc
	bumped.ParamVersion = 2
	bumped.Address = "postgres://replica.internal:5432/orders"
	p.BumpGeneration(bumped)
	close(gated.gate)

	var h *Handle
	select {
	case h = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never completed")
	}

	// The connection was opened under the old parameters, so release must
	// destroy it instead of parking it as current.
	h.Release()
	assert.Equal(t, int64(1), fake.ClosedCount())
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 0, p.Stats().Total)

	// The next acquire opens fresh under the new generation.
	h2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h2.Release()
	assert.Equal(t, int64(2), fake.OpenCount())
	assert.Equal(t, uint64(2), p.Stats().Generation)
}

func TestBumpGenerationIgnoresStaleVersions(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	desc := testDescriptor()
	desc.ParamVersion = 5
	p := newPool(desc, fake, testConfig())

	older := desc
	older.ParamVersion = 3
	p.BumpGeneration(older)

	assert.Equal(t, uint64(5), p.Stats().Generation)
}

func TestResizeShrinksIdle(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	p := newPool(testDescriptor(), fake, testConfig())

	var handles []*Handle
	p.Resize(4)
	for i := 0; i < 4; i++ {
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Release()
	}
	assert.Equal(t, 4, p.Stats().Idle)

	p.Resize(2)
	stats := p.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, int64(2), fake.ClosedCount())

	// Resize clamps to the configured bounds.
	p.Resize(100)
	assert.Equal(t, 5, p.Stats().Target)
	p.Resize(0)
	assert.Equal(t, 2, p.Stats().Target)
}

func TestMaintainReapsIdleConnections(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	cfg := testConfig()
	cfg.IdleInterval = 10 * time.Millisecond
	p := newPool(testDescriptor(), fake, cfg)

	p.Resize(3)
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		h.Release()
	}

	// One reap per pass, never below the minimum.
	p.maintain(time.Now().Add(time.Second))
	assert.Equal(t, 2, p.Stats().Total)
	p.maintain(time.Now().Add(time.Second))
	assert.Equal(t, 2, p.Stats().Total)
}

func TestCloseFailsWaiters(t *testing.T) {
	t.Parallel()

	fake := driver.NewFake(registry.KindRelational)
	p := newPool(testDescriptor(), fake, testConfig())

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()

	p.Close()
	assert.Equal(t, int64(1), fake.ClosedCount())

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

type staticRegistry struct {
	descs map[string]registry.Descriptor
}

func (s *staticRegistry) Get(_ context.Context, id string) (registry.Descriptor, error) {
	d, ok := s.descs[id]
	if !ok {
		return registry.Descriptor{}, registry.ErrNotFound
	}
	return d, nil
}

func TestManagerAcquireCreatesPool(t *testing.T) {
	t.Parallel()

	desc := testDescriptor()
	fake := driver.NewFake(registry.KindRelational)
	m := NewManager(
		&staticRegistry{descs: map[string]registry.Descriptor{desc.ID: desc}},
		driver.NewFactoryWith(fake),
		testConfig(),
	)

	h, err := m.Acquire(context.Background(), desc.ID)
	require.NoError(t, err)
	h.Release()

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, desc.ID, stats[0].SourceID)

	_, err = m.Acquire(context.Background(), "no-such-source")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestManagerEventHandling(t *testing.T) {
	t.Parallel()

	desc := testDescriptor()
	fake := driver.NewFake(registry.KindRelational)
	m := NewManager(
		&staticRegistry{descs: map[string]registry.Descriptor{desc.ID: desc}},
		driver.NewFactoryWith(fake),
		testConfig(),
	)

	events := make(chan registry.Event, 4)
	go m.Run(context.Background(), events)
	defer m.Stop()

	h, err := m.Acquire(context.Background(), desc.ID)
	require.NoError(t, err)
	h.Release()

	// A parameter change bumps the pool generation.
	bumped := desc
	bumped.ParamVersion = 2
	events <- registry.Event{Type: registry.EventParamsChanged, Descriptor: bumped, At: time.Now()}

	require.Eventually(t, func() bool {
		stats := m.Stats()
		return len(stats) == 1 && stats[0].Generation == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Decommissioning closes and removes the pool.
	gone := bumped
	gone.State = registry.StateDecommissioned
	events <- registry.Event{Type: registry.EventStateChanged, Descriptor: gone, At: time.Now()}

	require.Eventually(t, func() bool {
		return len(m.Stats()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
