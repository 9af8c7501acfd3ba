package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/registry"
)

// Registry is the read surface the manager needs from the descriptor
// catalog; satisfied by *registry.Registry.
type Registry interface {
	Get(ctx context.Context, id string) (registry.Descriptor, error)
}

// Manager owns one pool per source and keeps them aligned with the
// registry: parameter changes bump generations, decommissioning closes
// the pool.
type Manager struct {
	registry Registry
	drivers  *driver.Factory
	cfg      Config

	mu    sync.RWMutex
	pools map[string]*Pool

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewManager creates a pool manager over the given driver factory
func NewManager(reg Registry, drivers *driver.Factory, cfg Config) *Manager {
	return &Manager{
		registry: reg,
		drivers:  drivers,
		cfg:      cfg,
		pools:    make(map[string]*Pool),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run consumes registry events and drives the periodic maintenance pass.
// Blocks until ctx is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context, events <-chan registry.Event) {
	defer close(m.done)

	interval := m.cfg.IdleInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			m.handleEvent(ev)
		case now := <-ticker.C:
			m.maintainAll(now)
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		}
	}
}

// Stop shuts the manager down and closes every pool
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	<-m.done

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

func (m *Manager) handleEvent(ev registry.Event) {
	switch ev.Type {
	case registry.EventParamsChanged:
		m.mu.RLock()
		p, ok := m.pools[ev.Descriptor.ID]
		m.mu.RUnlock()
		if ok {
			p.BumpGeneration(ev.Descriptor)
		}
	case registry.EventStateChanged:
		if ev.Descriptor.State == registry.StateDecommissioned {
			m.mu.Lock()
			p, ok := m.pools[ev.Descriptor.ID]
			delete(m.pools, ev.Descriptor.ID)
			m.mu.Unlock()
			if ok {
				slog.Info("Closing pool for decommissioned source", "source_id", ev.Descriptor.ID)
				p.Close()
			}
		}
	case registry.EventRegistered, registry.EventUpdated:
		// Pools are created lazily on first acquire.
	}
}

func (m *Manager) maintainAll(now time.Time) {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		p.maintain(now)
	}
}

// Acquire leases a connection from the source's pool, creating the pool
// on first use. The ctx deadline bounds the wait.
func (m *Manager) Acquire(ctx context.Context, sourceID string) (*Handle, error) {
	p, err := m.poolFor(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// AcquireTimeout is a convenience wrapper applying an explicit timeout
func (m *Manager) AcquireTimeout(ctx context.Context, sourceID string, timeout time.Duration) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.Acquire(ctx, sourceID)
}

// Resize sets a new target size on the source's pool
func (m *Manager) Resize(ctx context.Context, sourceID string, newTarget int) error {
	p, err := m.poolFor(ctx, sourceID)
	if err != nil {
		return err
	}
	p.Resize(newTarget)
	return nil
}

// Stats returns a snapshot of every live pool
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

func (m *Manager) poolFor(ctx context.Context, sourceID string) (*Pool, error) {
	m.mu.RLock()
	p, ok := m.pools[sourceID]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	desc, err := m.registry.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	drv, err := m.drivers.ForKind(desc.Kind)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[sourceID]; ok {
		return p, nil
	}
	p = newPool(desc, drv, m.cfg)
	m.pools[sourceID] = p
	slog.Info("Created connection pool",
		"source_id", sourceID, "kind", desc.Kind,
		"min", m.cfg.MinSize, "max", m.cfg.MaxSize)
	return p, nil
}

// String renders manager state for debug logging
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("pool.Manager{pools: %d}", len(m.pools))
}
