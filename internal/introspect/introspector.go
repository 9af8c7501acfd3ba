// Package introspect extracts and caches structural metadata per source.
// Snapshots are durable; at most one refresh is in flight per source and
// concurrent refresh requests join the in-flight result.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
)

// ErrIntrospectionFailed wraps any failure to refresh a source's schema.
// It is surfaced to the caller of Refresh and never blocks other sources.
var ErrIntrospectionFailed = errors.New("introspection failed")

// SnapshotStore persists snapshots; implementations live in internal/store
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
	DeleteSnapshot(ctx context.Context, sourceID string) error
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
}

// Pools is the pool surface the introspector needs
type Pools interface {
	Acquire(ctx context.Context, sourceID string) (*pool.Handle, error)
}

// Config parameterizes the introspector
type Config struct {
	// TTL is how long a snapshot stays fresh before Snapshot triggers a
	// background refresh
	TTL time.Duration

	// SampleLimit caps the entity listing per refresh
	SampleLimit int
}

// ChangeListener is notified when a source's content hash changes.
// The federation router invalidates its plan cache through this.
type ChangeListener func(sourceID string)

// Introspector owns the schema snapshots of every source
type Introspector struct {
	pools Pools
	store SnapshotStore
	cfg   Config

	mu        sync.RWMutex
	cache     map[string]*Snapshot
	listeners []ChangeListener

	flight singleflight.Group
}

// New creates an introspector over the given pools and store
func New(pools Pools, store SnapshotStore, cfg Config) *Introspector {
	return &Introspector{
		pools: pools,
		store: store,
		cfg:   cfg,
		cache: make(map[string]*Snapshot),
	}
}

// Load rebuilds the snapshot cache from the store at startup
func (i *Introspector) Load(ctx context.Context) error {
	snapshots, err := i.store.ListSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}

	i.mu.Lock()
	for idx := range snapshots {
		s := snapshots[idx]
		i.cache[s.SourceID] = &s
	}
	i.mu.Unlock()

	slog.Info("Schema snapshots loaded", "snapshot_count", len(snapshots))
	return nil
}

// OnChange registers a listener for content-hash changes
func (i *Introspector) OnChange(listener ChangeListener) {
	i.mu.Lock()
	i.listeners = append(i.listeners, listener)
	i.mu.Unlock()
}

// Snapshot returns the cached snapshot for a source, if any, and whether
// it is still within its TTL.
func (i *Introspector) Snapshot(sourceID string) (*Snapshot, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	s, ok := i.cache[sourceID]
	if !ok {
		return nil, false
	}
	copied := *s
	fresh := time.Since(s.LastRefreshed) < i.cfg.TTL
	return &copied, fresh
}

// Refresh introspects the source and replaces the cached snapshot when
// its content hash changed. An unchanged hash only touches LastRefreshed
// and emits no change notification. Concurrent calls for the same source
// share one in-flight refresh.
func (i *Introspector) Refresh(ctx context.Context, sourceID string) (*Snapshot, error) {
	result, err, _ := i.flight.Do(sourceID, func() (any, error) {
		return i.refresh(ctx, sourceID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

func (i *Introspector) refresh(ctx context.Context, sourceID string) (*Snapshot, error) {
	handle, err := i.pools.Acquire(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntrospectionFailed, err)
	}

	entities, err := handle.Conn().Introspect(ctx, i.cfg.SampleLimit)
	if err != nil {
		handle.MarkDead()
		handle.Release()
		return nil, fmt.Errorf("%w: %v", ErrIntrospectionFailed, err)
	}
	handle.Release()

	normalized := normalizeEntities(entities)
	hash := hashEntities(normalized)
	now := time.Now()

	i.mu.Lock()
	previous := i.cache[sourceID]
	unchanged := previous != nil && previous.ContentHash == hash
	var snapshot *Snapshot
	if unchanged {
		updated := *previous
		updated.LastRefreshed = now
		i.cache[sourceID] = &updated
		snapshot = &updated
	} else {
		snapshot = &Snapshot{
			SourceID:      sourceID,
			Entities:      normalized,
			ContentHash:   hash,
			LastRefreshed: now,
		}
		i.cache[sourceID] = snapshot
	}
	listeners := make([]ChangeListener, len(i.listeners))
	copy(listeners, i.listeners)
	i.mu.Unlock()

	if err := i.store.SaveSnapshot(ctx, *snapshot); err != nil {
		return nil, fmt.Errorf("%w: failed to persist snapshot: %v", ErrIntrospectionFailed, err)
	}

	if unchanged {
		slog.Debug("Schema unchanged", "source_id", sourceID, "hash", shortHash(hash))
		return snapshot, nil
	}

	slog.Info("Schema snapshot refreshed",
		"source_id", sourceID,
		"entity_count", len(snapshot.Entities),
		"hash", shortHash(hash))
	for _, listener := range listeners {
		listener(sourceID)
	}
	return snapshot, nil
}

// Invalidate drops the cached snapshot so the next read refreshes.
// Called on descriptor parameter changes and failed validation probes.
// Listeners are notified so dependent caches drop their verdicts too;
// the unchanged-hash no-notification rule applies to refreshes only.
func (i *Introspector) Invalidate(ctx context.Context, sourceID string) {
	i.mu.Lock()
	_, existed := i.cache[sourceID]
	delete(i.cache, sourceID)
	listeners := make([]ChangeListener, len(i.listeners))
	copy(listeners, i.listeners)
	i.mu.Unlock()

	if existed {
		slog.Info("Schema snapshot invalidated", "source_id", sourceID)
		for _, listener := range listeners {
			listener(sourceID)
		}
	}
	if err := i.store.DeleteSnapshot(ctx, sourceID); err != nil {
		slog.Error("Failed to delete persisted snapshot", "source_id", sourceID, "error", err)
	}
}

// Run consumes registry events, invalidating snapshots whose descriptor
// parameters changed and refreshing expired ones on a sweep interval.
func (i *Introspector) Run(ctx context.Context, events <-chan registry.Event) {
	sweep := time.NewTicker(i.cfg.TTL / 4)
	defer sweep.Stop()

	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case registry.EventParamsChanged:
				i.Invalidate(ctx, ev.Descriptor.ID)
			case registry.EventStateChanged:
				if ev.Descriptor.State == registry.StateDecommissioned {
					i.Invalidate(ctx, ev.Descriptor.ID)
				}
			case registry.EventRegistered, registry.EventUpdated:
			}
		case <-sweep.C:
			i.refreshExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// refreshExpired re-runs introspection for snapshots past their TTL
func (i *Introspector) refreshExpired(ctx context.Context) {
	i.mu.RLock()
	var expired []string
	for sourceID, s := range i.cache {
		if time.Since(s.LastRefreshed) >= i.cfg.TTL {
			expired = append(expired, sourceID)
		}
	}
	i.mu.RUnlock()

	for _, sourceID := range expired {
		if ctx.Err() != nil {
			return
		}
		if _, err := i.Refresh(ctx, sourceID); err != nil {
			slog.Warn("Scheduled schema refresh failed", "source_id", sourceID, "error", err)
		}
	}
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
