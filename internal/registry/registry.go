// Package registry maintains the durable catalog of data source descriptors
// and is the single writer of their lifecycle state. All other components
// read descriptors by id and request transitions; they never set state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced by registry operations
var (
	// ErrInvalidDescriptor means a descriptor failed validation at
	// registration or update time
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrNotFound means no descriptor exists for the given id
	ErrNotFound = errors.New("descriptor not found")

	// ErrInvalidTransition means the requested lifecycle transition has no
	// edge in the lifecycle graph
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrNameConflict means another descriptor already uses the name
	ErrNameConflict = errors.New("descriptor name already in use")
)

const shardCount = 16

// Store persists descriptors. Implementations live in internal/store;
// the registry only needs this narrow surface.
type Store interface {
	SaveDescriptor(ctx context.Context, d Descriptor) error
	DeleteDescriptor(ctx context.Context, id string) error
	ListDescriptors(ctx context.Context) ([]Descriptor, error)
}

// subscriber receives change events. Buffered; the registry drops the
// oldest event rather than block a slow consumer.
type subscriber struct {
	ch chan Event
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Descriptor
}

// Registry is a sharded descriptor catalog. Writes are serialized per
// shard so mutations for one id never race; reads take the shard read
// lock only.
type Registry struct {
	shards [shardCount]*shard
	store  Store

	// nameMu guards the name index; names are unique across the catalog
	// and stay claimed for the descriptor's whole lifecycle.
	nameMu sync.Mutex
	names  map[string]string

	subMu sync.RWMutex
	subs  []*subscriber
}

// New creates an empty registry backed by the given store
func New(store Store) *Registry {
	r := &Registry{store: store, names: make(map[string]string)}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*Descriptor)}
	}
	return r
}

// Load rebuilds the in-memory catalog from the store. Called once at
// startup; pools and probe windows are rebuilt by their owners afterwards.
func (r *Registry) Load(ctx context.Context) error {
	descriptors, err := r.store.ListDescriptors(ctx)
	if err != nil {
		return fmt.Errorf("failed to load descriptors: %w", err)
	}

	for i := range descriptors {
		d := descriptors[i]
		s := r.shardFor(d.ID)
		s.mu.Lock()
		s.entries[d.ID] = &d
		s.mu.Unlock()

		r.nameMu.Lock()
		r.names[d.Name] = d.ID
		r.nameMu.Unlock()
	}

	slog.Info("Registry loaded", "descriptor_count", len(descriptors))
	return nil
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register validates the descriptor, assigns an id, and stores it in
// state discovered. The caller's copy is not retained.
func (r *Registry) Register(ctx context.Context, d Descriptor) (Descriptor, error) {
	if err := validateDescriptor(&d); err != nil {
		return Descriptor{}, err
	}

	now := time.Now()
	d.ID = uuid.NewString()
	d.State = StateDiscovered
	d.ParamVersion = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Health.State == "" {
		d.Health.State = "unknown"
	}

	if err := r.claimName(d.Name, d.ID); err != nil {
		return Descriptor{}, err
	}

	s := r.shardFor(d.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.store.SaveDescriptor(ctx, d); err != nil {
		r.releaseName(d.Name, d.ID)
		return Descriptor{}, fmt.Errorf("failed to persist descriptor: %w", err)
	}
	stored := d
	s.entries[d.ID] = &stored

	slog.Info("Registered data source", "id", d.ID, "name", d.Name, "kind", d.Kind)
	r.publish(Event{Type: EventRegistered, Descriptor: d, At: now})
	return d, nil
}

// Update applies a partial update. Any connection-parameter change bumps
// ParamVersion, which pools treat as a generation bump.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (Descriptor, error) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	updated := *current
	paramsChanged := patch.touchesConnectionParams(current)

	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.Address != nil {
		updated.Address = *patch.Address
	}
	if patch.CredentialsRef != nil {
		updated.CredentialsRef = *patch.CredentialsRef
	}
	if patch.TLSMode != nil {
		updated.TLSMode = *patch.TLSMode
	}
	if patch.Capabilities != nil {
		updated.Capabilities = *patch.Capabilities
	}

	if err := validateDescriptor(&updated); err != nil {
		return Descriptor{}, err
	}

	renamed := updated.Name != current.Name
	if renamed {
		if err := r.claimName(updated.Name, id); err != nil {
			return Descriptor{}, err
		}
	}

	if paramsChanged {
		updated.ParamVersion++
	}
	updated.UpdatedAt = time.Now()

	if err := r.store.SaveDescriptor(ctx, updated); err != nil {
		if renamed {
			r.releaseName(updated.Name, id)
		}
		return Descriptor{}, fmt.Errorf("failed to persist descriptor: %w", err)
	}
	if renamed {
		r.releaseName(current.Name, id)
	}
	stored := updated
	s.entries[id] = &stored

	eventType := EventUpdated
	if paramsChanged {
		eventType = EventParamsChanged
		slog.Info("Connection parameters changed",
			"id", id, "param_version", updated.ParamVersion)
	}
	r.publish(Event{Type: eventType, Descriptor: updated, At: updated.UpdatedAt})
	return updated, nil
}

// Get returns a copy of the descriptor for the given id
func (r *Registry) Get(_ context.Context, id string) (Descriptor, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.entries[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *d, nil
}

// List returns copies of every descriptor matching the filter
func (r *Registry) List(_ context.Context, filter Filter) []Descriptor {
	var out []Descriptor
	for _, s := range r.shards {
		s.mu.RLock()
		for _, d := range s.entries {
			if filter.Matches(d) {
				out = append(out, *d)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Transition moves the descriptor along a lifecycle edge, rejecting any
// edge not present in the lifecycle graph.
func (r *Registry) Transition(ctx context.Context, id string, newState LifecycleState) (Descriptor, error) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if !CanTransition(current.State, newState) {
		return Descriptor{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, newState)
	}

	updated := *current
	updated.State = newState
	updated.UpdatedAt = time.Now()

	if err := r.store.SaveDescriptor(ctx, updated); err != nil {
		return Descriptor{}, fmt.Errorf("failed to persist descriptor: %w", err)
	}
	stored := updated
	s.entries[id] = &stored

	slog.Info("Lifecycle transition", "id", id, "from", current.State, "to", newState)
	r.publish(Event{Type: EventStateChanged, Descriptor: updated, At: updated.UpdatedAt})
	return updated, nil
}

// SetHealth records the latest health summary on the descriptor. Written
// only by the health monitor; does not emit a change event because health
// is derived state, not configuration.
func (r *Registry) SetHealth(ctx context.Context, id string, summary HealthSummary) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	updated := *current
	updated.Health = summary

	if err := r.store.SaveDescriptor(ctx, updated); err != nil {
		return fmt.Errorf("failed to persist descriptor: %w", err)
	}
	stored := updated
	s.entries[id] = &stored
	return nil
}

// Subscribe returns a channel of change events. The channel is buffered;
// when the subscriber falls behind, the oldest pending event is dropped.
func (r *Registry) Subscribe() <-chan Event {
	sub := &subscriber{ch: make(chan Event, 64)}
	r.subMu.Lock()
	r.subs = append(r.subs, sub)
	r.subMu.Unlock()
	return sub.ch
}

func (r *Registry) publish(ev Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			// Drop the oldest pending event to make room.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// claimName reserves a descriptor name, failing when another descriptor
// holds it already. Claiming a name the id already holds is a no-op.
func (r *Registry) claimName(name, id string) error {
	r.nameMu.Lock()
	defer r.nameMu.Unlock()

	if existing, ok := r.names[name]; ok && existing != id {
		return fmt.Errorf("%w: %s", ErrNameConflict, name)
	}
	r.names[name] = id
	return nil
}

// releaseName drops a name reservation if the id still holds it
func (r *Registry) releaseName(name, id string) {
	r.nameMu.Lock()
	if r.names[name] == id {
		delete(r.names, name)
	}
	r.nameMu.Unlock()
}

// validateDescriptor checks required fields and kind/capability consistency
func validateDescriptor(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, d.Kind)
	}
	if d.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidDescriptor)
	}
	if d.CredentialsRef == "" {
		return fmt.Errorf("%w: credentials reference is required", ErrInvalidDescriptor)
	}
	if d.Capabilities.Streamable && !d.Kind.CanStream() {
		return fmt.Errorf("%w: kind %s cannot be streamable", ErrInvalidDescriptor, d.Kind)
	}
	if d.Capabilities.Queryable && !d.Kind.CanQuery() {
		return fmt.Errorf("%w: kind %s cannot be queryable", ErrInvalidDescriptor, d.Kind)
	}
	return nil
}
