// Package service provides the business logic for the fabric API:
// source lifecycle, health and schema access, discovery scans, and
// federated query execution.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/datafabrix/fabric/internal/discovery"
	"github.com/datafabrix/fabric/internal/federation"
	"github.com/datafabrix/fabric/internal/health"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
)

var (
	// ErrValidationFailed is returned when a source fails its validation
	// probe or introspection and is sent back to discovered
	ErrValidationFailed = errors.New("source validation failed")
)

// FabricService defines the interface for fabric operations
type FabricService interface {
	// CheckReadiness checks if the service is ready to serve requests
	CheckReadiness(ctx context.Context) error

	// CreateSource registers a new source descriptor
	CreateSource(ctx context.Context, d registry.Descriptor) (registry.Descriptor, error)

	// GetSource returns a source by id
	GetSource(ctx context.Context, id string) (registry.Descriptor, error)

	// ListSources returns sources matching the filter
	ListSources(ctx context.Context, filter registry.Filter) []registry.Descriptor

	// UpdateSource applies a partial update to a source
	UpdateSource(ctx context.Context, id string, patch registry.Patch) (registry.Descriptor, error)

	// TransitionSource moves a source to a new lifecycle state
	TransitionSource(ctx context.Context, id string, state registry.LifecycleState) (registry.Descriptor, error)

	// ValidateSource runs the validation flow: probe plus introspection,
	// promoting the source to active on success
	ValidateSource(ctx context.Context, id string) (registry.Descriptor, error)

	// SourceHealth returns the probe status of a source
	SourceHealth(ctx context.Context, id string) (health.Status, error)

	// SourceSchema returns the cached schema snapshot of a source and
	// whether it is fresh
	SourceSchema(ctx context.Context, id string) (*introspect.Snapshot, bool, error)

	// RefreshSchema forces a schema refresh for a source
	RefreshSchema(ctx context.Context, id string) (*introspect.Snapshot, error)

	// ExecuteQuery runs a federated query
	ExecuteQuery(ctx context.Context, q federation.Query) (*federation.Result, error)

	// ScanEndpoints probes candidate endpoints and returns proposed
	// descriptors, optionally registering them
	ScanEndpoints(ctx context.Context, scope discovery.Scope, register bool) ([]registry.Descriptor, error)

	// PoolStats returns per-source connection pool statistics
	PoolStats(ctx context.Context) []pool.Stats

	// ResizePool changes a source pool's target size
	ResizePool(ctx context.Context, id string, target int) error
}

// ReadinessChecker reports whether the storage backend is reachable
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// fabricService is the production implementation of FabricService
type fabricService struct {
	catalog      *registry.Registry
	monitor      *health.Monitor
	introspector *introspect.Introspector
	scanner      *discovery.Scanner
	router       *federation.Router
	pools        *pool.Manager
	readiness    ReadinessChecker
}

// New creates a FabricService wired to the given components
func New(
	catalog *registry.Registry,
	monitor *health.Monitor,
	introspector *introspect.Introspector,
	scanner *discovery.Scanner,
	router *federation.Router,
	pools *pool.Manager,
	readiness ReadinessChecker,
) FabricService {
	return &fabricService{
		catalog:      catalog,
		monitor:      monitor,
		introspector: introspector,
		scanner:      scanner,
		router:       router,
		pools:        pools,
		readiness:    readiness,
	}
}

func (s *fabricService) CheckReadiness(ctx context.Context) error {
	if err := s.readiness.Ping(ctx); err != nil {
		return fmt.Errorf("storage backend not reachable: %w", err)
	}
	return nil
}

func (s *fabricService) CreateSource(ctx context.Context, d registry.Descriptor) (registry.Descriptor, error) {
	return s.catalog.Register(ctx, d)
}

func (s *fabricService) GetSource(ctx context.Context, id string) (registry.Descriptor, error) {
	return s.catalog.Get(ctx, id)
}

func (s *fabricService) ListSources(ctx context.Context, filter registry.Filter) []registry.Descriptor {
	return s.catalog.List(ctx, filter)
}

func (s *fabricService) UpdateSource(ctx context.Context, id string, patch registry.Patch) (registry.Descriptor, error) {
	return s.catalog.Update(ctx, id, patch)
}

func (s *fabricService) TransitionSource(ctx context.Context, id string, state registry.LifecycleState) (registry.Descriptor, error) {
	// Entering validation kicks off the full validation flow instead of a
	// bare state write.
	if state == registry.StateValidating {
		return s.ValidateSource(ctx, id)
	}
	return s.catalog.Transition(ctx, id, state)
}

// ValidateSource moves a source through validating: one live probe plus
// a schema refresh. Success promotes it to active; failure returns it to
// discovered.
func (s *fabricService) ValidateSource(ctx context.Context, id string) (registry.Descriptor, error) {
	d, err := s.catalog.Transition(ctx, id, registry.StateValidating)
	if err != nil {
		return registry.Descriptor{}, err
	}

	if verr := s.runValidation(ctx, id); verr != nil {
		if _, err := s.catalog.Transition(ctx, id, registry.StateDiscovered); err != nil {
			slog.Error("Failed to return source to discovered after validation failure",
				"source_id", id, "error", err)
		}
		return registry.Descriptor{}, fmt.Errorf("%w: %v", ErrValidationFailed, verr)
	}

	d, err = s.catalog.Transition(ctx, id, registry.StateActive)
	if err != nil {
		return registry.Descriptor{}, err
	}
	slog.Info("Source validated", "source_id", id, "name", d.Name)
	return d, nil
}

func (s *fabricService) runValidation(ctx context.Context, id string) error {
	state, err := s.monitor.ProbeNow(ctx, id)
	if err != nil {
		// A cached schema must not outlive a failed validation probe.
		s.introspector.Invalidate(ctx, id)
		return fmt.Errorf("probe failed: %w", err)
	}
	if state == health.StateUnhealthy {
		s.introspector.Invalidate(ctx, id)
		return fmt.Errorf("probe reported unhealthy")
	}
	if _, err := s.introspector.Refresh(ctx, id); err != nil {
		return fmt.Errorf("introspection failed: %w", err)
	}
	return nil
}

func (s *fabricService) SourceHealth(ctx context.Context, id string) (health.Status, error) {
	if _, err := s.catalog.Get(ctx, id); err != nil {
		return health.Status{}, err
	}
	status, ok := s.monitor.StatusOf(id)
	if !ok {
		status = health.Status{SourceID: id, State: health.StateUnknown}
	}
	return status, nil
}

func (s *fabricService) SourceSchema(ctx context.Context, id string) (*introspect.Snapshot, bool, error) {
	if _, err := s.catalog.Get(ctx, id); err != nil {
		return nil, false, err
	}
	snapshot, fresh := s.introspector.Snapshot(id)
	return snapshot, fresh, nil
}

func (s *fabricService) RefreshSchema(ctx context.Context, id string) (*introspect.Snapshot, error) {
	if _, err := s.catalog.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.introspector.Refresh(ctx, id)
}

func (s *fabricService) ExecuteQuery(ctx context.Context, q federation.Query) (*federation.Result, error) {
	return s.router.Execute(ctx, q)
}

// ScanEndpoints drains one scan. With register set, each proposal is
// registered immediately; proposals that collide with existing names are
// returned unregistered.
func (s *fabricService) ScanEndpoints(ctx context.Context, scope discovery.Scope, register bool) ([]registry.Descriptor, error) {
	var proposals []registry.Descriptor
	for d := range s.scanner.Scan(ctx, scope) {
		if register {
			registered, err := s.catalog.Register(ctx, d)
			if err != nil {
				slog.Warn("Failed to register discovered source", "address", d.Address, "error", err)
				proposals = append(proposals, d)
				continue
			}
			d = registered
		}
		proposals = append(proposals, d)
	}
	if err := ctx.Err(); err != nil {
		return proposals, err
	}
	return proposals, nil
}

func (s *fabricService) PoolStats(_ context.Context) []pool.Stats {
	return s.pools.Stats()
}

func (s *fabricService) ResizePool(ctx context.Context, id string, target int) error {
	if _, err := s.catalog.Get(ctx, id); err != nil {
		return err
	}
	return s.pools.Resize(ctx, id, target)
}
