// Package discovery probes candidate endpoints, classifies their kind,
// and proposes descriptors for external review. Discovery never promotes
// a proposal; promotion goes through the registry lifecycle.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/registry"
)

// Scope bounds one scan: the candidate endpoint addresses and an
// optional restriction on acceptable kinds.
type Scope struct {
	// Targets are candidate endpoint addresses (scheme://host[:port][/path])
	Targets []string `json:"targets"`

	// Kinds restricts accepted classifications; empty accepts all
	Kinds []registry.Kind `json:"kinds,omitempty"`

	// CredentialsRef names the credential used for probing; it is carried
	// on every proposal so registration has a complete descriptor.
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

func (s Scope) acceptsKind(kind registry.Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Config parameterizes the scanner
type Config struct {
	// Parallelism bounds the scan worker pool
	Parallelism int

	// ProbeTimeout bounds each capability probe
	ProbeTimeout time.Duration

	// BackoffCap caps the per-endpoint retry backoff
	BackoffCap time.Duration
}

// endpointState tracks repeated discovery failures for one endpoint so a
// dead endpoint is not hammered scan after scan.
type endpointState struct {
	failures    int
	nextAttempt time.Time
	expo        *backoff.ExponentialBackOff
}

// Scanner probes endpoints with a bounded worker pool. Each scan is
// independent and non-restartable; resuming is a fresh scan. Failure
// rate-limit state persists across scans within the process.
type Scanner struct {
	drivers *driver.Factory
	cfg     Config

	mu        sync.Mutex
	endpoints map[string]*endpointState
}

// NewScanner creates a scanner over the driver factory
func NewScanner(drivers *driver.Factory, cfg Config) *Scanner {
	return &Scanner{
		drivers:   drivers,
		cfg:       cfg,
		endpoints: make(map[string]*endpointState),
	}
}

// Scan probes every target in scope and streams proposed descriptors in
// state discovered. The channel closes when the scan finishes or ctx is
// cancelled. Failed probes emit nothing; they only advance the
// endpoint's rate limit.
func (s *Scanner) Scan(ctx context.Context, scope Scope) <-chan registry.Descriptor {
	out := make(chan registry.Descriptor)

	go func() {
		defer close(out)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Parallelism)

		for _, target := range scope.Targets {
			g.Go(func() error {
				if desc, ok := s.probe(gctx, scope, target); ok {
					select {
					case out <- desc:
					case <-gctx.Done():
					}
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

// probe runs one capability probe: classify by scheme, connect, ping.
func (s *Scanner) probe(ctx context.Context, scope Scope, target string) (registry.Descriptor, bool) {
	if s.rateLimited(target) {
		slog.Debug("Endpoint rate-limited, skipping", "target", target)
		return registry.Descriptor{}, false
	}

	kind, err := driver.Classify(target)
	if err != nil || !scope.acceptsKind(kind) {
		s.recordFailure(target)
		return registry.Descriptor{}, false
	}

	drv, err := s.drivers.ForKind(kind)
	if err != nil {
		s.recordFailure(target)
		return registry.Descriptor{}, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	candidate := registry.Descriptor{
		Name:           target,
		Kind:           kind,
		Address:        target,
		CredentialsRef: scope.CredentialsRef,
	}
	conn, err := drv.Open(probeCtx, candidate)
	if err != nil {
		s.recordFailure(target)
		return registry.Descriptor{}, false
	}
	err = conn.Ping(probeCtx)
	_ = conn.Close()
	if err != nil {
		s.recordFailure(target)
		return registry.Descriptor{}, false
	}

	s.recordSuccess(target)

	candidate.State = registry.StateDiscovered
	candidate.Capabilities = defaultCapabilities(kind)
	slog.Info("Discovered endpoint", "target", target, "kind", kind)
	return candidate, true
}

// defaultCapabilities proposes capabilities consistent with the kind;
// the registry re-validates them on registration.
func defaultCapabilities(kind registry.Kind) registry.Capabilities {
	return registry.Capabilities{
		Queryable:      kind.CanQuery(),
		Streamable:     kind.CanStream(),
		Introspectable: true,
	}
}

func (s *Scanner) rateLimited(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.endpoints[target]
	if !ok {
		return false
	}
	return time.Now().Before(state.nextAttempt)
}

// recordFailure advances the endpoint's exponential backoff (doubling,
// capped). The failure itself is dropped silently per policy.
func (s *Scanner) recordFailure(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.endpoints[target]
	if !ok {
		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = time.Second
		expo.Multiplier = 2
		expo.MaxInterval = s.cfg.BackoffCap
		expo.RandomizationFactor = 0
		state = &endpointState{expo: expo}
		s.endpoints[target] = state
	}
	state.failures++
	state.nextAttempt = time.Now().Add(state.expo.NextBackOff())
}

func (s *Scanner) recordSuccess(target string) {
	s.mu.Lock()
	delete(s.endpoints, target)
	s.mu.Unlock()
}

// FailureCount reports how many consecutive discovery failures an
// endpoint has accumulated; zero when unknown or recovered.
func (s *Scanner) FailureCount(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.endpoints[target]
	if !ok {
		return 0
	}
	return state.failures
}
