package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/pool"
	"github.com/datafabrix/fabric/internal/registry"
)

// terminalBackoffFactor multiplies the probe interval after a terminal
// failure so a misconfigured source is not hammered.
const terminalBackoffFactor = 8

// Catalog is the registry surface the monitor needs
type Catalog interface {
	Get(ctx context.Context, id string) (registry.Descriptor, error)
	List(ctx context.Context, filter registry.Filter) []registry.Descriptor
	Transition(ctx context.Context, id string, newState registry.LifecycleState) (registry.Descriptor, error)
	SetHealth(ctx context.Context, id string, summary registry.HealthSummary) error
}

// Pools is the pool surface the monitor needs: a dedicated lightweight
// acquire with a short timeout, so probing never starves workload traffic.
type Pools interface {
	AcquireTimeout(ctx context.Context, sourceID string, timeout time.Duration) (*pool.Handle, error)
}

// ProbeRecorder receives one record per completed probe. Implementations
// must tolerate concurrent calls; a nil recorder disables recording.
type ProbeRecorder interface {
	RecordProbe(ctx context.Context, sourceID, outcome string, latency time.Duration)
}

// Config parameterizes the monitor
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Thresholds    Thresholds
	Metrics       ProbeRecorder
}

// Status is the externally visible health of one source
type Status struct {
	SourceID             string        `json:"source_id"`
	State                State         `json:"state"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	LastTransition       time.Time     `json:"last_transition,omitempty"`
	Window               []ProbeResult `json:"window,omitempty"`
}

type sourceLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor probes every non-decommissioned source on a fixed interval and
// owns the per-source health state machines. It is the only writer of
// health state.
type Monitor struct {
	catalog Catalog
	pools   Pools
	cfg     Config

	mu       sync.Mutex
	trackers map[string]*Tracker
	loops    map[string]*sourceLoop

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewMonitor creates a monitor; Run starts the probe loops
func NewMonitor(catalog Catalog, pools Pools, cfg Config) *Monitor {
	return &Monitor{
		catalog:  catalog,
		pools:    pools,
		cfg:      cfg,
		trackers: make(map[string]*Tracker),
		loops:    make(map[string]*sourceLoop),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run starts probe loops for every registered source and reacts to
// registry events. Blocks until ctx is cancelled or Stop is called.
func (m *Monitor) Run(ctx context.Context, events <-chan registry.Event) {
	defer close(m.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, desc := range m.catalog.List(runCtx, registry.Filter{}) {
		if desc.State != registry.StateDecommissioned {
			m.startLoop(runCtx, desc.ID)
		}
	}

	for {
		select {
		case ev := <-events:
			m.handleEvent(runCtx, ev)
		case <-runCtx.Done():
			m.stopAllLoops()
			return
		case <-m.stopped:
			m.stopAllLoops()
			return
		}
	}
}

// Stop halts every probe loop and waits for them to finish
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	<-m.done
}

func (m *Monitor) handleEvent(ctx context.Context, ev registry.Event) {
	switch ev.Type {
	case registry.EventRegistered:
		m.startLoop(ctx, ev.Descriptor.ID)
	case registry.EventStateChanged:
		if ev.Descriptor.State == registry.StateDecommissioned {
			m.stopLoop(ev.Descriptor.ID)
		}
	case registry.EventParamsChanged, registry.EventUpdated:
		// The probe loop picks the new parameters up through the pool.
	}
}

func (m *Monitor) startLoop(ctx context.Context, sourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.loops[sourceID]; running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	loop := &sourceLoop{cancel: cancel, done: make(chan struct{})}
	m.loops[sourceID] = loop
	m.trackers[sourceID] = NewTracker(m.cfg.Thresholds)

	go m.probeLoop(loopCtx, sourceID, loop)
	slog.Info("Started health probing", "source_id", sourceID, "interval", m.cfg.ProbeInterval)
}

func (m *Monitor) stopLoop(sourceID string) {
	m.mu.Lock()
	loop, ok := m.loops[sourceID]
	if ok {
		delete(m.loops, sourceID)
		delete(m.trackers, sourceID)
	}
	m.mu.Unlock()

	if ok {
		loop.cancel()
		<-loop.done
		slog.Info("Stopped health probing", "source_id", sourceID)
	}
}

func (m *Monitor) stopAllLoops() {
	m.mu.Lock()
	loops := m.loops
	m.loops = make(map[string]*sourceLoop)
	m.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
	}
	for _, loop := range loops {
		<-loop.done
	}
}

func (m *Monitor) probeLoop(ctx context.Context, sourceID string, loop *sourceLoop) {
	defer close(loop.done)

	interval := m.cfg.ProbeInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			terminal := m.probeOnce(ctx, sourceID)
			if terminal {
				// Back off hard on terminal failures; the descriptor is
				// broken until someone updates it.
				timer.Reset(interval * terminalBackoffFactor)
			} else {
				timer.Reset(interval)
			}
		case <-ctx.Done():
			return
		}
	}
}

// probeOnce runs a single probe and applies the result. Returns true when
// the failure was terminal (auth rejected, descriptor invalid).
func (m *Monitor) probeOnce(ctx context.Context, sourceID string) bool {
	result, terminal := m.executeProbe(ctx, sourceID)
	if ctx.Err() != nil {
		return false
	}

	m.applyResult(ctx, sourceID, result)

	if terminal {
		m.requestDegradedLifecycle(ctx, sourceID)
	}
	return terminal
}

func (m *Monitor) executeProbe(ctx context.Context, sourceID string) (ProbeResult, bool) {
	started := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	handle, err := m.pools.AcquireTimeout(probeCtx, sourceID, m.cfg.ProbeTimeout)
	if err != nil {
		return probeFailure(started, err), errors.Is(err, driver.ErrAuthRejected)
	}

	err = handle.Conn().Ping(probeCtx)
	latency := time.Since(started)
	if err != nil {
		handle.MarkDead()
		handle.Release()
		return probeFailure(started, err), errors.Is(err, driver.ErrAuthRejected)
	}
	handle.Release()

	return ProbeResult{At: started, Latency: latency, Outcome: OutcomeSuccess}, false
}

func probeFailure(started time.Time, err error) ProbeResult {
	outcome := OutcomeFailure
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = OutcomeTimeout
	}
	return ProbeResult{
		At:      started,
		Latency: time.Since(started),
		Outcome: outcome,
		Error:   err.Error(),
	}
}

func (m *Monitor) applyResult(ctx context.Context, sourceID string, result ProbeResult) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordProbe(ctx, sourceID, string(result.Outcome), result.Latency)
	}

	m.mu.Lock()
	tracker, ok := m.trackers[sourceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	state, changed := tracker.Apply(result)
	lastTransition := tracker.LastTransition()
	m.mu.Unlock()

	if changed {
		slog.Info("Health state changed",
			"source_id", sourceID, "state", state,
			"outcome", result.Outcome, "latency", result.Latency)
	}

	summary := registry.HealthSummary{
		State:          string(state),
		LastProbeAt:    result.At,
		LastLatency:    result.Latency,
		LastTransition: lastTransition,
	}
	if err := m.catalog.SetHealth(ctx, sourceID, summary); err != nil && !errors.Is(err, registry.ErrNotFound) {
		slog.Error("Failed to record health summary", "source_id", sourceID, "error", err)
	}
}

// requestDegradedLifecycle asks the registry to move an active source to
// degraded after a terminal probe failure. The registry stays the only
// writer of lifecycle state.
func (m *Monitor) requestDegradedLifecycle(ctx context.Context, sourceID string) {
	desc, err := m.catalog.Get(ctx, sourceID)
	if err != nil {
		return
	}
	if desc.State != registry.StateActive {
		return
	}
	if _, err := m.catalog.Transition(ctx, sourceID, registry.StateDegraded); err != nil {
		slog.Error("Failed to degrade source after terminal probe failure",
			"source_id", sourceID, "error", err)
	} else {
		slog.Warn("Source degraded after terminal probe failure", "source_id", sourceID)
	}
}

// StateOf returns the health state of one source; unknown when the
// source is not monitored.
func (m *Monitor) StateOf(sourceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker, ok := m.trackers[sourceID]
	if !ok {
		return StateUnknown
	}
	return tracker.State()
}

// StatusOf returns the full status of one source including the probe
// window, for the health query API.
func (m *Monitor) StatusOf(sourceID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracker, ok := m.trackers[sourceID]
	if !ok {
		return Status{}, false
	}
	return Status{
		SourceID:             sourceID,
		State:                tracker.State(),
		ConsecutiveSuccesses: tracker.ConsecutiveSuccesses(),
		ConsecutiveFailures:  tracker.ConsecutiveFailures(),
		LastTransition:       tracker.LastTransition(),
		Window:               tracker.Window(),
	}, true
}

// ProbeNow runs one immediate probe outside the regular schedule and
// returns the resulting state. Used by the validation flow before a
// source is promoted to active.
func (m *Monitor) ProbeNow(ctx context.Context, sourceID string) (State, error) {
	m.mu.Lock()
	_, tracked := m.trackers[sourceID]
	if !tracked {
		m.trackers[sourceID] = NewTracker(m.cfg.Thresholds)
	}
	m.mu.Unlock()

	result, _ := m.executeProbe(ctx, sourceID)
	m.applyResult(ctx, sourceID, result)

	if result.Outcome != OutcomeSuccess {
		return m.StateOf(sourceID), errors.New(result.Error)
	}
	return m.StateOf(sourceID), nil
}
