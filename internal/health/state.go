// Package health continuously probes pooled sources and drives a
// per-source health state machine over a bounded rolling window of probe
// results. Transitions are monotonic functions of the window, never of a
// single probe read in isolation.
package health

import (
	"time"
)

// State is the health of one source
type State string

const (
	// StateUnknown means not enough probes have been observed yet
	StateUnknown State = "unknown"

	// StateHealthy means probes succeed within nominal latency
	StateHealthy State = "healthy"

	// StateDegraded means probes are slow or an isolated failure occurred
	StateDegraded State = "degraded"

	// StateUnhealthy means probes fail consistently; federation excludes
	// the source entirely
	StateUnhealthy State = "unhealthy"
)

// Outcome classifies one probe
type Outcome string

const (
	// OutcomeSuccess means the probe completed in time
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure means the probe errored
	OutcomeFailure Outcome = "failure"

	// OutcomeTimeout means the probe exceeded its own timeout
	OutcomeTimeout Outcome = "timeout"
)

// ProbeResult is one probe observation. Ephemeral; only the rolling
// window retains them.
type ProbeResult struct {
	At      time.Time     `json:"at"`
	Latency time.Duration `json:"latency"`
	Outcome Outcome       `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}

// Thresholds parameterizes the state machine
type Thresholds struct {
	// WindowSize bounds the rolling probe window
	WindowSize int

	// Healthy is consecutive successes for unknown -> healthy
	Healthy int

	// DegradedLatency is consecutive slow probes for healthy -> degraded
	DegradedLatency int

	// Recovery is consecutive nominal successes for degraded -> healthy
	Recovery int

	// Unhealthy is consecutive failures for degraded -> unhealthy
	Unhealthy int

	// SlowLatency is the latency above which a successful probe counts
	// as slow
	SlowLatency time.Duration
}

// Tracker applies probe results for one source and holds its state.
// Not safe for concurrent use; the monitor serializes per source.
type Tracker struct {
	thresholds Thresholds

	state          State
	window         []ProbeResult
	lastApplied    time.Time
	lastTransition time.Time

	consecutiveSuccess int
	consecutiveNominal int
	consecutiveFailure int
	consecutiveSlow    int
}

// NewTracker creates a tracker in state unknown
func NewTracker(thresholds Thresholds) *Tracker {
	return &Tracker{thresholds: thresholds, state: StateUnknown}
}

// State returns the current health state
func (t *Tracker) State() State {
	return t.state
}

// LastTransition returns when the state last changed
func (t *Tracker) LastTransition() time.Time {
	return t.lastTransition
}

// ConsecutiveSuccesses returns the current success streak
func (t *Tracker) ConsecutiveSuccesses() int {
	return t.consecutiveSuccess
}

// ConsecutiveFailures returns the current failure streak
func (t *Tracker) ConsecutiveFailures() int {
	return t.consecutiveFailure
}

// Window returns a copy of the rolling probe window, oldest first
func (t *Tracker) Window() []ProbeResult {
	out := make([]ProbeResult, len(t.window))
	copy(out, t.window)
	return out
}

// Apply feeds one probe result through the state machine and reports the
// resulting state and whether it changed. Results older than the last
// applied probe are discarded so retried probes cannot run time backwards.
func (t *Tracker) Apply(result ProbeResult) (State, bool) {
	if !t.lastApplied.IsZero() && result.At.Before(t.lastApplied) {
		return t.state, false
	}
	t.lastApplied = result.At

	t.window = append(t.window, result)
	if len(t.window) > t.thresholds.WindowSize {
		t.window = t.window[len(t.window)-t.thresholds.WindowSize:]
	}

	switch result.Outcome {
	case OutcomeSuccess:
		t.consecutiveSuccess++
		t.consecutiveFailure = 0
		if result.Latency > t.thresholds.SlowLatency {
			t.consecutiveSlow++
			t.consecutiveNominal = 0
		} else {
			t.consecutiveSlow = 0
			t.consecutiveNominal++
		}
	case OutcomeFailure, OutcomeTimeout:
		t.consecutiveFailure++
		t.consecutiveSuccess = 0
		t.consecutiveNominal = 0
		t.consecutiveSlow = 0
	}

	next := t.nextState()
	if next == t.state {
		return t.state, false
	}
	t.state = next
	t.lastTransition = result.At
	return t.state, true
}

// nextState evaluates the transition table against the current counters
func (t *Tracker) nextState() State {
	switch t.state {
	case StateUnknown:
		if t.consecutiveSuccess >= t.thresholds.Healthy {
			return StateHealthy
		}
		if t.consecutiveFailure > 0 {
			// A failing source never becomes healthy from unknown; treat
			// it as degraded so the lifecycle can react.
			if t.consecutiveFailure >= t.thresholds.Unhealthy {
				return StateUnhealthy
			}
			return StateDegraded
		}
	case StateHealthy:
		if t.consecutiveFailure > 0 {
			return StateDegraded
		}
		if t.consecutiveSlow >= t.thresholds.DegradedLatency {
			return StateDegraded
		}
	case StateDegraded:
		if t.consecutiveFailure >= t.thresholds.Unhealthy {
			return StateUnhealthy
		}
		if t.consecutiveNominal >= t.thresholds.Recovery {
			return StateHealthy
		}
	case StateUnhealthy:
		// Conservative re-entry: one success climbs back to degraded,
		// never straight to healthy.
		if t.consecutiveSuccess > 0 {
			return StateDegraded
		}
	}
	return t.state
}
