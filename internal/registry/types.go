package registry

import (
	"time"
)

// Kind identifies the class of an external data source. The set is closed;
// every kind has a driver and the drivers dispatch on this tag.
type Kind string

const (
	// KindRelational is a SQL database reachable over the Postgres wire protocol
	KindRelational Kind = "relational"

	// KindObjectStore is an S3-compatible object store
	KindObjectStore Kind = "object-store"

	// KindFileSystem is a locally mounted file tree
	KindFileSystem Kind = "file-system"

	// KindMessageStream is a NATS/JetStream messaging endpoint
	KindMessageStream Kind = "message-stream"

	// KindHTTPAPI is a generic HTTP API exposing entity listings as JSON
	KindHTTPAPI Kind = "http-api"
)

// Kinds lists every valid source kind.
var Kinds = []Kind{KindRelational, KindObjectStore, KindFileSystem, KindMessageStream, KindHTTPAPI}

// Valid reports whether k is a known source kind
func (k Kind) Valid() bool {
	switch k {
	case KindRelational, KindObjectStore, KindFileSystem, KindMessageStream, KindHTTPAPI:
		return true
	}
	return false
}

// CanStream reports whether sources of this kind can carry streaming data
func (k Kind) CanStream() bool {
	return k == KindMessageStream
}

// CanQuery reports whether sources of this kind accept federated sub-queries
func (k Kind) CanQuery() bool {
	switch k {
	case KindRelational, KindObjectStore, KindFileSystem, KindHTTPAPI:
		return true
	}
	return false
}

// Capabilities declares what operations a source supports. The registry
// rejects combinations the kind cannot honor.
type Capabilities struct {
	Queryable      bool `yaml:"queryable" json:"queryable"`
	Streamable     bool `yaml:"streamable" json:"streamable"`
	Introspectable bool `yaml:"introspectable" json:"introspectable"`
}

// LifecycleState is the position of a descriptor in its lifecycle
type LifecycleState string

const (
	// StateDiscovered is the initial state of a proposed or newly registered source
	StateDiscovered LifecycleState = "discovered"

	// StateValidating means the source is being verified before activation
	StateValidating LifecycleState = "validating"

	// StateActive means the source is available for pooling and federation
	StateActive LifecycleState = "active"

	// StateDegraded means the source is impaired but still registered
	StateDegraded LifecycleState = "degraded"

	// StateDeprecated means the source is scheduled for removal
	StateDeprecated LifecycleState = "deprecated"

	// StateDecommissioned is the terminal state; pools are torn down
	StateDecommissioned LifecycleState = "decommissioned"
)

// lifecycleEdges is the transition table. A transition is legal only if the
// target state appears in the list for the current state; there is no way
// to skip validating on the way to active.
var lifecycleEdges = map[LifecycleState][]LifecycleState{
	StateDiscovered: {StateValidating, StateDecommissioned},
	StateValidating: {StateActive, StateDiscovered, StateDecommissioned},
	StateActive:     {StateDegraded, StateDeprecated, StateDecommissioned},
	StateDegraded:   {StateActive, StateDeprecated, StateDecommissioned},
	StateDeprecated: {StateDecommissioned},
	// StateDecommissioned is terminal
}

// CanTransition reports whether the lifecycle graph has an edge from -> to
func CanTransition(from, to LifecycleState) bool {
	for _, next := range lifecycleEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HealthSummary is the last-known health of a source, written by the health
// monitor and carried on the descriptor for read-only consumers.
type HealthSummary struct {
	State          string        `yaml:"state" json:"state"`
	LastProbeAt    time.Time     `yaml:"lastProbeAt,omitempty" json:"last_probe_at,omitempty"`
	LastLatency    time.Duration `yaml:"lastLatency,omitempty" json:"last_latency,omitempty"`
	LastTransition time.Time     `yaml:"lastTransition,omitempty" json:"last_transition,omitempty"`
}

// Descriptor is the catalog record for one external data source. The
// registry owns it; every other component holds the id and re-reads.
type Descriptor struct {
	// ID is the unique identifier assigned at registration
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable identifier, unique per registry
	Name string `yaml:"name" json:"name"`

	// Kind tags the source class
	Kind Kind `yaml:"kind" json:"kind"`

	// Address is the endpoint of the source (scheme://host[:port][/path])
	Address string `yaml:"address" json:"address"`

	// CredentialsRef names an externally managed credential; the registry
	// never stores secrets
	CredentialsRef string `yaml:"credentialsRef,omitempty" json:"credentials_ref,omitempty"`

	// TLSMode is the TLS policy for connections (disable, require, verify)
	TLSMode string `yaml:"tlsMode,omitempty" json:"tls_mode,omitempty"`

	// Capabilities declares supported operations
	Capabilities Capabilities `yaml:"capabilities" json:"capabilities"`

	// State is the lifecycle state, mutated only through Transition
	State LifecycleState `yaml:"state" json:"state"`

	// ParamVersion increments on every connection-parameter change and
	// doubles as the pool generation for this source
	ParamVersion uint64 `yaml:"paramVersion" json:"param_version"`

	// Health is the last-known health summary
	Health HealthSummary `yaml:"health,omitempty" json:"health,omitempty"`

	// CreatedAt is when the descriptor was registered
	CreatedAt time.Time `yaml:"createdAt" json:"created_at"`

	// UpdatedAt is when the descriptor was last mutated
	UpdatedAt time.Time `yaml:"updatedAt" json:"updated_at"`
}

// Patch is a partial descriptor update. Nil fields are left untouched.
type Patch struct {
	Name           *string       `json:"name,omitempty"`
	Address        *string       `json:"address,omitempty"`
	CredentialsRef *string       `json:"credentials_ref,omitempty"`
	TLSMode        *string       `json:"tls_mode,omitempty"`
	Capabilities   *Capabilities `json:"capabilities,omitempty"`
}

// touchesConnectionParams reports whether applying the patch changes any
// connection parameter, which invalidates pooled connections.
func (p *Patch) touchesConnectionParams(d *Descriptor) bool {
	if p.Address != nil && *p.Address != d.Address {
		return true
	}
	if p.CredentialsRef != nil && *p.CredentialsRef != d.CredentialsRef {
		return true
	}
	if p.TLSMode != nil && *p.TLSMode != d.TLSMode {
		return true
	}
	return false
}

// EventType classifies a registry change event
type EventType string

const (
	// EventRegistered means a new descriptor was created
	EventRegistered EventType = "registered"

	// EventUpdated means descriptor fields changed without touching
	// connection parameters
	EventUpdated EventType = "updated"

	// EventParamsChanged means connection parameters changed and the
	// source's pool generation was bumped
	EventParamsChanged EventType = "params-changed"

	// EventStateChanged means the lifecycle state moved along an edge
	EventStateChanged EventType = "state-changed"
)

// Event is emitted on every successful registry mutation. The descriptor
// is a copy valid only for the scope of handling the event.
type Event struct {
	Type       EventType
	Descriptor Descriptor
	At         time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind  Kind
	State LifecycleState
}

// Matches reports whether the descriptor satisfies the filter
func (f Filter) Matches(d *Descriptor) bool {
	if f.Kind != "" && d.Kind != f.Kind {
		return false
	}
	if f.State != "" && d.State != f.State {
		return false
	}
	return true
}
