package federation

import (
	"errors"
	"fmt"
	"time"

	"github.com/datafabrix/fabric/internal/driver"
)

// Sentinel errors surfaced by the router
var (
	// ErrSchemaMismatch means a referenced entity or field is absent from
	// a source's cached schema
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrSourceUnavailable means a named source is missing, not active,
	// or unhealthy
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrPartialFailure marks a best-effort result that carries
	// per-source errors alongside data
	ErrPartialFailure = errors.New("partial failure")
)

// Mode selects the partial-failure policy
type Mode string

const (
	// ModeBestEffort returns partial data plus per-source errors
	ModeBestEffort Mode = "best-effort"

	// ModeFailFast aborts on the first sub-query failure and cancels the
	// rest
	ModeFailFast Mode = "fail-fast"
)

// MergeStrategy selects how per-source rows combine
type MergeStrategy string

const (
	// MergeUnion concatenates rows; no dedup beyond source-declared
	// uniqueness
	MergeUnion MergeStrategy = "union"

	// MergeJoin hash-joins rows on a declared key field
	MergeJoin MergeStrategy = "join"

	// MergeAggregate combines per-source partial aggregates
	MergeAggregate MergeStrategy = "aggregate"
)

// AggregateOp is an associative, commutative combiner
type AggregateOp string

const (
	// AggSum sums a numeric field
	AggSum AggregateOp = "sum"

	// AggCount counts rows
	AggCount AggregateOp = "count"

	// AggMin takes the minimum of a numeric field
	AggMin AggregateOp = "min"

	// AggMax takes the maximum of a numeric field
	AggMax AggregateOp = "max"
)

// AggregateSpec names the combiner and its field
type AggregateSpec struct {
	Op    AggregateOp `json:"op"`
	Field string      `json:"field,omitempty"`
}

// MergeSpec is the declared merge strategy of a logical query
type MergeSpec struct {
	Strategy MergeStrategy `json:"strategy"`

	// Key is the join key field; required for join
	Key string `json:"key,omitempty"`

	// Outer keeps unmatched rows in a join instead of dropping them
	Outer bool `json:"outer,omitempty"`

	// Aggregate parameterizes the aggregate strategy
	Aggregate *AggregateSpec `json:"aggregate,omitempty"`
}

// Query is one logical federated query naming its target sources
type Query struct {
	// Sources are registry descriptor ids
	Sources []string `json:"sources"`

	// Entity is the logical entity read on every source
	Entity string `json:"entity"`

	// Fields projects the result; empty means all
	Fields []string `json:"fields,omitempty"`

	// Limit caps rows per source
	Limit int `json:"limit,omitempty"`

	// Merge declares the merge strategy
	Merge MergeSpec `json:"merge"`

	// Mode selects best-effort or fail-fast; defaults to best-effort
	Mode Mode `json:"mode,omitempty"`

	// Deadline bounds the whole query; zero applies the configured
	// default
	Deadline time.Duration `json:"deadline,omitempty"`
}

func (q *Query) validate() error {
	if len(q.Sources) == 0 {
		return fmt.Errorf("query must name at least one source")
	}
	if q.Entity == "" {
		return fmt.Errorf("query must name an entity")
	}
	switch q.Merge.Strategy {
	case MergeUnion:
	case MergeJoin:
		if q.Merge.Key == "" {
			return fmt.Errorf("join merge requires a key field")
		}
	case MergeAggregate:
		if q.Merge.Aggregate == nil {
			return fmt.Errorf("aggregate merge requires an aggregate spec")
		}
		switch q.Merge.Aggregate.Op {
		case AggCount:
		case AggSum, AggMin, AggMax:
			if q.Merge.Aggregate.Field == "" {
				return fmt.Errorf("aggregate op %s requires a field", q.Merge.Aggregate.Op)
			}
		default:
			return fmt.Errorf("unknown aggregate op: %s", q.Merge.Aggregate.Op)
		}
	default:
		return fmt.Errorf("unknown merge strategy: %s", q.Merge.Strategy)
	}
	switch q.Mode {
	case "", ModeBestEffort, ModeFailFast:
	default:
		return fmt.Errorf("unknown mode: %s", q.Mode)
	}
	return nil
}

// SourceError is one sub-query failure carried as data
type SourceError struct {
	SourceID string `json:"source_id"`
	Error    string `json:"error"`
}

// Result is a federated query result: merged rows plus the per-source
// error list. Row ordering across sources is not guaranteed.
type Result struct {
	Rows    []driver.Row  `json:"rows"`
	Errors  []SourceError `json:"errors,omitempty"`
	Sources []string      `json:"sources"`
	Elapsed time.Duration `json:"elapsed"`
}
