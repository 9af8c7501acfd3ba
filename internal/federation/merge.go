package federation

import (
	"fmt"

	"github.com/datafabrix/fabric/internal/driver"
)

// subResult is one source's contribution to a federated result
type subResult struct {
	sourceID string
	rows     []driver.Row
}

// mergeRows combines per-source rows according to the merge spec
func mergeRows(spec MergeSpec, results []subResult) ([]driver.Row, error) {
	switch spec.Strategy {
	case MergeUnion:
		return mergeUnion(results), nil
	case MergeJoin:
		return mergeJoin(spec, results), nil
	case MergeAggregate:
		return mergeAggregate(spec, results)
	}
	return nil, fmt.Errorf("unknown merge strategy: %s", spec.Strategy)
}

// mergeUnion concatenates rows in source order; no dedup beyond what the
// sources themselves guarantee.
func mergeUnion(results []subResult) []driver.Row {
	var out []driver.Row
	for _, r := range results {
		out = append(out, r.rows...)
	}
	return out
}

// mergeJoin hash-joins all sources on the declared key, folding left to
// right. Unmatched rows are dropped unless an outer join is requested,
// in which case unmatched build-side rows survive.
func mergeJoin(spec MergeSpec, results []subResult) []driver.Row {
	if len(results) == 0 {
		return nil
	}

	joined := results[0].rows
	for _, next := range results[1:] {
		probe := make(map[any][]driver.Row)
		for _, row := range next.rows {
			key, ok := row[spec.Key]
			if !ok {
				continue
			}
			probe[key] = append(probe[key], row)
		}

		var folded []driver.Row
		for _, left := range joined {
			key, ok := left[spec.Key]
			if !ok {
				if spec.Outer {
					folded = append(folded, left)
				}
				continue
			}
			matches := probe[key]
			if len(matches) == 0 {
				if spec.Outer {
					folded = append(folded, left)
				}
				continue
			}
			for _, right := range matches {
				folded = append(folded, combineRows(left, right))
			}
		}
		joined = folded
	}
	return joined
}

// combineRows merges two matched rows; left-side values win on collision
func combineRows(left, right driver.Row) driver.Row {
	out := make(driver.Row, len(left)+len(right))
	for k, v := range right {
		out[k] = v
	}
	for k, v := range left {
		out[k] = v
	}
	return out
}

// mergeAggregate computes a per-source partial aggregate and combines
// the partials with the associative op. The result is a single row.
func mergeAggregate(spec MergeSpec, results []subResult) ([]driver.Row, error) {
	agg := spec.Aggregate

	var combined float64
	initialized := false
	for _, r := range results {
		partial, counted, err := partialAggregate(agg, r.rows)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", r.sourceID, err)
		}
		if !counted {
			continue
		}
		if !initialized {
			combined = partial
			initialized = true
			continue
		}
		switch agg.Op {
		case AggSum, AggCount:
			combined += partial
		case AggMin:
			if partial < combined {
				combined = partial
			}
		case AggMax:
			if partial > combined {
				combined = partial
			}
		}
	}

	if !initialized {
		combined = 0
		if agg.Op == AggMin || agg.Op == AggMax {
			return []driver.Row{}, nil
		}
	}

	name := string(agg.Op)
	if agg.Field != "" {
		name = fmt.Sprintf("%s_%s", agg.Op, agg.Field)
	}
	return []driver.Row{{name: combined}}, nil
}

// partialAggregate computes one source's partial. counted is false when
// the source contributed no aggregatable rows.
func partialAggregate(agg *AggregateSpec, rows []driver.Row) (float64, bool, error) {
	if agg.Op == AggCount {
		return float64(len(rows)), true, nil
	}

	var acc float64
	seen := false
	for _, row := range rows {
		raw, ok := row[agg.Field]
		if !ok {
			continue
		}
		value, err := toFloat(raw)
		if err != nil {
			return 0, false, fmt.Errorf("field %s: %w", agg.Field, err)
		}
		if !seen {
			acc = value
			seen = true
			continue
		}
		switch agg.Op {
		case AggSum:
			acc += value
		case AggMin:
			if value < acc {
				acc = value
			}
		case AggMax:
			if value > acc {
				acc = value
			}
		}
	}
	return acc, seen, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
}
