package introspect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/datafabrix/fabric/internal/driver"
)

// Snapshot is the cached structural metadata of one source: its ordered
// entity list, a content hash for change detection, and freshness times.
type Snapshot struct {
	SourceID      string          `json:"source_id" yaml:"sourceId"`
	Entities      []driver.Entity `json:"entities" yaml:"entities"`
	ContentHash   string          `json:"content_hash" yaml:"contentHash"`
	LastRefreshed time.Time       `json:"last_refreshed" yaml:"lastRefreshed"`
}

// Entity returns the named entity, if present
func (s *Snapshot) Entity(name string) (driver.Entity, bool) {
	for _, e := range s.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return driver.Entity{}, false
}

// HasFields reports whether the named entity declares every listed field.
// Sources with schemaless listings (no declared fields) satisfy any
// projection.
func (s *Snapshot) HasFields(entity string, fields []string) bool {
	e, ok := s.Entity(entity)
	if !ok {
		return false
	}
	if len(e.Fields) == 0 {
		return true
	}
	declared := make(map[string]bool, len(e.Fields))
	for _, f := range e.Fields {
		declared[f.Name] = true
	}
	for _, f := range fields {
		if !declared[f] {
			return false
		}
	}
	return true
}

// normalizeEntities sorts entities and their fields so the content hash
// is independent of listing order.
func normalizeEntities(entities []driver.Entity) []driver.Entity {
	out := make([]driver.Entity, len(entities))
	copy(out, entities)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := range out {
		fields := make([]driver.Field, len(out[i].Fields))
		copy(fields, out[i].Fields)
		sort.Slice(fields, func(a, b int) bool { return fields[a].Name < fields[b].Name })
		out[i].Fields = fields
	}
	return out
}

// hashEntities computes the content hash over the normalized entity list.
// Approximate counts are excluded so row-count drift alone does not look
// like a schema change.
func hashEntities(entities []driver.Entity) string {
	type hashedField struct {
		Name string `json:"n"`
		Type string `json:"t"`
	}
	type hashedEntity struct {
		Name   string        `json:"n"`
		Fields []hashedField `json:"f"`
	}

	hashed := make([]hashedEntity, 0, len(entities))
	for _, e := range entities {
		he := hashedEntity{Name: e.Name}
		for _, f := range e.Fields {
			he.Fields = append(he.Fields, hashedField{Name: f.Name, Type: f.Type})
		}
		hashed = append(hashed, he)
	}

	payload, _ := json.Marshal(hashed)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
