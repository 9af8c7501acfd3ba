// Package store provides durable persistence for registry descriptors
// and schema snapshots, backed by the local filesystem or PostgreSQL.
package store

import (
	"context"
	"fmt"

	"github.com/datafabrix/fabric/internal/config"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/registry"
)

// Store is the combined persistence surface of the fabric: descriptor
// storage for the registry plus snapshot storage for the introspector.
type Store interface {
	registry.Store
	introspect.SnapshotStore

	// Ping verifies the backend is reachable
	Ping(ctx context.Context) error

	// Close releases backend resources
	Close()
}

// NewStore creates the storage backend selected by the configuration
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.GetStorageType() {
	case config.StorageTypeFile:
		return NewFileStore(cfg.Storage.DataDir)
	case config.StorageTypePostgres:
		return NewPostgresStore(ctx, cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}
