package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datafabrix/fabric/internal/config"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/registry"
)

// postgresStore persists descriptors and snapshots in PostgreSQL.
// Scalar descriptor attributes map to typed columns; capabilities,
// health, and entity lists are JSONB.
type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and verifies the connection
func NewPostgresStore(ctx context.Context, cfg *config.DatabaseConfig) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required for postgres storage")
	}

	connStr, err := cfg.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connection established",
		"host", cfg.Host, "port", cfg.Port, "database", cfg.Database)

	return &postgresStore{pool: pool}, nil
}

const upsertDescriptorSQL = `
INSERT INTO sources (
	id, name, kind, address, credentials_ref, tls_mode,
	capabilities, state, param_version, health, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	kind = EXCLUDED.kind,
	address = EXCLUDED.address,
	credentials_ref = EXCLUDED.credentials_ref,
	tls_mode = EXCLUDED.tls_mode,
	capabilities = EXCLUDED.capabilities,
	state = EXCLUDED.state,
	param_version = EXCLUDED.param_version,
	health = EXCLUDED.health,
	updated_at = EXCLUDED.updated_at`

// SaveDescriptor upserts one descriptor row
func (p *postgresStore) SaveDescriptor(ctx context.Context, d registry.Descriptor) error {
	capabilities, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities for '%s': %w", d.ID, err)
	}
	health, err := json.Marshal(d.Health)
	if err != nil {
		return fmt.Errorf("failed to marshal health for '%s': %w", d.ID, err)
	}

	_, err = p.pool.Exec(ctx, upsertDescriptorSQL,
		d.ID, d.Name, string(d.Kind), d.Address, d.CredentialsRef, d.TLSMode,
		capabilities, string(d.State), int64(d.ParamVersion), health, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save descriptor '%s': %w", d.ID, err)
	}
	return nil
}

// DeleteDescriptor removes a descriptor row; a missing row is not an
// error.
func (p *postgresStore) DeleteDescriptor(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete descriptor '%s': %w", id, err)
	}
	return nil
}

// ListDescriptors loads every descriptor row
func (p *postgresStore) ListDescriptors(ctx context.Context) ([]registry.Descriptor, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, kind, address, credentials_ref, tls_mode,
		       capabilities, state, param_version, health, created_at, updated_at
		FROM sources`)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	defer rows.Close()

	var out []registry.Descriptor
	for rows.Next() {
		var d registry.Descriptor
		var kind, state string
		var capabilities, health []byte
		var paramVersion int64
		if err := rows.Scan(&d.ID, &d.Name, &kind, &d.Address, &d.CredentialsRef, &d.TLSMode,
			&capabilities, &state, &paramVersion, &health, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan descriptor row: %w", err)
		}
		d.Kind = registry.Kind(kind)
		d.State = registry.LifecycleState(state)
		d.ParamVersion = uint64(paramVersion)
		if err := json.Unmarshal(capabilities, &d.Capabilities); err != nil {
			return nil, fmt.Errorf("corrupt capabilities for '%s': %w", d.ID, err)
		}
		if err := json.Unmarshal(health, &d.Health); err != nil {
			return nil, fmt.Errorf("corrupt health for '%s': %w", d.ID, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	return out, nil
}

const upsertSnapshotSQL = `
INSERT INTO schema_snapshots (source_id, entities, content_hash, last_refreshed)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_id) DO UPDATE SET
	entities = EXCLUDED.entities,
	content_hash = EXCLUDED.content_hash,
	last_refreshed = EXCLUDED.last_refreshed`

// SaveSnapshot upserts one snapshot row
func (p *postgresStore) SaveSnapshot(ctx context.Context, s introspect.Snapshot) error {
	entities, err := json.Marshal(s.Entities)
	if err != nil {
		return fmt.Errorf("failed to marshal entities for '%s': %w", s.SourceID, err)
	}
	_, err = p.pool.Exec(ctx, upsertSnapshotSQL, s.SourceID, entities, s.ContentHash, s.LastRefreshed)
	if err != nil {
		return fmt.Errorf("failed to save snapshot '%s': %w", s.SourceID, err)
	}
	return nil
}

// DeleteSnapshot removes a snapshot row; a missing row is not an error
func (p *postgresStore) DeleteSnapshot(ctx context.Context, sourceID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM schema_snapshots WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("failed to delete snapshot '%s': %w", sourceID, err)
	}
	return nil
}

// ListSnapshots loads every snapshot row
func (p *postgresStore) ListSnapshots(ctx context.Context) ([]introspect.Snapshot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT source_id, entities, content_hash, last_refreshed
		FROM schema_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (introspect.Snapshot, error) {
		var s introspect.Snapshot
		var entities []byte
		if err := row.Scan(&s.SourceID, &entities, &s.ContentHash, &s.LastRefreshed); err != nil {
			return s, err
		}
		if err := json.Unmarshal(entities, &s.Entities); err != nil {
			return s, fmt.Errorf("corrupt entities for '%s': %w", s.SourceID, err)
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return out, nil
}

// Ping verifies the database connection is still alive
func (p *postgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the connection pool
func (p *postgresStore) Close() {
	slog.Info("Closing database connection")
	p.pool.Close()
}
