package driver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/datafabrix/fabric/internal/registry"
)

// identifierPattern matches identifiers safe to interpolate into SQL.
// Anything else is rejected before a statement is built.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultRowLimit = 100

type relationalDriver struct{}

// NewRelationalDriver returns the driver for Postgres-wire relational sources
func NewRelationalDriver() Driver {
	return &relationalDriver{}
}

func (*relationalDriver) Kind() registry.Kind {
	return registry.KindRelational
}

func (*relationalDriver) Open(ctx context.Context, desc registry.Descriptor) (Conn, error) {
	dsn := desc.Address
	if desc.CredentialsRef != "" {
		password, err := ResolveCredential(desc.CredentialsRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid address: %v", ErrConnectionFailed, err)
		}
		cfg.Password = password
		conn, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, classifyPgError(err)
		}
		return &relationalConn{conn: conn}, nil
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, classifyPgError(err)
	}
	return &relationalConn{conn: conn}, nil
}

func classifyPgError(err error) error {
	// SQLSTATE 28xxx is invalid authorization; surface it as terminal so
	// the health monitor stops hammering the source.
	if strings.Contains(err.Error(), "SQLSTATE 28") {
		return fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

type relationalConn struct {
	conn *pgx.Conn
}

func (c *relationalConn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

func (c *relationalConn) Introspect(ctx context.Context, limit int) ([]Entity, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT c.relname,
		       GREATEST(c.reltuples::bigint, 0)
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'v', 'm')
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.relname
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.Name, &e.ApproxCount); err != nil {
			return nil, fmt.Errorf("failed to scan relation row: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relation listing failed: %w", err)
	}

	for i := range entities {
		fields, err := c.listColumns(ctx, entities[i].Name)
		if err != nil {
			return nil, err
		}
		entities[i].Fields = fields
	}
	return entities, nil
}

func (c *relationalConn) listColumns(ctx context.Context, table string) ([]Field, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var f Field
		if err := rows.Scan(&f.Name, &f.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column row: %w", err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func (c *relationalConn) Query(ctx context.Context, q Query) ([]Row, error) {
	if !identifierPattern.MatchString(q.Entity) {
		return nil, fmt.Errorf("invalid entity name: %q", q.Entity)
	}
	projection := "*"
	if len(q.Fields) > 0 {
		quoted := make([]string, 0, len(q.Fields))
		for _, f := range q.Fields {
			if !identifierPattern.MatchString(f) {
				return nil, fmt.Errorf("invalid field name: %q", f)
			}
			quoted = append(quoted, pgx.Identifier{f}.Sanitize())
		}
		projection = strings.Join(quoted, ", ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRowLimit
	}

	sql := fmt.Sprintf("SELECT %s FROM %s LIMIT $1", projection, pgx.Identifier{q.Entity}.Sanitize())
	rows, err := c.conn.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("sub-query failed: %w", err)
	}
	defer rows.Close()

	descs := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		row := make(Row, len(values))
		for i, v := range values {
			row[descs[i].Name] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *relationalConn) Close() error {
	return c.conn.Close(context.Background())
}
