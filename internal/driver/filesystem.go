package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/datafabrix/fabric/internal/registry"
)

type fileSystemDriver struct{}

// NewFileSystemDriver returns the driver for locally mounted file trees.
// Addresses use the form file:///abs/path; top-level directories are the
// entities and their files the rows.
func NewFileSystemDriver() Driver {
	return &fileSystemDriver{}
}

func (*fileSystemDriver) Kind() registry.Kind {
	return registry.KindFileSystem
}

func (*fileSystemDriver) Open(_ context.Context, desc registry.Descriptor) (Conn, error) {
	root := strings.TrimPrefix(desc.Address, "file://")
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrConnectionFailed, root)
	}
	return &fileSystemConn{root: root}, nil
}

type fileSystemConn struct {
	root string
}

// fileFields is the fixed shape of file listings
var fileFields = []Field{
	{Name: "name", Type: "string"},
	{Name: "size", Type: "integer"},
	{Name: "modified", Type: "timestamp"},
}

func (c *fileSystemConn) Ping(_ context.Context) error {
	if _, err := os.Stat(c.root); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

func (c *fileSystemConn) Introspect(_ context.Context, limit int) ([]Entity, error) {
	dirEntries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read root directory: %w", err)
	}

	var entities []Entity
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		if len(entities) >= limit {
			break
		}
		count := int64(0)
		if children, err := os.ReadDir(filepath.Join(c.root, de.Name())); err == nil {
			count = int64(len(children))
		}
		entities = append(entities, Entity{
			Name:        de.Name(),
			Fields:      fileFields,
			ApproxCount: count,
		})
	}
	return entities, nil
}

func (c *fileSystemConn) Query(_ context.Context, q Query) ([]Row, error) {
	// Entity names come from introspection, but re-check anyway so a
	// crafted entity cannot escape the root.
	entity := filepath.Clean(q.Entity)
	if entity == ".." || strings.HasPrefix(entity, "../") || filepath.IsAbs(entity) {
		return nil, fmt.Errorf("invalid entity name: %q", q.Entity)
	}

	dir := filepath.Join(c.root, entity)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity directory %s: %w", q.Entity, err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultRowLimit
	}

	var rows []Row
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if len(rows) >= limit {
			break
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		row := Row{
			"name":     de.Name(),
			"size":     info.Size(),
			"modified": info.ModTime(),
		}
		rows = append(rows, projectRow(row, q.Fields))
	}
	return rows, nil
}

func (*fileSystemConn) Close() error {
	return nil
}
