package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/registry"
)

const (
	sourcesDirName   = "sources"
	snapshotsDirName = "snapshots"
)

// fileStore persists descriptors and snapshots as one JSON file each
// under a data directory. Writes go through a temp file and rename so a
// crash never leaves a half-written file behind.
type fileStore struct {
	sourcesDir   string
	snapshotsDir string
}

// NewFileStore creates a filesystem-backed store rooted at dataDir
func NewFileStore(dataDir string) (Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required for file storage")
	}

	sourcesDir := filepath.Join(dataDir, sourcesDirName)
	snapshotsDir := filepath.Join(dataDir, snapshotsDirName)
	for _, dir := range []string{sourcesDir, snapshotsDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory '%s': %w", dir, err)
		}
	}

	return &fileStore{
		sourcesDir:   sourcesDir,
		snapshotsDir: snapshotsDir,
	}, nil
}

// SaveDescriptor writes one descriptor file atomically
func (f *fileStore) SaveDescriptor(_ context.Context, d registry.Descriptor) error {
	path, err := entryPath(f.sourcesDir, d.ID)
	if err != nil {
		return err
	}
	return writeJSONAtomic(path, d)
}

// DeleteDescriptor removes a descriptor file; deleting a missing entry
// is not an error.
func (f *fileStore) DeleteDescriptor(_ context.Context, id string) error {
	path, err := entryPath(f.sourcesDir, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete descriptor '%s': %w", id, err)
	}
	return nil
}

// ListDescriptors loads every descriptor file in the data directory
func (f *fileStore) ListDescriptors(_ context.Context) ([]registry.Descriptor, error) {
	var out []registry.Descriptor
	err := readJSONDir(f.sourcesDir, func(data []byte) error {
		var d registry.Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	return out, nil
}

// SaveSnapshot writes one snapshot file atomically
func (f *fileStore) SaveSnapshot(_ context.Context, s introspect.Snapshot) error {
	path, err := entryPath(f.snapshotsDir, s.SourceID)
	if err != nil {
		return err
	}
	return writeJSONAtomic(path, s)
}

// DeleteSnapshot removes a snapshot file; deleting a missing entry is
// not an error.
func (f *fileStore) DeleteSnapshot(_ context.Context, sourceID string) error {
	path, err := entryPath(f.snapshotsDir, sourceID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot '%s': %w", sourceID, err)
	}
	return nil
}

// ListSnapshots loads every snapshot file in the data directory
func (f *fileStore) ListSnapshots(_ context.Context) ([]introspect.Snapshot, error) {
	var out []introspect.Snapshot
	err := readJSONDir(f.snapshotsDir, func(data []byte) error {
		var s introspect.Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return out, nil
}

// Ping verifies the data directories are still accessible
func (f *fileStore) Ping(_ context.Context) error {
	for _, dir := range []string{f.sourcesDir, f.snapshotsDir} {
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("storage directory '%s' is not accessible: %w", dir, err)
		}
	}
	return nil
}

// Close is a no-op for file storage
func (*fileStore) Close() {}

// entryPath maps an id to its JSON file, rejecting ids that would
// escape the directory.
func entryPath(dir, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || id != filepath.Base(id) {
		return "", fmt.Errorf("invalid storage id: %q", id)
	}
	return filepath.Join(dir, id+".json"), nil
}

// writeJSONAtomic marshals v and writes it via temp file plus rename
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entry for '%s': %w", path, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file for '%s': %w", path, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename '%s' into place: %w", path, err)
	}
	return nil
}

// readJSONDir feeds every .json file in dir to decode. A missing
// directory yields no entries. Temp files left by interrupted writes
// are skipped.
func readJSONDir(dir string, decode func([]byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		// #nosec G304 -- path is constructed from the trusted data directory
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := decode(data); err != nil {
			return fmt.Errorf("corrupt entry '%s': %w", entry.Name(), err)
		}
	}
	return nil
}
