package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafabrix/fabric/internal/driver"
	"github.com/datafabrix/fabric/internal/introspect"
	"github.com/datafabrix/fabric/internal/registry"
)

func testFileStore(t *testing.T) (Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	s, err := NewFileStore(dataDir)
	require.NoError(t, err)
	return s, dataDir
}

func storedDescriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:           "1f2e3d4c",
		Name:         "orders-db",
		Kind:         registry.KindRelational,
		Address:      "postgres://orders.internal:5432/orders",
		State:        registry.StateActive,
		ParamVersion: 3,
		Capabilities: registry.Capabilities{Queryable: true, Introspectable: true},
		Health:       registry.HealthSummary{State: "healthy"},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestFileStoreDescriptorRoundTrip(t *testing.T) {
	t.Parallel()

	s, _ := testFileStore(t)
	ctx := context.Background()
	d := storedDescriptor()

	require.NoError(t, s.SaveDescriptor(ctx, d))

	listed, err := s.ListDescriptors(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, d.ID, listed[0].ID)
	assert.Equal(t, d.Kind, listed[0].Kind)
	assert.Equal(t, d.State, listed[0].State)
	assert.Equal(t, d.ParamVersion, listed[0].ParamVersion)
	assert.Equal(t, d.Capabilities, listed[0].Capabilities)
	assert.Equal(t, "healthy", listed[0].Health.State)

	// Saving again overwrites rather than duplicating.
	d.State = registry.StateDegraded
	require.NoError(t, s.SaveDescriptor(ctx, d))
	listed, err = s.ListDescriptors(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, registry.StateDegraded, listed[0].State)

	require.NoError(t, s.DeleteDescriptor(ctx, d.ID))
	listed, err = s.ListDescriptors(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)

	// Deleting a missing entry is not an error.
	require.NoError(t, s.DeleteDescriptor(ctx, d.ID))
}

func TestFileStoreSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	s, _ := testFileStore(t)
	ctx := context.Background()

	snapshot := introspect.Snapshot{
		SourceID: "1f2e3d4c",
		Entities: []driver.Entity{
			{Name: "orders", Fields: []driver.Field{{Name: "id", Type: "integer"}}, ApproxCount: 42},
		},
		ContentHash:   "abc123",
		LastRefreshed: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveSnapshot(ctx, snapshot))

	listed, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, snapshot.SourceID, listed[0].SourceID)
	assert.Equal(t, snapshot.ContentHash, listed[0].ContentHash)
	require.Len(t, listed[0].Entities, 1)
	assert.Equal(t, int64(42), listed[0].Entities[0].ApproxCount)

	require.NoError(t, s.DeleteSnapshot(ctx, snapshot.SourceID))
	listed, err = s.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestFileStoreRejectsTraversalIDs(t *testing.T) {
	t.Parallel()

	s, _ := testFileStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		d := storedDescriptor()
		d.ID = id
		require.Error(t, s.SaveDescriptor(ctx, d), "id %q", id)
		require.Error(t, s.DeleteDescriptor(ctx, id), "id %q", id)
	}
}

func TestFileStoreSkipsForeignFiles(t *testing.T) {
	t.Parallel()

	s, dataDir := testFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveDescriptor(ctx, storedDescriptor()))

	// Leftover temp files and non-JSON files are ignored.
	sourcesDir := filepath.Join(dataDir, "sources")
	require.NoError(t, os.WriteFile(filepath.Join(sourcesDir, "x.json.tmp"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(sourcesDir, "README"), []byte("notes"), 0o600))

	listed, err := s.ListDescriptors(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestFileStoreCorruptEntry(t *testing.T) {
	t.Parallel()

	s, dataDir := testFileStore(t)
	ctx := context.Background()

	path := filepath.Join(dataDir, "sources", "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := s.ListDescriptors(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt entry")
}

func TestFileStorePing(t *testing.T) {
	t.Parallel()

	s, dataDir := testFileStore(t)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, os.RemoveAll(filepath.Join(dataDir, "sources")))
	require.Error(t, s.Ping(context.Background()))
}

func TestNewFileStoreRequiresDataDir(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore("")
	require.Error(t, err)
}
