package kvdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tracehub/telemetryd/pkg/model"
	"github.com/tracehub/telemetryd/pkg/store"
)

func mkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func newResolverTestStore(t *testing.T) *store.Client {
	t.Helper()
	dir := t.TempDir()
	c, err := store.Open(context.Background(), store.Config{
		Path:        filepath.Join(dir, "traces.db"),
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestResolveUsesCachedBindingFirst(t *testing.T) {
	ctx := context.Background()
	st := newResolverTestStore(t)
	dir := t.TempDir()

	_, db := newCursorFixture(t, dir, "cached")
	putItem(t, db, "ItemTable", "aiService.generations", `[]`)

	resolver := NewResolver(st, dir, time.Second)
	workspaceHash := "deadbeefcafef00d"
	require.NoError(t, st.UpsertWorkspaceBinding(ctx, model.WorkspaceBinding{
		WorkspaceHash: workspaceHash,
		DatabasePath:  filepath.Join(dir, "cached"),
		ResolvedBy:    "cache",
	}))

	binding, err := resolver.Resolve(ctx, workspaceHash, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "cached"), binding.DatabasePath)
}

func TestResolveByHashMatchesDirectoryName(t *testing.T) {
	ctx := context.Background()
	st := newResolverTestStore(t)
	root := t.TempDir()

	workspacePath := "/home/dev/project"
	hash := WorkspaceHash(workspacePath)
	subdir := filepath.Join(root, hash)
	require.NoError(t, mkdirAll(subdir))

	newCursorFixture(t, subdir, "state.vscdb")

	resolver := NewResolver(st, root, time.Second)
	binding, err := resolver.Resolve(ctx, hash, workspacePath)
	require.NoError(t, err)
	require.Equal(t, "hash", binding.ResolvedBy)
	require.Equal(t, filepath.Join(subdir, "state.vscdb"), binding.DatabasePath)
}

func TestResolveByContentScanFindsWorkspacePathInValue(t *testing.T) {
	ctx := context.Background()
	st := newResolverTestStore(t)
	root := t.TempDir()

	subdir := filepath.Join(root, "some-unrelated-dir-name")
	require.NoError(t, mkdirAll(subdir))
	_, db := newCursorFixture(t, subdir, "state.vscdb")
	putItem(t, db, "ItemTable", "history.entries", `{"path":"/home/dev/other-project/main.go"}`)

	resolver := NewResolver(st, root, time.Second)
	binding, err := resolver.Resolve(ctx, "unknown-hash", "/home/dev/other-project")
	require.NoError(t, err)
	require.Equal(t, "content_scan", binding.ResolvedBy)
}

func TestResolveByRecencyPicksMostRecentGenerations(t *testing.T) {
	ctx := context.Background()
	st := newResolverTestStore(t)
	root := t.TempDir()

	oldDir := filepath.Join(root, "old")
	newDir := filepath.Join(root, "new")
	require.NoError(t, mkdirAll(oldDir))
	require.NoError(t, mkdirAll(newDir))

	_, oldDB := newCursorFixture(t, oldDir, "state.vscdb")
	putItem(t, oldDB, "ItemTable", "aiService.generations", `[{"unixMs":1000}]`)

	_, newDB := newCursorFixture(t, newDir, "state.vscdb")
	putItem(t, newDB, "ItemTable", "aiService.generations", `[{"unixMs":9000}]`)

	resolver := NewResolver(st, root, time.Second)
	binding, err := resolver.Resolve(ctx, "some-hash-with-no-match", "")
	require.NoError(t, err)
	require.Equal(t, "recency_fallback", binding.ResolvedBy)
	require.Equal(t, filepath.Join(newDir, "state.vscdb"), binding.DatabasePath)
}

func TestResolveReturnsNotFoundWhenNoCandidateMatches(t *testing.T) {
	ctx := context.Background()
	st := newResolverTestStore(t)
	root := t.TempDir()

	resolver := NewResolver(st, root, time.Second)
	_, err := resolver.Resolve(ctx, "missing", "/nowhere")
	require.ErrorIs(t, err, store.ErrWorkspaceBindingNotFound)
}
