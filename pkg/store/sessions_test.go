package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/model"
)

func TestUpsertSessionAssignsInternalIDAndRoundTrips(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	s := &model.Session{
		ExternalID:    "sess-1",
		Platform:      config.PlatformClaude,
		WorkspaceHash: "hash-1",
		StartedAt:     time.Now(),
		Metadata:      model.Metadata{"source": "jsonl_monitor"},
	}
	require.NoError(t, c.UpsertSession(ctx, s))
	require.NotZero(t, s.InternalID)

	active, err := c.ActiveSessions(ctx, config.PlatformClaude)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sess-1", active[0].ExternalID)
	assert.True(t, active[0].IsActive())
}

func TestEndSessionIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	s := &model.Session{
		ExternalID:    "sess-1",
		Platform:      config.PlatformCursor,
		WorkspaceHash: "hash-1",
		StartedAt:     time.Now(),
	}
	require.NoError(t, c.UpsertSession(ctx, s))

	now := time.Now()
	require.NoError(t, c.EndSession(ctx, s.InternalID, now, config.EndReasonNormal))
	require.NoError(t, c.EndSession(ctx, s.InternalID, now.Add(time.Minute), config.EndReasonTimeout))

	active, err := c.ActiveSessions(ctx, config.PlatformCursor)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestWorkspaceBindingUpsertAndLookup(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, found, err := c.WorkspaceBinding(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	b := model.WorkspaceBinding{
		WorkspaceHash: "hash-1",
		WorkspacePath: "/home/dev/proj",
		DatabasePath:  "/home/dev/.config/Cursor/User/workspaceStorage/hash-1/state.vscdb",
		ResolvedAt:    time.Now(),
		ResolvedBy:    "hash",
	}
	require.NoError(t, c.UpsertWorkspaceBinding(ctx, b))

	got, found, err := c.WorkspaceBinding(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, b.DatabasePath, got.DatabasePath)
}
