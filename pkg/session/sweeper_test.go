package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/model"
	"github.com/tracehub/telemetryd/pkg/store"
)

func TestSweepOnceEndsTimedOutSessions(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(), store.Config{
		Path:        filepath.Join(dir, "traces.db"),
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	defer st.Close()

	var deactivated []model.Session
	m := NewManager(st, func(s model.Session) { deactivated = append(deactivated, s) })
	ctx := context.Background()

	stale, err := m.Start(ctx, config.PlatformClaude, "stale", "hash-1", "", time.Now().Add(-25*time.Hour), nil)
	require.NoError(t, err)
	_ = stale

	fresh, err := m.Start(ctx, config.PlatformClaude, "fresh", "hash-2", "", time.Now(), nil)
	require.NoError(t, err)
	_ = fresh

	sw := NewSweeper(m, config.PlatformClaude, 24*time.Hour, time.Hour)
	sw.sweepOnce(ctx)

	_, staleStillActive := m.Lookup(config.PlatformClaude, "stale", "hash-1")
	assert.False(t, staleStillActive)

	_, freshStillActive := m.Lookup(config.PlatformClaude, "fresh", "hash-2")
	assert.True(t, freshStillActive)

	require.Len(t, deactivated, 1)
	assert.Equal(t, config.EndReasonTimeout, deactivated[0].EndReason)
}

func TestSweepOnceIgnoresOtherPlatforms(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(), store.Config{
		Path:        filepath.Join(dir, "traces.db"),
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	defer st.Close()

	m := NewManager(st, nil)
	ctx := context.Background()

	_, err = m.Start(ctx, config.PlatformCursor, "", "hash-1", "", time.Now().Add(-25*time.Hour), nil)
	require.NoError(t, err)

	sw := NewSweeper(m, config.PlatformClaude, 24*time.Hour, time.Hour)
	sw.sweepOnce(ctx)

	_, stillActive := m.Lookup(config.PlatformCursor, "anything", "hash-1")
	assert.True(t, stillActive, "sweeper for one platform must not touch another platform's sessions")
}
