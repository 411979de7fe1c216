package transcript

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/eventbus"
	"github.com/tracehub/telemetryd/pkg/model"
)

func newWatcherTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	ctx := context.Background()

	addr := os.Getenv("CI_REDIS_ADDR")
	if addr == "" {
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(container); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})
		connStr, err := container.ConnectionString(ctx)
		require.NoError(t, err)
		opts, err := goredis.ParseURL(connStr)
		require.NoError(t, err)
		client := goredis.NewClient(opts)
		t.Cleanup(func() { client.Close() })
		return eventbus.NewFromClient(client)
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return eventbus.NewFromClient(client)
}

type fakeSessionSource struct {
	sessions []model.Session
}

func (f fakeSessionSource) Active() []model.Session { return f.sessions }

func TestPollOnceEmitsOneEventPerNewLine(t *testing.T) {
	ctx := context.Background()
	bus := newWatcherTestBus(t)
	stream := "test:transcript:" + t.Name()

	root := t.TempDir()
	dir := filepath.Join(root, projectDirName("/u/a/proj"))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	jsonlPath := filepath.Join(dir, "S1.jsonl")
	require.NoError(t, os.WriteFile(jsonlPath, []byte(
		`{"type":"user","uuid":"U1"}`+"\n"+
			`{"type":"assistant","uuid":"A1"}`+"\n",
	), 0o644))

	sessions := fakeSessionSource{sessions: []model.Session{{
		ExternalID:    "S1",
		Platform:      config.PlatformClaude,
		WorkspaceHash: "hash-1",
		WorkspacePath: "/u/a/proj",
	}}}

	limit := config.StreamConfig{MaxLength: 1000, TrimApproximate: true}
	w := New(root, time.Minute, bus, stream, limit, sessions)
	w.PollOnce(ctx)

	require.NoError(t, bus.EnsureGroup(ctx, stream, "test-group"))
	msgs, err := bus.ReadGroup(ctx, stream, "test-group", "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	event, err := eventbus.DecodeEvent(msgs[0])
	require.NoError(t, err)
	require.Equal(t, config.PlatformClaude, event.Platform)
	require.Equal(t, "S1", event.SessionID)
	require.Equal(t, "hash-1", event.Metadata.WorkspaceHash())
	require.Equal(t, "proj", event.Metadata.ProjectName())

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Contains(t, decoded, "entry_data")

	// Second poll with no file changes must not re-emit.
	w.PollOnce(ctx)
	msgs, err = bus.ReadGroup(ctx, stream, "test-group", "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 0)
}

func TestPollOnceSkipsSessionWhoseDirectoryIsMissing(t *testing.T) {
	ctx := context.Background()
	bus := newWatcherTestBus(t)
	stream := "test:transcript:" + t.Name()

	root := t.TempDir()
	sessions := fakeSessionSource{sessions: []model.Session{{
		ExternalID:    "ghost",
		Platform:      config.PlatformClaude,
		WorkspaceHash: "hash-1",
		WorkspacePath: "/nowhere/at/all",
	}}}

	limit := config.StreamConfig{MaxLength: 1000, TrimApproximate: true}
	w := New(root, time.Minute, bus, stream, limit, sessions)
	require.NotPanics(t, func() { w.PollOnce(ctx) })
}
