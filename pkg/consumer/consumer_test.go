package consumer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/tracehub/telemetryd/pkg/cdc"
	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/eventbus"
	"github.com/tracehub/telemetryd/pkg/model"
	"github.com/tracehub/telemetryd/pkg/store"
)

func newConsumerTestBus(t *testing.T) *eventbus.Bus {
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

func newConsumerTestStore(t *testing.T) *store.Client {
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

func testBatching() config.BatchingConfig {
	return config.BatchingConfig{
		DefaultSize:    5,
		DefaultTimeout: 50 * time.Millisecond,
		MaxSize:        50,
		MinSize:        1,
		TargetLatency:  10 * time.Millisecond,
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestClaudeConsumerPersistsKeptEventsAndAcks(t *testing.T) {
	ctx := context.Background()
	bus := newConsumerTestBus(t)
	st := newConsumerTestStore(t)
	publisher := cdc.New(bus, config.StreamConfig{MaxLength: 1000, TrimApproximate: true})

	cfg := config.Config{
		Streams: config.StreamsConfig{DLQ: config.StreamConfig{MaxLength: 1000, TrimApproximate: true}},
		Batching: testBatching(),
	}
	c := NewClaudeConsumer(bus, st, publisher, cfg, "test-consumer-1")
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	event := model.RawEvent{
		EventID:   "evt-claude-1",
		SessionID: "sess-1",
		Platform:  config.PlatformClaude,
		EventType: model.EventTypeAssistantMessage,
		HookType:  "JSONLTrace",
		Timestamp: time.Now().UTC(),
		Metadata:  model.Metadata{"workspace_hash": "ws-1", "project_name": "proj", "source": "jsonl_monitor"},
		Payload:   []byte(`{"entry_data": {"uuid": "u1", "message": {"role": "assistant", "model": "claude-x"}}}`),
	}
	_, err := bus.Publish(ctx, eventbus.StreamEvents, config.StreamConfig{MaxLength: 1000, TrimApproximate: true}, event)
	require.NoError(t, err)

	waitForCondition(t, 5*time.Second, func() bool {
		r, err := st.DB().QueryContext(ctx, "SELECT uuid FROM claude_raw_traces WHERE event_id = ?", "evt-claude-1")
		if err != nil {
			return false
		}
		defer r.Close()
		found := false
		for r.Next() {
			found = true
		}
		return found
	})

	summary, err := bus.Pending(ctx, eventbus.StreamEvents, "claude-transcript-consumers")
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.Count)
}

func TestClaudeConsumerFiltersOutNonTranscriptEvents(t *testing.T) {
	ctx := context.Background()
	bus := newConsumerTestBus(t)
	st := newConsumerTestStore(t)
	publisher := cdc.New(bus, config.StreamConfig{MaxLength: 1000, TrimApproximate: true})

	cfg := config.Config{
		Streams: config.StreamsConfig{DLQ: config.StreamConfig{MaxLength: 1000, TrimApproximate: true}},
		Batching: testBatching(),
	}
	c := NewClaudeConsumer(bus, st, publisher, cfg, "test-consumer-2")
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	event := model.RawEvent{
		EventID:   "evt-cursor-1",
		Platform:  config.PlatformCursor,
		EventType: model.EventTypeGeneration,
		Timestamp: time.Now().UTC(),
		Metadata:  model.Metadata{"workspace_hash": "ws-1"},
		Payload:   []byte(`{"full_data": {}}`),
	}
	_, err := bus.Publish(ctx, eventbus.StreamEvents, config.StreamConfig{MaxLength: 1000, TrimApproximate: true}, event)
	require.NoError(t, err)

	waitForCondition(t, 5*time.Second, func() bool {
		summary, err := bus.Pending(ctx, eventbus.StreamEvents, "claude-transcript-consumers")
		return err == nil && summary.Count == 0
	})

	row := st.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM claude_raw_traces WHERE event_id = ?", "evt-cursor-1")
	var count int
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count, "a cursor-platform event must never land in the claude trace table")
}

func TestCursorConsumerPersistsKeptEvents(t *testing.T) {
	ctx := context.Background()
	bus := newConsumerTestBus(t)
	st := newConsumerTestStore(t)
	publisher := cdc.New(bus, config.StreamConfig{MaxLength: 1000, TrimApproximate: true})

	cfg := config.Config{
		Streams: config.StreamsConfig{DLQ: config.StreamConfig{MaxLength: 1000, TrimApproximate: true}},
		Batching: testBatching(),
	}
	c := NewCursorConsumer(bus, st, publisher, cfg, "test-consumer-3")
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	event := model.RawEvent{
		EventID:   "evt-cursor-2",
		Platform:  config.PlatformCursor,
		EventType: model.EventTypeGeneration,
		Timestamp: time.Now().UTC(),
		Metadata:  model.Metadata{"workspace_hash": "ws-1", "storage_level": "workspace", "database_table": "ItemTable", "item_key": "aiService.generations"},
		Payload:   []byte(`{"full_data": {"generationUUID": "gen-1", "model": "gpt-x"}}`),
	}
	_, err := bus.Publish(ctx, eventbus.StreamEvents, config.StreamConfig{MaxLength: 1000, TrimApproximate: true}, event)
	require.NoError(t, err)

	waitForCondition(t, 5*time.Second, func() bool {
		row := st.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM cursor_raw_traces WHERE event_id = ?", "evt-cursor-2")
		var count int
		if err := row.Scan(&count); err != nil {
			return false
		}
		return count == 1
	})
}
