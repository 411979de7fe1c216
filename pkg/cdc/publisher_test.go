package cdc

import (
	"context"
	"os"
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

func newTestBus(t *testing.T) *eventbus.Bus {
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

func TestNotifyFromTracePublishesToStream(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx, eventbus.StreamCDC, "test-readers"))

	pub := New(bus, config.StreamConfig{MaxLength: 1000, TrimApproximate: true})
	pub.NotifyFromTrace(ctx, model.RawEvent{
		EventID:   "evt-1",
		SessionID: "sess-1",
		EventType: model.EventTypeToolUse,
		Platform:  config.PlatformClaude,
		Timestamp: time.Now(),
	}, 42)

	msgs, err := bus.ReadGroup(ctx, eventbus.StreamCDC, "test-readers", "reader-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "evt-1", msgs[0].StringField("event_id"))
}
