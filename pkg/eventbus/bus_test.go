package eventbus

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
	"github.com/tracehub/telemetryd/pkg/model"
)

// newTestBus wires a Bus against a real broker. In CI (CI_REDIS_ADDR set) it
// connects to an external service container; locally it spins up a
// testcontainers Redis instance, mirroring this repository's test-database
// helper for Postgres.
func newTestBus(t *testing.T) *Bus {
	t.Helper()
	ctx := context.Background()

	addr := os.Getenv("CI_REDIS_ADDR")
	if addr == "" {
		t.Log("using testcontainers for redis")
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
		return NewFromClient(client)
	}

	t.Log("using external redis from CI_REDIS_ADDR")
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client)
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	stream := "test:events:" + t.Name()

	require.NoError(t, bus.EnsureGroup(ctx, stream, "consumers"))
	require.NoError(t, bus.EnsureGroup(ctx, stream, "consumers"))
}

func TestPublishAndReadGroupRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	stream := "test:events:" + t.Name()

	require.NoError(t, bus.EnsureGroup(ctx, stream, "consumers"))

	limit := config.StreamConfig{MaxLength: 1000, TrimApproximate: true}
	event := model.RawEvent{
		Platform:  config.PlatformClaude,
		EventType: model.EventTypeToolUse,
		EventID:   "evt-1",
		SessionID: "sess-1",
		Timestamp: time.Now(),
		Metadata:  model.Metadata{"workspace_hash": "abc"},
	}
	id, err := bus.Publish(ctx, stream, limit, event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := bus.ReadGroup(ctx, stream, "consumers", "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	decoded, err := DecodeEvent(msgs[0])
	require.NoError(t, err)
	require.Equal(t, "evt-1", decoded.EventID)

	require.NoError(t, bus.Ack(ctx, stream, "consumers", msgs[0].ID))

	pending, err := bus.Pending(ctx, stream, "consumers")
	require.NoError(t, err)
	require.Equal(t, int64(0), pending.Count)
}

func TestClaimAbandonedClaimsUnackedMessages(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	stream := "test:events:" + t.Name()
	group := "consumers"

	require.NoError(t, bus.EnsureGroup(ctx, stream, group))

	limit := config.StreamConfig{MaxLength: 1000, TrimApproximate: true}
	_, err := bus.Publish(ctx, stream, limit, model.RawEvent{
		Platform:  config.PlatformClaude,
		EventType: model.EventTypeToolUse,
		EventID:   "evt-1",
		SessionID: "sess-1",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	// Consumer "stale" reads but never acks, simulating a crash.
	_, err = bus.ReadGroup(ctx, stream, group, "stale", 10)
	require.NoError(t, err)

	claimed, _, err := bus.ClaimAbandoned(ctx, stream, group, "recovery", 0, "0", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "evt-1", claimed[0].StringField("event_id"))
}

func TestMoveToDLQAcksOriginal(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	stream := "test:events:" + t.Name()
	group := "consumers"

	require.NoError(t, bus.EnsureGroup(ctx, stream, group))

	limit := config.StreamConfig{MaxLength: 1000, TrimApproximate: true}
	_, err := bus.Publish(ctx, stream, limit, model.RawEvent{
		Platform:  config.PlatformClaude,
		EventType: model.EventTypeToolUse,
		EventID:   "evt-1",
		SessionID: "sess-1",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	msgs, err := bus.ReadGroup(ctx, stream, group, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	err = bus.MoveToDLQ(ctx, config.StreamConfig{MaxLength: 1000, TrimApproximate: true}, model.DLQEntry{
		OriginalFields:    msgs[0].Fields,
		OriginalMessageID: msgs[0].ID,
		MovedToDLQAt:      time.Now(),
		RetryCount:        5,
		ErrorType:         "store_write_failed",
		ErrorMessage:      "disk full",
		StreamName:        stream,
		GroupName:         group,
		ConsumerName:      "consumer-1",
	})
	require.NoError(t, err)

	pending, err := bus.Pending(ctx, stream, group)
	require.NoError(t, err)
	require.Equal(t, int64(0), pending.Count)

	dlqMsgs, err := bus.ReadGroup(ctx, StreamDLQ, "dlq-test-readers", "reader-1", 10)
	if err != nil {
		require.NoError(t, bus.EnsureGroup(ctx, StreamDLQ, "dlq-test-readers"))
		dlqMsgs, err = bus.ReadGroup(ctx, StreamDLQ, "dlq-test-readers", "reader-1", 10)
	}
	require.NoError(t, err)
	require.Len(t, dlqMsgs, 1)

	dlqFields := dlqMsgs[0].Fields
	for k, v := range msgs[0].Fields {
		require.Equal(t, v, dlqFields[k], "DLQ entry must carry the original field %q unchanged", k)
	}
	require.Equal(t, msgs[0].ID, dlqFields["original_message_id"])
	require.Equal(t, "5", dlqFields["retry_count"])
	require.Equal(t, "store_write_failed", dlqFields["error_type"])
	require.Equal(t, "disk full", dlqFields["error_message"])
	require.Equal(t, stream, dlqFields["stream_name"])
	require.Equal(t, group, dlqFields["group_name"])
	require.Equal(t, "consumer-1", dlqFields["consumer_name"])
	require.NotEmpty(t, dlqFields["moved_to_dlq_at"])
}
