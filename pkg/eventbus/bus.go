// Package eventbus wraps Redis Streams into the durable event bus described
// in spec §4.2: producer, consumer groups, pending-entries-list handling,
// claiming of abandoned messages, and a dead-letter tier. Grounded on
// brokle-ai-brokle's internal/workers/telemetry_stream_consumer.go for the
// XReadGroup/XAck/XClaim/XAdd shape, adapted from go-redis's logrus style to
// the rest of this repository's log/slog convention.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracehub/telemetryd/pkg/config"
)

// Logical stream names (spec §6).
const (
	StreamEvents = "telemetry:events"
	StreamCDC    = "cdc:events"
	StreamDLQ    = "telemetry:dlq"
)

// Bus is a thin wrapper around a single Redis client shared by producers and
// consumers. It never itself owns retry/backoff policy beyond connect-time
// timeouts — callers decide how to react to errors (spec §7).
type Bus struct {
	client *redis.Client
}

// New dials the broker described by cfg with short connect/operation
// timeouts (spec §6: "short connect and operation timeouts (≤ 2s)").
func New(cfg config.RedisConfig) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Connection.Host, cfg.Connection.Port),
		Password:     cfg.Connection.Password,
		DB:           cfg.Connection.DB,
		PoolSize:     cfg.ConnectionPool.MaxConnections,
		DialTimeout:  cfg.ConnectionPool.SocketConnectTimeout,
		ReadTimeout:  cfg.ConnectionPool.SocketTimeout,
		WriteTimeout: cfg.ConnectionPool.SocketTimeout,
	})
	return &Bus{client: client}
}

// NewFromClient wraps an existing *redis.Client — used by tests that spin up
// a real broker via testcontainers.
func NewFromClient(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Ping verifies connectivity at startup.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	return b.client.Close()
}

// EnsureGroup creates a consumer group starting at "0" so that, after a
// crash, unprocessed messages are reprocessed (spec §4.2). Idempotent: a
// pre-existing group (BUSYGROUP) is not an error.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil {
		return nil
	}
	if isBusyGroup(err) {
		return nil
	}
	return fmt.Errorf("create consumer group %s/%s: %w", stream, group, err)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

const (
	defaultBlockTimeout = time.Second
)
