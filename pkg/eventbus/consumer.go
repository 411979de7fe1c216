package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracehub/telemetryd/pkg/model"
)

// ReadGroup reads up to count new messages for consumer in group, blocking
// for at most defaultBlockTimeout when nothing is available (spec §4.3.2). A
// redis.Nil / context-deadline timeout is not an error: it returns an empty
// slice so callers can loop.
func (b *Bus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64) ([]model.StreamMessage, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    defaultBlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toStreamMessages(res[0].Messages), nil
}

// Ack acknowledges processed message ids, removing them from the pending
// entries list.
func (b *Bus) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// PendingSummary is a coarse view of a consumer group's PEL (spec §4.3.2).
type PendingSummary struct {
	Count     int64
	LowestID  string
	HighestID string
}

// Pending summarizes the group's pending-entries-list.
func (b *Bus) Pending(ctx context.Context, stream, group string) (PendingSummary, error) {
	res, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return PendingSummary{}, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	return PendingSummary{Count: res.Count, LowestID: res.Lower, HighestID: res.Higher}, nil
}

// ClaimAbandoned claims messages idle for at least minIdle so a different
// consumer can retry them after their original owner crashed (spec §4.3.2).
// It pages through the PEL starting at startID and returns the claimed
// messages plus a cursor for the next page ("0" once exhausted).
func (b *Bus) ClaimAbandoned(ctx context.Context, stream, group, consumer string, minIdle time.Duration, startID string, count int64) ([]model.StreamMessage, string, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  startID,
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, "0", fmt.Errorf("xpending ext %s/%s: %w", stream, group, err)
	}
	if len(pending) == 0 {
		return nil, "0", nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}

	next := pending[len(pending)-1].ID
	if int64(len(pending)) < count {
		next = "0"
	}

	if len(ids) == 0 {
		return nil, next, nil
	}

	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, next, fmt.Errorf("xclaim %s/%s: %w", stream, group, err)
	}
	return toStreamMessages(msgs), next, nil
}

// DeliveryCount reports how many times a pending message has been delivered,
// used to decide when a message should be moved to the dead-letter stream
// instead of claimed again (spec §4.3.2).
func (b *Bus) DeliveryCount(ctx context.Context, stream, group, id string) (int64, error) {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending ext %s/%s/%s: %w", stream, group, id, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0].RetryCount, nil
}

func toStreamMessages(msgs []redis.XMessage) []model.StreamMessage {
	out := make([]model.StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, model.StreamMessage{ID: m.ID, Fields: m.Values})
	}
	return out
}
