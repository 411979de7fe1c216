package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/model"
)

// MoveToDLQ appends a DLQEntry to the dead-letter stream and acknowledges
// the original message so it leaves the source group's PEL (spec §4.3.2:
// messages exceeding the retry ceiling are parked, not dropped).
func (b *Bus) MoveToDLQ(ctx context.Context, limit config.StreamConfig, entry model.DLQEntry) error {
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDLQ,
		MaxLen: limit.MaxLength,
		Approx: limit.TrimApproximate,
		Values: encodeDLQEntry(entry),
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", StreamDLQ, err)
	}

	return b.Ack(ctx, entry.StreamName, entry.GroupName, entry.OriginalMessageID)
}

// encodeDLQEntry flattens the original stream message's own fields into the
// DLQ entry's top-level values, alongside the DLQ-specific metadata fields,
// so a DLQ entry is the original entry's fields plus those additions
// (spec's DLQEntry data model), not a nested opaque blob.
func encodeDLQEntry(entry model.DLQEntry) map[string]any {
	fields := make(map[string]any, len(entry.OriginalFields)+7)
	for k, v := range entry.OriginalFields {
		fields[k] = v
	}
	fields["original_message_id"] = entry.OriginalMessageID
	fields["moved_to_dlq_at"] = entry.MovedToDLQAt.UTC().Format(time.RFC3339Nano)
	fields["retry_count"] = entry.RetryCount
	fields["error_type"] = entry.ErrorType
	fields["error_message"] = entry.ErrorMessage
	fields["stream_name"] = entry.StreamName
	fields["group_name"] = entry.GroupName
	fields["consumer_name"] = entry.ConsumerName
	return fields
}
