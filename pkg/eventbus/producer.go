package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/model"
)

// Publish writes event as a flat field map to stream, approximately trimmed
// to limit.MaxLength. Producer calls are fire-and-forget (spec §4.2): any
// error is logged here and returned as a non-fatal indicator — callers must
// not retry inline.
func (b *Bus) Publish(ctx context.Context, stream string, limit config.StreamConfig, event model.RawEvent) (string, error) {
	fields, err := EncodeFields(event)
	if err != nil {
		slog.Error("failed to encode event for publish", "stream", stream, "error", err)
		return "", err
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: limit.MaxLength,
		Approx: limit.TrimApproximate,
		Values: fields,
	}).Result()
	if err != nil {
		slog.Error("failed to publish event", "stream", stream, "event_type", event.EventType, "error", err)
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// PublishFields writes an already-flattened field map to stream. Used by
// callers that do not carry a full RawEvent, such as the CDC publisher.
func (b *Bus) PublishFields(ctx context.Context, stream string, limit config.StreamConfig, fields map[string]any) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: limit.MaxLength,
		Approx: limit.TrimApproximate,
		Values: fields,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// EncodeFields flattens a RawEvent into the string-keyed field map the bus
// stores: top-level scalars as strings, payload and metadata as JSON-encoded
// strings (spec §3 StreamMessage, §6 ingress envelope).
func EncodeFields(event model.RawEvent) (map[string]any, error) {
	metaJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	payload := event.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}

	return map[string]any{
		"version":    event.Version,
		"hook_type":  event.HookType,
		"platform":   string(event.Platform),
		"event_type": string(event.EventType),
		"timestamp":  event.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_id":   event.EventID,
		"session_id": event.SessionID,
		"metadata":   string(metaJSON),
		"payload":    string(payload),
	}, nil
}

// DecodeEvent reverses EncodeFields, rebuilding a RawEvent from a
// StreamMessage's flat field map. If event_id is empty, it falls back to the
// stream message id (spec §9 Open Question (b)).
func DecodeEvent(msg model.StreamMessage) (model.RawEvent, error) {
	var event model.RawEvent
	event.Version = msg.StringField("version")
	event.HookType = msg.StringField("hook_type")
	event.Platform = config.Platform(msg.StringField("platform"))
	event.EventType = model.EventType(msg.StringField("event_type"))
	event.SessionID = msg.StringField("session_id")

	event.EventID = msg.StringField("event_id")
	if event.EventID == "" {
		event.EventID = msg.ID
	}

	if ts := msg.StringField("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return model.RawEvent{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		event.Timestamp = parsed
	}

	if metaStr := msg.StringField("metadata"); metaStr != "" {
		var meta model.Metadata
		if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
			return model.RawEvent{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
		event.Metadata = meta
	}

	if payloadStr := msg.StringField("payload"); payloadStr != "" {
		event.Payload = json.RawMessage(payloadStr)
	}

	return event, nil
}
