package kvdb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/model"
)

// maxBubbleDepth bounds the nested-bubble recursion (spec §9: "bounded
// recursion on nestedBubbles/subBubbles", not an unbounded object graph).
const maxBubbleDepth = 20

// extractContext carries the metadata common to every event an extractor
// produces for one monitored key (spec §4.1.2: storage_level, database_table,
// item_key, workspace_hash are always present).
type extractContext struct {
	workspaceHash string
	storageLevel  config.StorageLevel
	databaseTable string
	itemKey       string
}

func (c extractContext) metadata() model.Metadata {
	return model.Metadata{
		"workspace_hash": c.workspaceHash,
		"source":         "cursor_db_watcher",
		"storage_level":  string(c.storageLevel),
		"database_table": c.databaseTable,
		"item_key":       c.itemKey,
	}
}

func buildEvent(ctx extractContext, eventType model.EventType, timestamp time.Time, fullData any) (model.RawEvent, error) {
	encoded, err := json.Marshal(fullData)
	if err != nil {
		return model.RawEvent{}, err
	}
	payload, err := json.Marshal(map[string]json.RawMessage{"full_data": encoded})
	if err != nil {
		return model.RawEvent{}, err
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	return model.RawEvent{
		Version:   "1",
		HookType:  "CursorDBWatch",
		Platform:  config.PlatformCursor,
		EventType: eventType,
		Timestamp: timestamp,
		EventID:   uuid.New().String(),
		Metadata:  ctx.metadata(),
		Payload:   payload,
	}, nil
}

// extractTimestampedArray is shared by aiService.generations and
// aiService.prompts: both are arrays of items with a timestamp field,
// re-emitted only past the watermark (spec §4.1.2 "Timestamped arrays").
func extractTimestampedArray(ctx extractContext, eventType model.EventType, raw []byte, lastWatermark int64) ([]model.RawEvent, int64, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, lastWatermark, fmt.Errorf("decode %s: %w", ctx.itemKey, err)
	}

	newWatermark := lastWatermark
	var events []model.RawEvent
	for _, item := range items {
		ts := itemTimestampMs(item)
		if ts <= lastWatermark {
			continue
		}
		if ts > newWatermark {
			newWatermark = ts
		}
		event, err := buildEvent(ctx, eventType, time.UnixMilli(ts).UTC(), item)
		if err != nil {
			return events, newWatermark, err
		}
		if id := itemID(item); id != "" {
			event.EventID = id
		}
		events = append(events, event)
	}
	return events, newWatermark, nil
}

func extractGenerations(ctx extractContext, raw []byte, lastWatermark int64) ([]model.RawEvent, int64, error) {
	return extractTimestampedArray(ctx, model.EventTypeGeneration, raw, lastWatermark)
}

func extractPrompts(ctx extractContext, raw []byte, lastWatermark int64) ([]model.RawEvent, int64, error) {
	return extractTimestampedArray(ctx, model.EventTypePrompt, raw, lastWatermark)
}

// extractBackgroundComposer and extractAgentMode are plain opaque-value
// extractors: one event carrying the full value, called only when its
// content hash changed.
func extractBackgroundComposer(ctx extractContext, raw []byte) ([]model.RawEvent, error) {
	return extractOpaqueValue(ctx, model.EventTypeBackgroundComposer, raw)
}

func extractAgentMode(ctx extractContext, raw []byte) ([]model.RawEvent, error) {
	return extractOpaqueValue(ctx, model.EventTypeAgentMode, raw)
}

func extractOpaqueValue(ctx extractContext, eventType model.EventType, raw []byte) ([]model.RawEvent, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ctx.itemKey, err)
	}
	event, err := buildEvent(ctx, eventType, time.Time{}, value)
	if err != nil {
		return nil, err
	}
	return []model.RawEvent{event}, nil
}

// bubbleNode is the subset of a composer conversation entry the watcher
// needs to route and recurse; the full entry still travels verbatim under
// payload.full_data.
type bubbleNode struct {
	BubbleID        string                     `json:"bubbleId"`
	CapabilitiesRan map[string]json.RawMessage `json:"capabilitiesRan"`
	NestedBubbles   []json.RawMessage          `json:"nestedBubbles"`
	SubBubbles      []json.RawMessage          `json:"subBubbles"`
}

// extractComposer decodes a composerData:{id} value into one composer
// event plus one bubble event per conversation entry (recursing into
// nested bubbles) plus one capability event per non-empty capabilitiesRan
// entry (spec §4.1.2 extractor table).
func extractComposer(ctx extractContext, composerID string, raw []byte) ([]model.RawEvent, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode composerData:%s: %w", composerID, err)
	}

	composerEvent, err := buildEvent(ctx, model.EventTypeComposer, time.Time{}, value)
	if err != nil {
		return nil, err
	}
	events := []model.RawEvent{composerEvent}

	var doc struct {
		Conversation []json.RawMessage `json:"conversation"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return events, nil // composer itself still emitted; malformed conversation is not fatal
	}

	for _, entry := range doc.Conversation {
		bubbleEvents, err := walkBubble(ctx, entry, 0)
		if err != nil {
			return events, err
		}
		events = append(events, bubbleEvents...)
	}
	return events, nil
}

func walkBubble(ctx extractContext, raw json.RawMessage, depth int) ([]model.RawEvent, error) {
	if depth > maxBubbleDepth {
		return nil, nil
	}

	var node bubbleNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("decode bubble at depth %d: %w", depth, err)
	}

	var full any
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, err
	}

	bubbleEvent, err := buildEvent(ctx, model.EventTypeBubble, time.Time{}, full)
	if err != nil {
		return nil, err
	}
	if node.BubbleID != "" {
		bubbleEvent.EventID = node.BubbleID
	}
	events := []model.RawEvent{bubbleEvent}

	for capability, statusRaw := range node.CapabilitiesRan {
		if len(statusRaw) == 0 || string(statusRaw) == "null" {
			continue
		}
		var status any
		if err := json.Unmarshal(statusRaw, &status); err != nil {
			continue
		}
		capEvent, err := buildEvent(ctx, model.EventTypeCapability, time.Time{}, map[string]any{
			"capability": capability,
			"status":     status,
			"bubble_id":  node.BubbleID,
		})
		if err != nil {
			return events, err
		}
		events = append(events, capEvent)
	}

	nested := append(append([]json.RawMessage{}, node.NestedBubbles...), node.SubBubbles...)
	for _, child := range nested {
		childEvents, err := walkBubble(ctx, child, depth+1)
		if err != nil {
			return events, err
		}
		events = append(events, childEvents...)
	}
	return events, nil
}
