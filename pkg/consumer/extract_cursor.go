package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/tracehub/telemetryd/pkg/model"
)

// cursorFullDataPayload unwraps the KV watcher's payload envelope
// (payload.full_data, spec §4.1.2).
type cursorFullDataPayload struct {
	FullData json.RawMessage `json:"full_data"`
}

// ExtractCursorTraceRow builds the indexed trace row for a KV-database event
// (spec §4.3.4 "KV table"). The monitored-key extractor table produces
// several differently-shaped values (generation/prompt items, opaque
// composer/agent-mode blobs, bubble and capability summaries), so field
// extraction tries several plausible names per column rather than
// committing to one schema.
func ExtractCursorTraceRow(event model.RawEvent) (model.CursorTraceRow, error) {
	var wrapper cursorFullDataPayload
	if err := json.Unmarshal(event.Payload, &wrapper); err != nil {
		return model.CursorTraceRow{}, fmt.Errorf("unwrap full_data for %s: %w", event.EventID, err)
	}

	var fields map[string]json.RawMessage
	// Not every full_data value is a JSON object (timestamped array items
	// always are, but a malformed opaque value might not be); best effort.
	_ = json.Unmarshal(wrapper.FullData, &fields)

	row := model.CursorTraceRow{
		EventID:       event.EventID,
		WorkspaceHash: event.Metadata.WorkspaceHash(),
		EventType:     event.EventType,
		Timestamp:     event.Timestamp,
	}

	if v, ok := event.Metadata["storage_level"].(string); ok {
		row.StorageLevel = v
	}
	if v, ok := event.Metadata["database_table"].(string); ok {
		row.DatabaseTable = v
	}
	if v, ok := event.Metadata["item_key"].(string); ok {
		row.ItemKey = v
	}

	row.ExternalSessionID = stringField(fields, "sessionId", "session_id")
	row.GenerationID = stringField(fields, "generationUUID", "generationId", "generation_id")
	row.ComposerID = stringField(fields, "composerId", "composer_id")
	row.BubbleID = stringField(fields, "bubbleId", "bubble_id")
	row.ParentBubbleID = stringField(fields, "parentBubbleId", "parent_bubble_id")

	row.Role = stringField(fields, "role", "type")
	row.Model = stringField(fields, "model")
	row.Text = stringField(fields, "text", "richText")

	row.TimingMs = int64Field(fields, "timingMs", "unixMs", "timestamp")
	row.LinesAdded = int64Field(fields, "linesAdded", "lines_added")
	row.LinesRemoved = int64Field(fields, "linesRemoved", "lines_removed")
	row.TokenCount = int64Field(fields, "tokenCount", "token_count")

	row.CapabilitiesRan = rawJSONString(fields, "capabilitiesRan")
	row.CapabilityStatuses = rawJSONString(fields, "capabilityStatuses", "status")
	row.RelevantFiles = rawJSONString(fields, "relevantFiles")
	row.Selections = rawJSONString(fields, "selections")

	row.IsError = boolField(fields, "isError", "is_error")
	row.Completed = boolField(fields, "completed", "isCompleted")

	return row, nil
}

func stringField(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func int64Field(fields map[string]json.RawMessage, keys ...string) int64 {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n
		}
	}
	return 0
}

func boolField(fields map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return b
		}
	}
	return false
}

func rawJSONString(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		return string(raw)
	}
	return ""
}
