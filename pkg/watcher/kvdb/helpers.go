package kvdb

import "encoding/json"

// itemTimestampMs extracts a best-effort millisecond timestamp from a
// decoded aiService.generations/aiService.prompts array item. The assistant
// does not document a single canonical field name, so the first match wins.
func itemTimestampMs(item map[string]json.RawMessage) int64 {
	for _, key := range []string{"unixMs", "timestamp", "createdAt"} {
		raw, ok := item[key]
		if !ok {
			continue
		}
		var v int64
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return 0
}

// itemID extracts a stable identifier from a generation/prompt array item,
// falling back to the empty string (the caller synthesizes one).
func itemID(item map[string]json.RawMessage) string {
	for _, key := range []string{"generationUUID", "id", "uuid"} {
		raw, ok := item[key]
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
