package consumer

import (
	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/model"
)

// claudeSources are the metadata.source values a transcript-sourced event
// carries (spec §4.1.1, §4.3.3).
var claudeSources = map[string]struct{}{
	"jsonl_monitor":      {},
	"transcript_monitor": {},
}

// cursorSources are the metadata.source values a KV-database-sourced event
// carries (spec §4.1.2, §4.3.3).
var cursorSources = map[string]struct{}{
	"cursor_db_watcher":       {},
	"cursor_markdown_watcher": {},
	"unified_cursor_watcher":  {},
}

// KeepTranscript is the transcript consumer's inclusion rule (spec §4.3.3):
// platform must be claude, and the event must carry a transcript source, a
// JSONLTrace hook, or be a session lifecycle event.
func KeepTranscript(event model.RawEvent) bool {
	if event.Platform != config.PlatformClaude {
		return false
	}
	if _, ok := claudeSources[event.Metadata.Source()]; ok {
		return true
	}
	if event.HookType == "JSONLTrace" {
		return true
	}
	switch event.EventType {
	case model.EventTypeSessionStart, model.EventTypeSessionEnd:
		return true
	}
	return false
}

// KeepKV is the KV consumer's inclusion rule (spec §4.3.3). Session-ID
// prefix heuristics are forbidden: platform, source, and the presence of a
// workspace_hash with no session id are the only signals used.
func KeepKV(event model.RawEvent) bool {
	if event.Platform == config.PlatformClaude {
		return false
	}
	if _, ok := claudeSources[event.Metadata.Source()]; ok {
		return false
	}
	if event.Platform == config.PlatformCursor {
		return true
	}
	if _, ok := cursorSources[event.Metadata.Source()]; ok {
		return true
	}
	return event.Metadata.WorkspaceHash() != "" && event.SessionID == ""
}
