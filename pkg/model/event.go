// Package model defines the core entities shared by every stage of the
// telemetry pipeline: the ingestion envelope, session lifecycle state, and
// the records persisted to the local trace store and published to CDC.
package model

import (
	"encoding/json"
	"time"

	"github.com/tracehub/telemetryd/pkg/config"
)

// EventType is a fixed, small tag — not a type hierarchy. Routing to an
// extractor or a CDC priority is a table lookup (see Priority), never a
// type switch spread across packages.
type EventType string

const (
	EventTypeUserMessage        EventType = "user_message"
	EventTypeUserPrompt         EventType = "user_prompt"
	EventTypeAssistantMessage   EventType = "assistant_message"
	EventTypeAssistantResponse  EventType = "assistant_response"
	EventTypeToolUse            EventType = "tool_use"
	EventTypeFileEdit           EventType = "file_edit"
	EventTypeSessionStart       EventType = "session_start"
	EventTypeSessionEnd         EventType = "session_end"
	EventTypeComposer           EventType = "composer"
	EventTypeBubble             EventType = "bubble"
	EventTypeGeneration         EventType = "generation"
	EventTypePrompt             EventType = "prompt"
	EventTypeCapability         EventType = "capability"
	EventTypeBackgroundComposer EventType = "background_composer"
	EventTypeAgentMode          EventType = "agent_mode"
	EventTypeAcceptanceDecision EventType = "acceptance_decision"
	EventTypeMCPExecution       EventType = "mcp_execution"
	EventTypeShellExecution     EventType = "shell_execution"
)

// priorityTable is the fixed event_type → CDC priority mapping from spec §4.4.
// A missing entry resolves to priority 5 ("everything else").
var priorityTable = map[EventType]int{
	EventTypeUserPrompt:         1,
	EventTypeAcceptanceDecision: 1,
	EventTypeToolUse:            2,
	EventTypeMCPExecution:       2,
	EventTypeAssistantResponse:  2,
	EventTypeFileEdit:           3,
	EventTypeShellExecution:     3,
	EventTypeSessionStart:       4,
	EventTypeSessionEnd:         4,
}

// Priority derives the CDC priority for an event type (spec §4.4).
func (t EventType) Priority() int {
	if p, ok := priorityTable[t]; ok {
		return p
	}
	return 5
}

// RawEvent is the unit of telemetry. Immutable once produced.
type RawEvent struct {
	Version   string          `json:"version"`
	HookType  string          `json:"hook_type"`
	Platform  config.Platform `json:"platform"`
	EventType EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Metadata  Metadata        `json:"metadata"`
	Payload   json.RawMessage `json:"payload"`
}

// Metadata is a flat mapping of string to primitive. It always carries
// workspace_hash and source at minimum (spec §3, §6).
type Metadata map[string]any

// WorkspaceHash returns metadata["workspace_hash"] as a string, or "".
func (m Metadata) WorkspaceHash() string { return m.stringField("workspace_hash") }

// Source returns metadata["source"] as a string, or "".
func (m Metadata) Source() string { return m.stringField("source") }

// ProjectName returns metadata["project_name"] as a string, or "".
func (m Metadata) ProjectName() string { return m.stringField("project_name") }

func (m Metadata) stringField(key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Clone returns a shallow copy of the metadata map, safe to mutate without
// affecting the original event.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
