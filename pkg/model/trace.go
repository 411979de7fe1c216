package model

import "time"

// ClaudeTraceRow is the persisted, indexed form of a RawEvent from the
// transcript (Claude) platform (spec §4.3.4). event_data carries the
// DEFLATE-compressed original event; Sequence is assigned by the store at
// insert time.
type ClaudeTraceRow struct {
	Sequence int64 `json:"sequence"`

	// Inserted is false when the insert hit the event_id conflict target
	// and was a no-op (a redelivered or reclaimed duplicate); Sequence is
	// meaningless in that case and callers must not treat the row as newly
	// durable.
	Inserted bool `json:"-"`

	// Identifiers
	EventID   string `json:"event_id"`
	UUID      string `json:"uuid"`
	ParentUUID string `json:"parent_uuid,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	SessionID string `json:"session_id"`

	// Context
	WorkspaceHash string `json:"workspace_hash"`
	ProjectName   string `json:"project_name,omitempty"`
	IsSidechain   bool   `json:"is_sidechain"`
	CWD           string `json:"cwd,omitempty"`
	Version       string `json:"version,omitempty"`
	GitBranch     string `json:"git_branch,omitempty"`

	// Message fields
	EventType  EventType `json:"event_type"`
	Role       string    `json:"role,omitempty"`
	Model      string    `json:"model,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`

	// Token usage
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
	ServiceTier              string `json:"service_tier,omitempty"`
	TokensUsed               int64  `json:"tokens_used"`

	ToolCallsCount int `json:"tool_calls_count"`

	// Lifecycle
	Timestamp time.Time `json:"timestamp"`

	EventData []byte `json:"-"`
}

// CursorTraceRow is the persisted, indexed form of a RawEvent from the
// embedded-KV-database (Cursor) platform (spec §4.3.4).
type CursorTraceRow struct {
	Sequence int64 `json:"sequence"`

	// Inserted is false when the insert hit the event_id conflict target
	// and was a no-op (a redelivered or reclaimed duplicate); Sequence is
	// meaningless in that case and callers must not treat the row as newly
	// durable.
	Inserted bool `json:"-"`

	EventID           string `json:"event_id"`
	ExternalSessionID string `json:"external_session_id,omitempty"`
	WorkspaceHash     string `json:"workspace_hash"`

	StorageLevel  string `json:"storage_level"`
	DatabaseTable string `json:"database_table"`
	ItemKey       string `json:"item_key"`

	GenerationID string `json:"generation_id,omitempty"`
	ComposerID   string `json:"composer_id,omitempty"`
	BubbleID     string `json:"bubble_id,omitempty"`
	ParentBubbleID string `json:"parent_bubble_id,omitempty"`

	EventType EventType `json:"event_type"`
	Role      string    `json:"role,omitempty"`
	Model     string    `json:"model,omitempty"`
	Text      string    `json:"text,omitempty"`

	TimingMs int64 `json:"timing_ms,omitempty"`

	LinesAdded   int64 `json:"lines_added,omitempty"`
	LinesRemoved int64 `json:"lines_removed,omitempty"`
	TokenCount   int64 `json:"token_count,omitempty"`

	CapabilitiesRan    string `json:"capabilities_ran,omitempty"`    // JSON-stringified
	CapabilityStatuses string `json:"capability_statuses,omitempty"` // JSON-stringified
	RelevantFiles      string `json:"relevant_files,omitempty"`      // JSON-stringified
	Selections         string `json:"selections,omitempty"`          // JSON-stringified

	IsError   bool `json:"is_error"`
	Completed bool `json:"completed"`

	Timestamp time.Time `json:"timestamp"`

	EventData []byte `json:"-"`
}
