package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/tracehub/telemetryd/pkg/model"
)

// claudeEntryPayload unwraps the transcript watcher's payload envelope
// (payload.entry_data, spec §4.1.1).
type claudeEntryPayload struct {
	EntryData json.RawMessage `json:"entry_data"`
}

// claudeTranscriptLine is the subset of a transcript JSONL line the indexed
// columns table needs (spec §4.3.4); the full line still travels verbatim
// inside event_data.
type claudeTranscriptLine struct {
	UUID          string `json:"uuid"`
	ParentUUID    string `json:"parentUuid"`
	RequestID     string `json:"requestId"`
	IsSidechain   bool   `json:"isSidechain"`
	CWD           string `json:"cwd"`
	Version       string `json:"version"`
	GitBranch     string `json:"gitBranch"`
	ToolUseResult struct {
		AgentID string `json:"agentId"`
	} `json:"toolUseResult"`
	Message struct {
		ID         string          `json:"id"`
		Role       string          `json:"role"`
		Model      string          `json:"model"`
		StopReason string          `json:"stop_reason"`
		Content    json.RawMessage `json:"content"`
		Usage      struct {
			InputTokens              int64  `json:"input_tokens"`
			OutputTokens             int64  `json:"output_tokens"`
			CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
			ServiceTier              string `json:"service_tier"`
		} `json:"usage"`
	} `json:"message"`
}

// ExtractClaudeTraceRow builds the indexed trace row for a transcript event
// (spec §4.3.4 "Transcript table"). EventData is left unset; the caller
// compresses and assigns it just before insert.
func ExtractClaudeTraceRow(event model.RawEvent) (model.ClaudeTraceRow, error) {
	var wrapper claudeEntryPayload
	if err := json.Unmarshal(event.Payload, &wrapper); err != nil {
		return model.ClaudeTraceRow{}, fmt.Errorf("unwrap entry_data for %s: %w", event.EventID, err)
	}

	var line claudeTranscriptLine
	if len(wrapper.EntryData) > 0 {
		if err := json.Unmarshal(wrapper.EntryData, &line); err != nil {
			return model.ClaudeTraceRow{}, fmt.Errorf("decode transcript line for %s: %w", event.EventID, err)
		}
	}

	usage := line.Message.Usage
	return model.ClaudeTraceRow{
		EventID:    event.EventID,
		UUID:       line.UUID,
		ParentUUID: line.ParentUUID,
		RequestID:  line.RequestID,
		AgentID:    line.ToolUseResult.AgentID,
		SessionID:  event.SessionID,

		WorkspaceHash: event.Metadata.WorkspaceHash(),
		ProjectName:   event.Metadata.ProjectName(),
		IsSidechain:   line.IsSidechain,
		CWD:           line.CWD,
		Version:       line.Version,
		GitBranch:     line.GitBranch,

		EventType:  event.EventType,
		Role:       line.Message.Role,
		Model:      line.Message.Model,
		MessageID:  line.Message.ID,
		StopReason: line.Message.StopReason,

		InputTokens:              usage.InputTokens,
		OutputTokens:             usage.OutputTokens,
		CacheCreationInputTokens: usage.CacheCreationInputTokens,
		CacheReadInputTokens:     usage.CacheReadInputTokens,
		ServiceTier:              usage.ServiceTier,
		TokensUsed:               usage.InputTokens + usage.OutputTokens,

		ToolCallsCount: countToolUseBlocks(line.Message.Content),

		Timestamp: event.Timestamp,
	}, nil
}

// countToolUseBlocks counts "tool_use" content blocks in an assistant
// message's content array. A non-array content value (plain string
// messages) is not an error; it simply has no tool calls.
func countToolUseBlocks(content json.RawMessage) int {
	if len(content) == 0 {
		return 0
	}
	var blocks []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return 0
	}
	count := 0
	for _, b := range blocks {
		if b.Type == "tool_use" {
			count++
		}
	}
	return count
}
