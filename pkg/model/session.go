package model

import (
	"time"

	"github.com/tracehub/telemetryd/pkg/config"
)

// Session represents a live or historical assistant session (spec §3).
// It is created once on session_start and mutated exactly once — by either
// session_end or the timeout sweeper — never deleted.
type Session struct {
	InternalID    int64            `json:"internal_id"`
	ExternalID    string           `json:"external_id"`
	Platform      config.Platform  `json:"platform"`
	WorkspaceHash string           `json:"workspace_hash"`
	WorkspacePath string           `json:"workspace_path,omitempty"`
	WorkspaceName string           `json:"workspace_name,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
	EndReason     config.EndReason `json:"end_reason,omitempty"`
	Metadata      Metadata         `json:"metadata,omitempty"`
}

// IsActive reports whether the session has not yet ended.
func (s *Session) IsActive() bool {
	return s.EndedAt == nil
}

// Clone returns a deep-enough copy safe to hand out of the lifecycle
// manager's lock (Metadata is copied; EndedAt is repointed, not shared).
func (s *Session) Clone() Session {
	out := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.Metadata != nil {
		out.Metadata = s.Metadata.Clone()
	}
	return out
}

// End marks the session ended with the given reason, unless it already has
// an end time — mutation happens exactly once (spec §3 invariant).
func (s *Session) End(at time.Time, reason config.EndReason) bool {
	if s.EndedAt != nil {
		return false
	}
	s.EndedAt = &at
	s.EndReason = reason
	if s.Metadata == nil {
		s.Metadata = Metadata{}
	}
	s.Metadata["end_reason"] = string(reason)
	return true
}

// WorkspaceBinding maps a workspace hash to the on-disk location of that
// workspace's embedded KV database (spec §3). Created lazily, cached to
// disk for the workspace's lifetime.
type WorkspaceBinding struct {
	WorkspaceHash string    `json:"workspace_hash"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	DatabasePath  string    `json:"database_path"`
	ResolvedAt    time.Time `json:"resolved_at"`
	ResolvedBy    string    `json:"resolved_by"` // "cache" | "hash" | "content_scan" | "recency_fallback"
}

// WorkspaceNameFromPath derives the last non-empty path segment of a
// workspace path. Pure and stable across platforms (spec §4.1.3, §8
// round-trip law).
func WorkspaceNameFromPath(path string) string {
	if path == "" {
		return ""
	}
	// Trim trailing separators, then take the final segment, skipping over
	// any further trailing empties (e.g. "/a/b//").
	end := len(path)
	for end > 0 && (path[end-1] == '/' || path[end-1] == '\\') {
		end--
	}
	if end == 0 {
		return ""
	}
	start := end
	for start > 0 && path[start-1] != '/' && path[start-1] != '\\' {
		start--
	}
	return path[start:end]
}
