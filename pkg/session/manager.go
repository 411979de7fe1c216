// Package session tracks assistant session lifecycle: the in-memory active
// map, durable persistence, crash recovery, and the timeout sweeper (spec
// §4.1.3, §4.6). Grounded on the teacher's pkg/session/manager.go for the
// map+mutex shape, generalized from a single chat-session type to
// platform-partitioned telemetry sessions.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/model"
	"github.com/tracehub/telemetryd/pkg/store"
)

// key identifies an active session: external_id for the transcript
// platform, workspace_hash for the KV platform (spec §4.1.3).
type key struct {
	platform config.Platform
	id       string
}

// DeactivateFunc is invoked once per session end (normal or timeout) so
// callers can close DB handles, cancel file watchers, and clear
// per-workspace caches (spec §4.1.3).
type DeactivateFunc func(model.Session)

// Manager owns the in-memory active-session map and mirrors it to the
// local store.
type Manager struct {
	store *store.Client

	mu     sync.RWMutex
	active map[key]*model.Session

	onDeactivate DeactivateFunc
}

// NewManager builds a Manager backed by st. onDeactivate may be nil.
func NewManager(st *store.Client, onDeactivate DeactivateFunc) *Manager {
	return &Manager{
		store:        st,
		active:       make(map[key]*model.Session),
		onDeactivate: onDeactivate,
	}
}

// activeKey picks the in-memory map key per spec §4.1.3: external_id for
// the transcript platform, workspace_hash for the KV platform.
func activeKey(platform config.Platform, externalID, workspaceHash string) key {
	if platform == config.PlatformCursor {
		return key{platform: platform, id: workspaceHash}
	}
	return key{platform: platform, id: externalID}
}

// Start handles a session_start event: persists the row, assigns an
// internal_id, and adds the session to the active map.
func (m *Manager) Start(ctx context.Context, platform config.Platform, externalID, workspaceHash, workspacePath string, startedAt time.Time, meta model.Metadata) (*model.Session, error) {
	if externalID == "" {
		externalID = uuid.New().String()
	}

	s := &model.Session{
		ExternalID:    externalID,
		Platform:      platform,
		WorkspaceHash: workspaceHash,
		WorkspacePath: workspacePath,
		WorkspaceName: model.WorkspaceNameFromPath(workspacePath),
		StartedAt:     startedAt,
		Metadata:      meta,
	}
	if err := m.store.UpsertSession(ctx, s); err != nil {
		return nil, fmt.Errorf("persist session start %s/%s: %w", platform, externalID, err)
	}

	m.mu.Lock()
	m.active[activeKey(platform, externalID, workspaceHash)] = s
	m.mu.Unlock()

	return s, nil
}

// End handles a session_end event: marks the session ended with reason
// "normal", persists it, removes it from the active map, and fires the
// deactivation callback. A session not currently active is a no-op (it may
// already have been swept for timeout).
func (m *Manager) End(ctx context.Context, platform config.Platform, externalID, workspaceHash string, endedAt time.Time) error {
	k := activeKey(platform, externalID, workspaceHash)

	m.mu.Lock()
	s, ok := m.active[k]
	if ok {
		delete(m.active, k)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if !s.End(endedAt, config.EndReasonNormal) {
		return nil
	}
	if err := m.store.UpsertSession(ctx, s); err != nil {
		return fmt.Errorf("persist session end %s/%s: %w", platform, externalID, err)
	}
	if m.onDeactivate != nil {
		m.onDeactivate(s.Clone())
	}
	return nil
}

// UpdateWorkspaceBinding updates the workspace_path/workspace_name of an
// already-active session once it is discovered post-hoc, without touching
// any already-written trace rows (spec §9 Open Question (c)).
func (m *Manager) UpdateWorkspaceBinding(ctx context.Context, platform config.Platform, externalID, workspaceHash, workspacePath string) error {
	k := activeKey(platform, externalID, workspaceHash)

	m.mu.Lock()
	s, ok := m.active[k]
	if ok {
		s.WorkspacePath = workspacePath
		s.WorkspaceName = model.WorkspaceNameFromPath(workspacePath)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.store.UpsertSession(ctx, s)
}

// Active returns a snapshot of every currently active session.
func (m *Manager) Active() []model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s.Clone())
	}
	return out
}

// Lookup returns the active session for a key, if any.
func (m *Manager) Lookup(platform config.Platform, externalID, workspaceHash string) (model.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.active[activeKey(platform, externalID, workspaceHash)]
	if !ok {
		return model.Session{}, false
	}
	return s.Clone(), true
}

// Recover repopulates the active map from every session with a null
// ended_at (spec §4.1.3 step 1). Must run before the listener processes any
// new bus messages.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	total := 0
	for _, platform := range []config.Platform{config.PlatformClaude, config.PlatformCursor} {
		sessions, err := m.store.ActiveSessions(ctx, platform)
		if err != nil {
			return total, fmt.Errorf("recover active sessions for %s: %w", platform, err)
		}

		m.mu.Lock()
		for i := range sessions {
			s := sessions[i]
			if s.Metadata == nil {
				s.Metadata = model.Metadata{}
			}
			s.Metadata["recovered_source"] = "recovered"
			m.active[activeKey(s.Platform, s.ExternalID, s.WorkspaceHash)] = &s
		}
		m.mu.Unlock()
		total += len(sessions)
	}
	return total, nil
}
