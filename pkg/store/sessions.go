package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/model"
)

// UpsertSession inserts a new session row, or updates an existing one
// in-place when (platform, external_id) already exists — the workspace
// binding discovered after session start updates the session record only,
// never earlier trace rows (spec §9 Open Question (c)).
func (c *Client) UpsertSession(ctx context.Context, s *model.Session) error {
	metaJSON, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	var endedAt any
	if s.EndedAt != nil {
		endedAt = s.EndedAt.UTC()
	}

	row := c.db.QueryRowContext(ctx, `
		INSERT INTO sessions (
			external_id, platform, workspace_hash, workspace_path, workspace_name,
			started_at, ended_at, end_reason, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, external_id) DO UPDATE SET
			workspace_hash = excluded.workspace_hash,
			workspace_path = excluded.workspace_path,
			workspace_name = excluded.workspace_name,
			ended_at = excluded.ended_at,
			end_reason = excluded.end_reason,
			metadata = excluded.metadata
		RETURNING internal_id`,
		s.ExternalID, string(s.Platform), s.WorkspaceHash, s.WorkspacePath, s.WorkspaceName,
		s.StartedAt.UTC(), endedAt, string(s.EndReason), string(metaJSON),
	)
	if err := row.Scan(&s.InternalID); err != nil {
		return fmt.Errorf("upsert session %s/%s: %w", s.Platform, s.ExternalID, err)
	}
	return nil
}

// ActiveSessions returns every session with a NULL ended_at, used by the
// crash-recovery path (spec §4.1.3 step 2) in Manager.Recover. The timeout
// sweeper works from the manager's in-memory active map instead.
func (c *Client) ActiveSessions(ctx context.Context, platform config.Platform) ([]model.Session, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT internal_id, external_id, platform, workspace_hash, workspace_path,
		       workspace_name, started_at, metadata
		FROM sessions
		WHERE platform = ? AND ended_at IS NULL`, string(platform))
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var s model.Session
		var platformStr string
		var metaJSON sql.NullString
		if err := rows.Scan(&s.InternalID, &s.ExternalID, &platformStr, &s.WorkspaceHash,
			&s.WorkspacePath, &s.WorkspaceName, &s.StartedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		s.Platform = config.Platform(platformStr)
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &s.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal session metadata: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EndSession marks a session ended by internal id, idempotently: ending an
// already-ended session is a no-op (spec §3 invariant, enforced again here
// in case two paths race to end the same session).
func (c *Client) EndSession(ctx context.Context, internalID int64, endedAt time.Time, reason config.EndReason) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, end_reason = ?
		WHERE internal_id = ? AND ended_at IS NULL`,
		endedAt.UTC(), string(reason), internalID)
	if err != nil {
		return fmt.Errorf("end session %d: %w", internalID, err)
	}
	return nil
}

// UpsertWorkspaceBinding records how a workspace_hash resolved to a
// database path (spec §4.1.2).
func (c *Client) UpsertWorkspaceBinding(ctx context.Context, b model.WorkspaceBinding) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO workspace_bindings (workspace_hash, workspace_path, database_path, resolved_at, resolved_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_hash) DO UPDATE SET
			workspace_path = excluded.workspace_path,
			database_path = excluded.database_path,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by`,
		b.WorkspaceHash, b.WorkspacePath, b.DatabasePath, b.ResolvedAt.UTC(), b.ResolvedBy)
	if err != nil {
		return fmt.Errorf("upsert workspace binding %s: %w", b.WorkspaceHash, err)
	}
	return nil
}

// WorkspaceBinding looks up a cached binding. Returns (zero, false, nil)
// when none exists.
func (c *Client) WorkspaceBinding(ctx context.Context, workspaceHash string) (model.WorkspaceBinding, bool, error) {
	var b model.WorkspaceBinding
	b.WorkspaceHash = workspaceHash
	err := c.db.QueryRowContext(ctx, `
		SELECT workspace_path, database_path, resolved_at, resolved_by
		FROM workspace_bindings WHERE workspace_hash = ?`, workspaceHash,
	).Scan(&b.WorkspacePath, &b.DatabasePath, &b.ResolvedAt, &b.ResolvedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkspaceBinding{}, false, nil
	}
	if err != nil {
		return model.WorkspaceBinding{}, false, fmt.Errorf("lookup workspace binding %s: %w", workspaceHash, err)
	}
	return b, true, nil
}
