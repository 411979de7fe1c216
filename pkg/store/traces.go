package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tracehub/telemetryd/pkg/model"
)

// InsertClaudeTraces appends rows in a single transaction, matching the
// batch's all-or-nothing durability requirement (spec §4.3.4): a batch
// either lands entirely or the whole append is retried. Sequence and
// Inserted are populated on each row after insert via last_insert_rowid
// semantics of AUTOINCREMENT; a row whose event_id already exists hits the
// ON CONFLICT DO NOTHING no-op and is left with Inserted=false, since
// last_insert_rowid() is not updated by a no-op and would otherwise report
// an unrelated row's id.
func (c *Client) InsertClaudeTraces(ctx context.Context, rows []model.ClaudeTraceRow) error {
	if len(rows) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO claude_raw_traces (
				event_id, uuid, parent_uuid, request_id, agent_id, session_id,
				workspace_hash, project_name, is_sidechain, cwd, version, git_branch,
				event_type, role, model, message_id, stop_reason,
				input_tokens, output_tokens, cache_creation_input_tokens,
				cache_read_input_tokens, service_tier, tokens_used, tool_calls_count,
				timestamp, event_data
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare claude trace insert: %w", err)
		}
		defer stmt.Close()

		for i := range rows {
			r := &rows[i]
			res, err := stmt.ExecContext(ctx,
				r.EventID, r.UUID, r.ParentUUID, r.RequestID, r.AgentID, r.SessionID,
				r.WorkspaceHash, r.ProjectName, r.IsSidechain, r.CWD, r.Version, r.GitBranch,
				string(r.EventType), r.Role, r.Model, r.MessageID, r.StopReason,
				r.InputTokens, r.OutputTokens, r.CacheCreationInputTokens,
				r.CacheReadInputTokens, r.ServiceTier, r.TokensUsed, r.ToolCallsCount,
				r.Timestamp.UTC(), r.EventData,
			)
			if err != nil {
				return fmt.Errorf("insert claude trace %s: %w", r.EventID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected for claude trace %s: %w", r.EventID, err)
			}
			if affected == 0 {
				// event_id conflict: a no-op duplicate. last_insert_rowid()
				// is untouched by it and would otherwise report some
				// unrelated row's id, possibly from another pooled
				// connection entirely.
				continue
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("last insert id for claude trace %s: %w", r.EventID, err)
			}
			r.Sequence = id
			r.Inserted = true
		}
		return nil
	})
}

// InsertCursorTraces is InsertClaudeTraces' counterpart for the embedded
// KV-database platform.
func (c *Client) InsertCursorTraces(ctx context.Context, rows []model.CursorTraceRow) error {
	if len(rows) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cursor_raw_traces (
				event_id, external_session_id, workspace_hash,
				storage_level, database_table, item_key,
				generation_id, composer_id, bubble_id, parent_bubble_id,
				event_type, role, model, text, timing_ms,
				lines_added, lines_removed, token_count,
				capabilities_ran, capability_statuses, relevant_files, selections,
				is_error, completed, timestamp, event_data
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare cursor trace insert: %w", err)
		}
		defer stmt.Close()

		for i := range rows {
			r := &rows[i]
			res, err := stmt.ExecContext(ctx,
				r.EventID, r.ExternalSessionID, r.WorkspaceHash,
				r.StorageLevel, r.DatabaseTable, r.ItemKey,
				r.GenerationID, r.ComposerID, r.BubbleID, r.ParentBubbleID,
				string(r.EventType), r.Role, r.Model, r.Text, r.TimingMs,
				r.LinesAdded, r.LinesRemoved, r.TokenCount,
				r.CapabilitiesRan, r.CapabilityStatuses, r.RelevantFiles, r.Selections,
				r.IsError, r.Completed, r.Timestamp.UTC(), r.EventData,
			)
			if err != nil {
				return fmt.Errorf("insert cursor trace %s: %w", r.EventID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected for cursor trace %s: %w", r.EventID, err)
			}
			if affected == 0 {
				// event_id conflict: a no-op duplicate. last_insert_rowid()
				// is untouched by it and would otherwise report some
				// unrelated row's id, possibly from another pooled
				// connection entirely.
				continue
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("last insert id for cursor trace %s: %w", r.EventID, err)
			}
			r.Sequence = id
			r.Inserted = true
		}
		return nil
	})
}

func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
