package kvdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tracehub/telemetryd/pkg/model"
	"github.com/tracehub/telemetryd/pkg/store"
)

// WorkspaceHash computes the stable workspace identifier used throughout
// the pipeline: sha256(workspace_path), first 16 hex characters (GLOSSARY).
func WorkspaceHash(workspacePath string) string {
	sum := sha256.Sum256([]byte(workspacePath))
	return hex.EncodeToString(sum[:])[:16]
}

// Resolver maps a workspace_hash to the on-disk path of that workspace's
// embedded database, following the four-step cascade of spec §4.1.2. Each
// successful resolution is cached via WorkspaceBinding so later restarts
// skip straight to step 1.
type Resolver struct {
	store                *store.Client
	workspaceStorageRoot string
	busyTimeout          time.Duration
}

// NewResolver builds a Resolver. workspaceStorageRoot is the directory
// containing one subdirectory per workspace, each holding a "state.vscdb"
// file — the assistant's on-disk workspace storage layout.
func NewResolver(st *store.Client, workspaceStorageRoot string, busyTimeout time.Duration) *Resolver {
	return &Resolver{store: st, workspaceStorageRoot: workspaceStorageRoot, busyTimeout: busyTimeout}
}

// Resolve returns the WorkspaceBinding for workspaceHash, trying the cache
// first and falling through hash match, content scan, and recency fallback
// in that order (spec §4.1.2). workspacePath may be empty if the caller
// never observed one; steps that need it are skipped.
func (r *Resolver) Resolve(ctx context.Context, workspaceHash, workspacePath string) (model.WorkspaceBinding, error) {
	if binding, ok, err := r.store.WorkspaceBinding(ctx, workspaceHash); err != nil {
		return model.WorkspaceBinding{}, err
	} else if ok {
		return binding, nil
	}

	if binding, ok := r.resolveByHash(workspaceHash, workspacePath); ok {
		return r.persist(ctx, binding)
	}

	if workspacePath != "" {
		if binding, ok := r.resolveByContentScan(ctx, workspaceHash, workspacePath); ok {
			return r.persist(ctx, binding)
		}
	}

	if binding, ok := r.resolveByRecency(ctx, workspaceHash); ok {
		return r.persist(ctx, binding)
	}

	return model.WorkspaceBinding{}, store.ErrWorkspaceBindingNotFound
}

func (r *Resolver) persist(ctx context.Context, binding model.WorkspaceBinding) (model.WorkspaceBinding, error) {
	binding.ResolvedAt = time.Now().UTC()
	if err := r.store.UpsertWorkspaceBinding(ctx, binding); err != nil {
		return model.WorkspaceBinding{}, fmt.Errorf("persist workspace binding: %w", err)
	}
	return binding, nil
}

func (r *Resolver) candidateDirs() []string {
	entries, err := os.ReadDir(r.workspaceStorageRoot)
	if err != nil {
		return nil
	}
	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs
}

func (r *Resolver) dbPath(dirName string) string {
	return filepath.Join(r.workspaceStorageRoot, dirName, "state.vscdb")
}

// resolveByHash implements step 2: the candidate directory's name is
// expected to already be sha256(workspace_path)[:16] (the same derivation
// as WorkspaceHash), so this is a direct name match.
func (r *Resolver) resolveByHash(workspaceHash, workspacePath string) (model.WorkspaceBinding, bool) {
	expected := workspaceHash
	if expected == "" && workspacePath != "" {
		expected = WorkspaceHash(workspacePath)
	}
	if expected == "" {
		return model.WorkspaceBinding{}, false
	}

	for _, dir := range r.candidateDirs() {
		if dir != expected {
			continue
		}
		path := r.dbPath(dir)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return model.WorkspaceBinding{
			WorkspaceHash: workspaceHash,
			WorkspacePath: workspacePath,
			DatabasePath:  path,
			ResolvedBy:    "hash",
		}, true
	}
	return model.WorkspaceBinding{}, false
}

// resolveByContentScan implements step 3: scan each candidate database's
// text column for a literal occurrence of workspacePath.
func (r *Resolver) resolveByContentScan(ctx context.Context, workspaceHash, workspacePath string) (model.WorkspaceBinding, bool) {
	for _, dir := range r.candidateDirs() {
		path := r.dbPath(dir)
		found := func() bool {
			db, err := store.OpenReadOnlyExternal(ctx, path, r.busyTimeout)
			if err != nil {
				return false
			}
			defer db.Close()
			ok, err := queryContainsText(ctx, db, "ItemTable", workspacePath)
			return err == nil && ok
		}()
		if !found {
			continue
		}
		return model.WorkspaceBinding{
			WorkspaceHash: workspaceHash,
			WorkspacePath: workspacePath,
			DatabasePath:  path,
			ResolvedBy:    "content_scan",
		}, true
	}
	return model.WorkspaceBinding{}, false
}

// resolveByRecency implements step 4: pick the candidate database whose
// aiService.generations array has the most recent timestamp.
func (r *Resolver) resolveByRecency(ctx context.Context, workspaceHash string) (model.WorkspaceBinding, bool) {
	var bestDir string
	var bestTimestamp int64 = -1

	for _, dir := range r.candidateDirs() {
		path := r.dbPath(dir)
		ts, ok := func() (int64, bool) {
			db, err := store.OpenReadOnlyExternal(ctx, path, r.busyTimeout)
			if err != nil {
				return 0, false
			}
			defer db.Close()
			ts, err := maxGenerationTimestamp(ctx, db)
			return ts, err == nil
		}()
		if ok && ts > bestTimestamp {
			bestTimestamp = ts
			bestDir = dir
		}
	}

	if bestDir == "" {
		return model.WorkspaceBinding{}, false
	}
	return model.WorkspaceBinding{
		WorkspaceHash: workspaceHash,
		DatabasePath:  r.dbPath(bestDir),
		ResolvedBy:    "recency_fallback",
	}, true
}

func queryContainsText(ctx context.Context, db *sql.DB, table, text string) (bool, error) {
	return withRetry(ctx, func(qctx context.Context) (bool, error) {
		row := db.QueryRowContext(qctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE value LIKE ? LIMIT 1`, table), "%"+text+"%")
		var dummy int
		err := row.Scan(&dummy)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	})
}

func maxGenerationTimestamp(ctx context.Context, db *sql.DB) (int64, error) {
	return withRetry(ctx, func(qctx context.Context) (int64, error) {
		row := db.QueryRowContext(qctx, `SELECT value FROM ItemTable WHERE key = ?`, "aiService.generations")
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, nil
			}
			return 0, err
		}

		var items []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return 0, nil
		}
		var max int64
		for _, item := range items {
			if ts := itemTimestampMs(item); ts > max {
				max = ts
			}
		}
		return max, nil
	})
}
