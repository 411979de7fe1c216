// Package kvdb implements the embedded-KV-database watcher for the Cursor
// platform (spec §4.1.2): read-only polling of per-workspace and global
// SQLite databases, driven by filesystem-change notifications with a
// debounce and a periodic poll fallback.
package kvdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/eventbus"
	"github.com/tracehub/telemetryd/pkg/model"
	"github.com/tracehub/telemetryd/pkg/store"
)

const (
	debounceWindow         = 10 * time.Second
	pollFallbackInterval   = 60 * time.Second
	sessionRefreshInterval = 30 * time.Second

	// unknownWorkspaceHash marks rows sourced from global storage, which
	// isn't scoped to any single workspace.
	unknownWorkspaceHash = "unknown"
)

var workspaceKeys = []string{
	"aiService.generations",
	"aiService.prompts",
	"workbench.backgroundComposer.workspacePersistentData",
	"workbench.agentMode.exitInfo",
}

// SessionSource supplies the currently active sessions, satisfied directly
// by pkg/session.Manager.
type SessionSource interface {
	Active() []model.Session
}

type target struct {
	workspaceHash string
	storageLevel  config.StorageLevel
	dbPath        string
}

// Watcher is the single owner of every fsnotify callback and every piece of
// mutable watch state (spec §9: "the owning component must capture a
// reference to its scheduler at startup and marshal callbacks via a
// thread-safe submit primitive"). All sync work happens inside run(); a
// debounce timer's callback only marks its path pending under mu and sends
// on the non-blocking signal channel.
type Watcher struct {
	resolver     *Resolver
	globalDBPath string
	bus          *eventbus.Bus
	stream       string
	limit        config.StreamConfig
	busyTimeout  time.Duration
	sessions     SessionSource
	watermarks   *watermarkStore

	fsWatcher *fsnotify.Watcher

	mu             sync.Mutex
	watchedDirs    map[string]struct{}
	targets        map[string]target // dbPath -> target
	debounceTimers map[string]*time.Timer
	pending        map[string]struct{}

	signal chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Watcher. globalDBPath may be empty if no global composer
// database is configured.
func New(resolver *Resolver, globalDBPath string, bus *eventbus.Bus, stream string, limit config.StreamConfig, busyTimeout time.Duration, sessions SessionSource) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		resolver:       resolver,
		globalDBPath:   globalDBPath,
		bus:            bus,
		stream:         stream,
		limit:          limit,
		busyTimeout:    busyTimeout,
		sessions:       sessions,
		watermarks:     newWatermarkStore(),
		fsWatcher:      fsWatcher,
		watchedDirs:    make(map[string]struct{}),
		targets:        make(map[string]target),
		debounceTimers: make(map[string]*time.Timer),
		pending:        make(map[string]struct{}),
		signal:         make(chan struct{}, 1),
	}, nil
}

// Start launches the owning goroutine.
func (w *Watcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop signals the owning goroutine to exit, closes the fsnotify watcher,
// and waits for shutdown.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	_ = w.fsWatcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	pollTicker := time.NewTicker(pollFallbackInterval)
	defer pollTicker.Stop()
	sessionTicker := time.NewTicker(sessionRefreshInterval)
	defer sessionTicker.Stop()

	if w.globalDBPath != "" {
		// Global storage isn't bound to any one workspace; "unknown" is an
		// explicit sentinel rather than an empty string standing in for
		// "no workspace applies here".
		w.trackTarget(target{workspaceHash: unknownWorkspaceHash, storageLevel: config.StorageLevelGlobal, dbPath: w.globalDBPath})
	}
	w.refreshSessionTargets(ctx)
	w.SyncAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if dbPath, found := w.matchWatchedFile(event.Name); found {
				w.scheduleResync(dbPath)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Warn("kvdb watcher fs error", "error", err)
		case <-w.signal:
			for _, dbPath := range w.drainPending() {
				w.syncOne(ctx, dbPath)
			}
		case <-pollTicker.C:
			w.SyncAll(ctx)
		case <-sessionTicker.C:
			w.refreshSessionTargets(ctx)
		}
	}
}

func (w *Watcher) refreshSessionTargets(ctx context.Context) {
	for _, session := range w.sessions.Active() {
		if session.Platform != config.PlatformCursor {
			continue
		}
		binding, err := w.resolver.Resolve(ctx, session.WorkspaceHash, session.WorkspacePath)
		if err != nil {
			if !errors.Is(err, store.ErrWorkspaceBindingNotFound) {
				slog.Warn("kvdb watcher failed to resolve workspace binding", "workspace_hash", session.WorkspaceHash, "error", err)
			}
			continue
		}
		w.trackTarget(target{
			workspaceHash: session.WorkspaceHash,
			storageLevel:  config.StorageLevelWorkspace,
			dbPath:        binding.DatabasePath,
		})
	}
}

func (w *Watcher) trackTarget(t target) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.targets[t.dbPath]; ok {
		return
	}
	w.targets[t.dbPath] = t

	dir := filepath.Dir(t.dbPath)
	if _, ok := w.watchedDirs[dir]; !ok {
		if err := w.fsWatcher.Add(dir); err != nil {
			slog.Warn("kvdb watcher failed to watch directory", "dir", dir, "error", err)
		} else {
			w.watchedDirs[dir] = struct{}{}
		}
	}
}

func (w *Watcher) matchWatchedFile(name string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	base := filepath.Base(name)
	for dbPath := range w.targets {
		if strings.HasPrefix(base, filepath.Base(dbPath)) {
			return dbPath, true
		}
	}
	return "", false
}

func (w *Watcher) scheduleResync(dbPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.debounceTimers[dbPath]; ok {
		t.Stop()
	}
	w.debounceTimers[dbPath] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		w.pending[dbPath] = struct{}{}
		w.mu.Unlock()
		w.sendSignal()
	})
}

func (w *Watcher) sendSignal() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Watcher) drainPending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.pending))
	for dbPath := range w.pending {
		out = append(out, dbPath)
	}
	w.pending = make(map[string]struct{})
	return out
}

// SyncAll resynchronizes every tracked database once. Exported so tests and
// a future one-shot mode can drive a pass directly without waiting on the
// poll ticker.
func (w *Watcher) SyncAll(ctx context.Context) {
	w.mu.Lock()
	dbPaths := make([]string, 0, len(w.targets))
	for dbPath := range w.targets {
		dbPaths = append(dbPaths, dbPath)
	}
	w.mu.Unlock()

	for _, dbPath := range dbPaths {
		w.syncOne(ctx, dbPath)
	}
}

func (w *Watcher) syncOne(ctx context.Context, dbPath string) {
	w.mu.Lock()
	t, ok := w.targets[dbPath]
	w.mu.Unlock()
	if !ok {
		return
	}

	db, err := store.OpenReadOnlyExternal(ctx, dbPath, w.busyTimeout)
	if err != nil {
		slog.Warn("kvdb watcher degraded: cannot open database", "db_path", dbPath, "error", err)
		return
	}
	defer db.Close()

	if t.storageLevel == config.StorageLevelGlobal {
		w.syncGlobal(ctx, db, t)
	} else {
		w.syncWorkspace(ctx, db, t)
	}
}

func (w *Watcher) syncWorkspace(ctx context.Context, db *sql.DB, t target) {
	for _, key := range workspaceKeys {
		raw, err := queryValue(ctx, db, "ItemTable", key)
		if err != nil || raw == nil {
			if err != nil {
				slog.Warn("kvdb watcher query failed", "key", key, "error", err)
			}
			continue
		}

		ectx := extractContext{workspaceHash: t.workspaceHash, storageLevel: t.storageLevel, databaseTable: "ItemTable", itemKey: key}
		id := watermarkID(string(t.storageLevel), t.workspaceHash, key)

		switch key {
		case "aiService.generations":
			w.syncTimestamped(ctx, id, raw, ectx, extractGenerations)
		case "aiService.prompts":
			w.syncTimestamped(ctx, id, raw, ectx, extractPrompts)
		case "workbench.backgroundComposer.workspacePersistentData":
			w.syncOpaque(ctx, id, raw, ectx, extractBackgroundComposer)
		case "workbench.agentMode.exitInfo":
			w.syncOpaque(ctx, id, raw, ectx, extractAgentMode)
		}
	}
}

func (w *Watcher) syncGlobal(ctx context.Context, db *sql.DB, t target) {
	rows, err := queryComposerKeys(ctx, db)
	if err != nil {
		slog.Warn("kvdb watcher failed to list composer keys", "error", err)
		return
	}

	for _, row := range rows {
		composerID := strings.TrimPrefix(row.key, "composerData:")
		ectx := extractContext{workspaceHash: t.workspaceHash, storageLevel: config.StorageLevelGlobal, databaseTable: "cursorDiskKV", itemKey: row.key}
		id := watermarkID("global", t.workspaceHash, row.key)
		w.syncOpaque(ctx, id, row.value, ectx, func(ectx extractContext, raw []byte) ([]model.RawEvent, error) {
			return extractComposer(ectx, composerID, raw)
		})
	}
}

func (w *Watcher) syncTimestamped(ctx context.Context, id string, raw []byte, ectx extractContext, extract func(extractContext, []byte, int64) ([]model.RawEvent, int64, error)) {
	last := w.watermarks.TimestampWatermark(id)
	events, newWatermark, err := extract(ectx, raw, last)
	if err != nil {
		slog.Warn("kvdb watcher extraction failed", "item_key", ectx.itemKey, "error", err)
		return
	}
	w.watermarks.AdvanceTimestampWatermark(id, newWatermark)
	w.publish(ctx, events)
}

func (w *Watcher) syncOpaque(ctx context.Context, id string, raw []byte, ectx extractContext, extract func(extractContext, []byte) ([]model.RawEvent, error)) {
	changed, err := w.watermarks.ContentChanged(id, raw)
	if err != nil {
		slog.Warn("kvdb watcher failed to hash value", "item_key", ectx.itemKey, "error", err)
		return
	}
	if !changed {
		return
	}
	events, err := extract(ectx, raw)
	if err != nil {
		slog.Warn("kvdb watcher extraction failed", "item_key", ectx.itemKey, "error", err)
		return
	}
	w.publish(ctx, events)
}

func (w *Watcher) publish(ctx context.Context, events []model.RawEvent) {
	for _, event := range events {
		if _, err := w.bus.Publish(ctx, w.stream, w.limit, event); err != nil {
			slog.Error("kvdb watcher failed to publish event", "event_type", event.EventType, "error", err)
		}
	}
}

func queryValue(ctx context.Context, db *sql.DB, table, key string) ([]byte, error) {
	return withRetry(ctx, func(qctx context.Context) ([]byte, error) {
		row := db.QueryRowContext(qctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table), key)
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		return raw, nil
	})
}

type composerKeyValue struct {
	key   string
	value []byte
}

func queryComposerKeys(ctx context.Context, db *sql.DB) ([]composerKeyValue, error) {
	return withRetry(ctx, func(qctx context.Context) ([]composerKeyValue, error) {
		rows, err := db.QueryContext(qctx, `SELECT key, value FROM cursorDiskKV WHERE key LIKE 'composerData:%'`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []composerKeyValue
		for rows.Next() {
			var kv composerKeyValue
			if err := rows.Scan(&kv.key, &kv.value); err != nil {
				return nil, err
			}
			out = append(out, kv)
		}
		return out, rows.Err()
	})
}
