// Package transcript implements the JSONL tail watcher for the transcript
// (Claude) platform (spec §4.1.1): for each active session it tails the
// session's own file plus any agent files discovered along the way, and
// emits one RawEvent per new line directly onto the event bus.
package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/eventbus"
	"github.com/tracehub/telemetryd/pkg/model"
)

const dedupeTTL = 24 * time.Hour

// SessionSource supplies the currently active sessions. pkg/session.Manager
// satisfies this directly; the watcher depends on the interface so it never
// needs to import the session package's internals.
type SessionSource interface {
	Active() []model.Session
}

// Watcher tails JSONL transcript files for every active claude-platform
// session (spec §4.1.1).
type Watcher struct {
	projectsDir  string
	pollInterval time.Duration
	bus          *eventbus.Bus
	stream       string
	limit        config.StreamConfig
	sessions     SessionSource
	dedupe       *dedupeCache

	mu    sync.Mutex
	state map[string]*sessionState // keyed by session external_id

	cancel context.CancelFunc
	done   chan struct{}
}

type sessionState struct {
	workspacePath string
	workspaceHash string
	projectDir    string
	files         map[string]*fileState
	knownAgents   map[string]struct{}
}

type fileState struct {
	path    string
	offset  int64
	size    int64
	modTime time.Time
}

// New builds a Watcher. projectsDir is the assistant's project root
// (config.PathsConfig.ClaudeProjectsDir); pollInterval comes from
// config.MonitoringConfig.ClaudeJSONL.
func New(projectsDir string, pollInterval time.Duration, bus *eventbus.Bus, stream string, limit config.StreamConfig, sessions SessionSource) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Watcher{
		projectsDir:  projectsDir,
		pollInterval: pollInterval,
		bus:          bus,
		stream:       stream,
		limit:        limit,
		sessions:     sessions,
		dedupe:       newDedupeCache(dedupeTTL),
		state:        make(map[string]*sessionState),
	}
}

// Start launches the poll loop in the background.
func (w *Watcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop signals the poll loop to exit and waits for it to finish.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(time.Hour)
	defer sweepTicker.Stop()

	w.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			w.PollOnce(ctx)
		case <-sweepTicker.C:
			removed := w.dedupe.Sweep(time.Now())
			if removed > 0 {
				slog.Debug("transcript watcher swept dedupe cache", "removed", removed)
			}
		}
	}
}

// PollOnce tails every active claude session's files once. Exported so
// tests (and a future CLI one-shot mode) can drive a single pass directly.
func (w *Watcher) PollOnce(ctx context.Context) {
	for _, session := range w.sessions.Active() {
		if session.Platform != config.PlatformClaude {
			continue
		}
		st := w.sessionStateFor(session)
		if st == nil {
			// Directory not found this cycle; session is treated as ended
			// on the next timeout sweep if it never reappears (spec
			// §4.1.1 failure modes).
			continue
		}
		w.pollSessionFiles(ctx, session, st)
	}
}

func (w *Watcher) sessionStateFor(session model.Session) *sessionState {
	w.mu.Lock()
	st, ok := w.state[session.ExternalID]
	w.mu.Unlock()
	if ok {
		return st
	}

	dir, workspacePath, ok := w.discover(session)
	if !ok {
		return nil
	}

	st = &sessionState{
		workspacePath: workspacePath,
		workspaceHash: session.WorkspaceHash,
		projectDir:    dir,
		files:         make(map[string]*fileState),
		knownAgents:   make(map[string]struct{}),
	}
	mainFile := filepath.Join(dir, session.ExternalID+".jsonl")
	st.files[mainFile] = &fileState{path: mainFile}

	w.mu.Lock()
	w.state[session.ExternalID] = st
	w.mu.Unlock()
	return st
}

func (w *Watcher) discover(session model.Session) (dir, workspacePath string, ok bool) {
	if session.WorkspacePath != "" {
		candidate := filepath.Join(w.projectsDir, projectDirName(session.WorkspacePath))
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, session.WorkspacePath, true
		}
	}
	return scanForSessionFile(w.projectsDir, session.ExternalID)
}

func (w *Watcher) pollSessionFiles(ctx context.Context, session model.Session, st *sessionState) {
	// Copy the file list under lock; tailing itself does blocking I/O and
	// must not hold the watcher's mutex.
	w.mu.Lock()
	files := make([]*fileState, 0, len(st.files))
	for _, fs := range st.files {
		files = append(files, fs)
	}
	w.mu.Unlock()

	for _, fs := range files {
		w.tailFile(ctx, session, st, fs)
	}
}

func (w *Watcher) tailFile(ctx context.Context, session model.Session, st *sessionState, fs *fileState) {
	info, err := os.Stat(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return // missing: skip (spec §4.1.1 failure modes)
		}
		slog.Warn("transcript watcher failed to stat file", "path", fs.path, "error", err)
		return
	}
	if info.Size() == fs.size && info.ModTime().Equal(fs.modTime) {
		return // unchanged
	}

	f, err := os.Open(fs.path)
	if err != nil {
		slog.Warn("transcript watcher failed to open file", "path", fs.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(fs.offset, io.SeekStart); err != nil {
		slog.Warn("transcript watcher failed to seek", "path", fs.path, "error", err)
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	offset := fs.offset
	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		var entry jsonlEntry
		if err := json.Unmarshal(trimmed, &entry); err != nil {
			slog.Warn("transcript watcher skipped unreadable line", "path", fs.path, "error", err)
			continue
		}

		lineCopy := append([]byte(nil), trimmed...)
		w.handleEntry(ctx, session, st, entry, lineCopy)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("transcript watcher scan error", "path", fs.path, "error", err)
	}

	fs.offset = offset
	fs.size = info.Size()
	fs.modTime = info.ModTime()
}

// jsonlEntry is the subset of a transcript line the watcher needs to route
// and tag the event; the full line travels verbatim in payload.entry_data.
type jsonlEntry struct {
	Type          string `json:"type"`
	UUID          string `json:"uuid"`
	ToolUseResult struct {
		AgentID      string `json:"agentId"`
		GenerationID string `json:"generationId"`
	} `json:"toolUseResult"`
}

func (w *Watcher) handleEntry(ctx context.Context, session model.Session, st *sessionState, entry jsonlEntry, rawLine []byte) {
	if agentID := entry.ToolUseResult.AgentID; agentID != "" {
		w.discoverAgentFile(st, agentID)
	}

	key := dedupeKey{workspaceHash: st.workspaceHash, generationID: entry.ToolUseResult.GenerationID}
	if w.dedupe.CheckAndMark(key, time.Now()) {
		return
	}

	event, err := buildEvent(session, st, entry, rawLine)
	if err != nil {
		slog.Warn("transcript watcher failed to build event", "session_id", session.ExternalID, "error", err)
		return
	}

	if _, err := w.bus.Publish(ctx, w.stream, w.limit, event); err != nil {
		slog.Error("transcript watcher failed to publish event", "session_id", session.ExternalID, "error", err)
	}
}

func (w *Watcher) discoverAgentFile(st *sessionState, agentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := st.knownAgents[agentID]; ok {
		return
	}
	st.knownAgents[agentID] = struct{}{}

	path := filepath.Join(st.projectDir, fmt.Sprintf("agent-%s.jsonl", agentID))
	if _, ok := st.files[path]; ok {
		return
	}
	st.files[path] = &fileState{path: path}
}

func buildEvent(session model.Session, st *sessionState, entry jsonlEntry, rawLine []byte) (model.RawEvent, error) {
	eventID := entry.UUID
	if eventID == "" {
		eventID = uuid.New().String()
	}

	payload, err := json.Marshal(map[string]json.RawMessage{"entry_data": json.RawMessage(rawLine)})
	if err != nil {
		return model.RawEvent{}, err
	}

	return model.RawEvent{
		Version:   "1",
		HookType:  "JSONLTrace",
		Platform:  config.PlatformClaude,
		EventType: model.EventType(entry.Type),
		Timestamp: time.Now().UTC(),
		EventID:   eventID,
		SessionID: session.ExternalID,
		Metadata: model.Metadata{
			"workspace_hash": st.workspaceHash,
			"project_name":   model.WorkspaceNameFromPath(st.workspacePath),
			"source":         "jsonl_monitor",
		},
		Payload: payload,
	}, nil
}
