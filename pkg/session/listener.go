package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracehub/telemetryd/pkg/eventbus"
	"github.com/tracehub/telemetryd/pkg/model"
)

const (
	listenerGroup = "session_listeners"

	listenerBackoffBase = 200 * time.Millisecond
	listenerBackoffMax  = 10 * time.Second
)

// Listener reads session_start/session_end events off the bus and drives
// Manager (spec §4.1.3). It owns no fast-path data: the consumer packages
// persist trace rows independently and only need Manager's active map to
// resolve workspace context.
type Listener struct {
	bus      *eventbus.Bus
	manager  *Manager
	stream   string
	consumer string
}

// NewListener builds a Listener reading stream with the given consumer
// identity, joining the shared "session_listeners" group.
func NewListener(bus *eventbus.Bus, manager *Manager, stream, consumerName string) *Listener {
	return &Listener{bus: bus, manager: manager, stream: stream, consumer: consumerName}
}

// Recover runs the startup sequence required before any new message is
// processed (spec §4.1.3): repopulate the active map, then claim and handle
// every entry still pending in the session_listeners group, whichever
// consumer it was delivered to, so crash-interrupted session events aren't
// lost.
func (l *Listener) Recover(ctx context.Context) error {
	if err := l.bus.EnsureGroup(ctx, l.stream, listenerGroup); err != nil {
		return err
	}

	recovered, err := l.manager.Recover(ctx)
	if err != nil {
		return err
	}
	slog.Info("session listener recovered active sessions", "count", recovered)

	return l.drainOwnPEL(ctx)
}

func (l *Listener) drainOwnPEL(ctx context.Context) error {
	cursor := "0"
	for {
		msgs, next, err := l.bus.ClaimAbandoned(ctx, l.stream, listenerGroup, l.consumer, 0, cursor, 200)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			l.handle(ctx, msg)
		}
		if next == "0" || len(msgs) == 0 {
			return nil
		}
		cursor = next
	}
}

// Run processes new messages until ctx is cancelled. A transient bus error
// backs off with a capped exponential delay rather than retrying in a tight
// loop (spec §7: "log, back off, retry in loop; never drop").
func (l *Listener) Run(ctx context.Context) error {
	backoff := listenerBackoffBase
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := l.bus.ReadGroup(ctx, l.stream, listenerGroup, l.consumer, 50)
		if err != nil {
			slog.Error("session listener read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > listenerBackoffMax {
				backoff = listenerBackoffMax
			}
			continue
		}
		backoff = listenerBackoffBase

		for _, msg := range msgs {
			l.handle(ctx, msg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, msg model.StreamMessage) {
	event, err := eventbus.DecodeEvent(msg)
	if err != nil {
		slog.Error("session listener failed to decode event", "message_id", msg.ID, "error", err)
		_ = l.bus.Ack(ctx, l.stream, listenerGroup, msg.ID)
		return
	}

	switch event.EventType {
	case model.EventTypeSessionStart:
		l.handleStart(ctx, event)
	case model.EventTypeSessionEnd:
		l.handleEnd(ctx, event)
	default:
		// Not a lifecycle event; this listener only cares about the two
		// lifecycle types and still acknowledges everything else it reads
		// off the shared stream.
	}

	if err := l.bus.Ack(ctx, l.stream, listenerGroup, msg.ID); err != nil {
		slog.Error("session listener failed to ack", "message_id", msg.ID, "error", err)
	}
}

func (l *Listener) handleStart(ctx context.Context, event model.RawEvent) {
	workspacePath, _ := event.Metadata["workspace_path"].(string)
	startedAt := event.Timestamp
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	if _, err := l.manager.Start(ctx, event.Platform, event.SessionID, event.Metadata.WorkspaceHash(), workspacePath, startedAt, event.Metadata); err != nil {
		slog.Error("failed to start session", "session_id", event.SessionID, "platform", event.Platform, "error", err)
	}
}

func (l *Listener) handleEnd(ctx context.Context, event model.RawEvent) {
	endedAt := event.Timestamp
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	if err := l.manager.End(ctx, event.Platform, event.SessionID, event.Metadata.WorkspaceHash(), endedAt); err != nil {
		slog.Error("failed to end session", "session_id", event.SessionID, "platform", event.Platform, "error", err)
	}
}
