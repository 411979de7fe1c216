// Package cdc publishes change-data-capture notifications after each
// durable store append (spec §4.4). It never carries payload data: a
// notification tells a downstream consumer a row exists, not what it
// contains, so CDC never blocks or retries the ingest path.
package cdc

import (
	"context"
	"log/slog"
	"time"

	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/eventbus"
	"github.com/tracehub/telemetryd/pkg/model"
)

// Publisher emits CDCNotifications to the cdc:events stream.
type Publisher struct {
	bus   *eventbus.Bus
	limit config.StreamConfig
}

// New builds a Publisher bound to bus with the given trimming limit.
func New(bus *eventbus.Bus, limit config.StreamConfig) *Publisher {
	return &Publisher{bus: bus, limit: limit}
}

// Notify publishes one notification per durably-written row. Failure is
// logged, not propagated: at-least-once CDC delivery is permitted by spec
// §4.4, and a publish error must never roll back or retry the store write
// that already committed.
func (p *Publisher) Notify(ctx context.Context, n model.CDCNotification) {
	fields := map[string]any{
		"sequence":   n.Sequence,
		"event_id":   n.EventID,
		"session_id": n.SessionID,
		"event_type": string(n.EventType),
		"platform":   n.Platform,
		"timestamp":  n.Timestamp.UTC().Format(time.RFC3339Nano),
		"priority":   n.Priority,
	}
	if err := p.bus.PublishFields(ctx, eventbus.StreamCDC, p.limit, fields); err != nil {
		slog.Error("failed to publish cdc notification", "event_id", n.EventID, "sequence", n.Sequence, "error", err)
	}
}

// NotifyFromTrace is the common path: derive a notification from an
// ingested event and its assigned sequence, then publish it.
func (p *Publisher) NotifyFromTrace(ctx context.Context, event model.RawEvent, sequence int64) {
	p.Notify(ctx, model.CDCNotification{
		Sequence:  sequence,
		EventID:   event.EventID,
		SessionID: event.SessionID,
		EventType: event.EventType,
		Platform:  string(event.Platform),
		Timestamp: event.Timestamp,
		Priority:  event.EventType.Priority(),
	})
}
