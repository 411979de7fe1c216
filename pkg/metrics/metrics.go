// Package metrics holds the small set of process-wide counters permitted
// by spec §9 ("a small metrics struct is permissible as process-wide
// state"): no external metrics backend, just atomics a health endpoint or
// log line can read.
package metrics

import "sync/atomic"

// Counters is safe for concurrent use by every consumer, watcher, and
// sweeper goroutine in the process.
type Counters struct {
	eventsIngested   atomic.Int64
	eventsPersisted  atomic.Int64
	batchesProcessed atomic.Int64
	eventsDeduped    atomic.Int64
	eventsDLQed      atomic.Int64
	sessionsStarted  atomic.Int64
	sessionsEnded    atomic.Int64
}

// Snapshot is a point-in-time copy of Counters, safe to marshal or log.
type Snapshot struct {
	EventsIngested   int64 `json:"events_ingested"`
	EventsPersisted  int64 `json:"events_persisted"`
	BatchesProcessed int64 `json:"batches_processed"`
	EventsDeduped    int64 `json:"events_deduped"`
	EventsDLQed      int64 `json:"events_dlqed"`
	SessionsStarted  int64 `json:"sessions_started"`
	SessionsEnded    int64 `json:"sessions_ended"`
}

func (c *Counters) IncEventsIngested()           { c.eventsIngested.Add(1) }
func (c *Counters) AddEventsPersisted(n int64)    { c.eventsPersisted.Add(n) }
func (c *Counters) IncBatchesProcessed()          { c.batchesProcessed.Add(1) }
func (c *Counters) IncEventsDeduped()             { c.eventsDeduped.Add(1) }
func (c *Counters) AddEventsDLQed(n int64)         { c.eventsDLQed.Add(n) }
func (c *Counters) IncSessionsStarted()           { c.sessionsStarted.Add(1) }
func (c *Counters) IncSessionsEnded()             { c.sessionsEnded.Add(1) }

// Snapshot reads all counters without blocking writers.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		EventsIngested:   c.eventsIngested.Load(),
		EventsPersisted:  c.eventsPersisted.Load(),
		BatchesProcessed: c.batchesProcessed.Load(),
		EventsDeduped:    c.eventsDeduped.Load(),
		EventsDLQed:      c.eventsDLQed.Load(),
		SessionsStarted:  c.sessionsStarted.Load(),
		SessionsEnded:    c.sessionsEnded.Load(),
	}
}
