// Package consumer implements the fast-path consumers (spec §4.3): one
// process per platform, each filtering its input, batching it, and
// appending it durably to that platform's SQL trace table before
// acknowledging the originating stream messages.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracehub/telemetryd/pkg/cdc"
	"github.com/tracehub/telemetryd/pkg/config"
	"github.com/tracehub/telemetryd/pkg/eventbus"
	"github.com/tracehub/telemetryd/pkg/model"
	"github.com/tracehub/telemetryd/pkg/store"
)

const (
	maxRetries         = 3
	pelPageSize        = 100
	pelBacklogSize     = 200
	maxPELPassesBound  = 10
	throttleSleep      = 100 * time.Millisecond
	throttleLatency    = 50 * time.Millisecond
	shutdownFlushGrace = 10 * time.Second

	busBackoffBase = 200 * time.Millisecond
	busBackoffMax  = 10 * time.Second
)

// Consumer runs the main loop of spec §4.3.2 against one logical stream
// for one platform: process the PEL, adjust the adaptive batch size,
// throttle if the downstream is slow, read new messages, and flush ready
// batches through persist.
type Consumer struct {
	bus          *eventbus.Bus
	stream       string
	group        string
	consumerName string
	dlqLimit     config.StreamConfig

	keep    func(model.RawEvent) bool
	persist func(context.Context, []model.RawEvent) error

	pendingRetryIdle time.Duration

	batch *BatchManager
	sizer *AdaptiveBatchSizer

	busBackoff time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func newConsumer(bus *eventbus.Bus, stream, group, consumerName string, dlqLimit config.StreamConfig, batching config.BatchingConfig, keep func(model.RawEvent) bool, persist func(context.Context, []model.RawEvent) error) *Consumer {
	return &Consumer{
		bus:              bus,
		stream:           stream,
		group:            group,
		consumerName:     consumerName,
		dlqLimit:         dlqLimit,
		keep:             keep,
		persist:          persist,
		pendingRetryIdle: pendingRetryIdle(batching.DefaultTimeout),
		batch:            NewBatchManager(batching.DefaultSize, batching.DefaultTimeout),
		sizer:            NewAdaptiveBatchSizer(batching.DefaultSize, batching.MinSize, batching.MaxSize, batching.TargetLatency),
		busBackoff:       busBackoffBase,
	}
}

// NewClaudeConsumer builds the transcript-platform consumer.
func NewClaudeConsumer(bus *eventbus.Bus, st *store.Client, publisher *cdc.Publisher, cfg config.Config, consumerName string) *Consumer {
	return newConsumer(bus, eventbus.StreamEvents, "claude-transcript-consumers", consumerName, cfg.Streams.DLQ, cfg.Batching, KeepTranscript, persistClaudeBatch(st, publisher))
}

// NewCursorConsumer builds the embedded-KV-database-platform consumer.
func NewCursorConsumer(bus *eventbus.Bus, st *store.Client, publisher *cdc.Publisher, cfg config.Config, consumerName string) *Consumer {
	return newConsumer(bus, eventbus.StreamEvents, "cursor-kv-consumers", consumerName, cfg.Streams.DLQ, cfg.Batching, KeepKV, persistCursorBatch(st, publisher))
}

func pendingRetryIdle(batchTimeout time.Duration) time.Duration {
	if batchTimeout < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return batchTimeout
}

// Start ensures the consumer group exists and launches the main loop.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cancel != nil {
		return nil
	}
	if err := c.bus.EnsureGroup(ctx, c.stream, c.group); err != nil {
		return fmt.Errorf("ensure consumer group %s/%s: %w", c.stream, c.group, err)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Stop cancels the main loop and waits for it to exit. On its way out the
// loop gives a pending batch one flush bounded by shutdownFlushGrace;
// messages it does not acknowledge return through the PEL on restart.
func (c *Consumer) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			c.flushOnShutdown()
			return
		}

		c.processPEL(ctx)
		c.batch.SetMaxSize(c.sizer.Current())

		if c.shouldThrottle() {
			if c.batch.Ready() {
				c.flush(ctx)
			}
			select {
			case <-ctx.Done():
				c.flushOnShutdown()
				return
			case <-time.After(throttleSleep):
			}
			continue
		}

		c.readNewMessages(ctx)

		if c.batch.Ready() {
			c.flush(ctx)
		}
	}
}

// flushOnShutdown gives an in-flight, not-yet-ready batch one bounded
// chance to reach durable storage before the consumer stops (spec §5
// "Cancellation": flushes in-flight batches bounded by a grace period).
// The parent ctx is already cancelled, so this uses its own timeout.
func (c *Consumer) flushOnShutdown() {
	if c.batch.Len() == 0 {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushGrace)
	defer cancel()
	c.flush(shutdownCtx)
}

// backoffOnBusError sleeps for a capped exponential delay after a transient
// bus failure so a connection drop or timeout never turns the main loop
// into a busy-loop (spec §7: "log, back off, retry in loop; never drop").
// It returns promptly if ctx is cancelled in the meantime.
func (c *Consumer) backoffOnBusError(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.busBackoff):
	}
	c.busBackoff *= 2
	if c.busBackoff > busBackoffMax {
		c.busBackoff = busBackoffMax
	}
}

func (c *Consumer) resetBusBackoff() {
	c.busBackoff = busBackoffBase
}

func (c *Consumer) shouldThrottle() bool {
	if c.batch.Len() >= (c.batch.MaxSize()*9)/10 {
		return true
	}
	return c.sizer.MeanRecentLatency(5) > throttleLatency
}

// processPEL implements spec §4.3.2 step 1: entries idle past
// pendingRetryIdle are claimed; claimed entries already at max_retries are
// routed to the DLQ instead of being resubmitted. When the PEL is large it
// runs several passes before returning so new-message reads never starve a
// growing backlog.
func (c *Consumer) processPEL(ctx context.Context) {
	for pass := 0; pass < maxPELPassesBound; pass++ {
		summary, err := c.bus.Pending(ctx, c.stream, c.group)
		if err != nil {
			slog.Warn("consumer failed to query pending entries", "stream", c.stream, "group", c.group, "error", err)
			c.backoffOnBusError(ctx)
			return
		}
		c.resetBusBackoff()
		if summary.Count == 0 {
			return
		}

		msgs, _, err := c.bus.ClaimAbandoned(ctx, c.stream, c.group, c.consumerName, c.pendingRetryIdle, "0", pelPageSize)
		if err != nil {
			slog.Warn("consumer failed to claim abandoned messages", "stream", c.stream, "group", c.group, "error", err)
			c.backoffOnBusError(ctx)
			return
		}
		if len(msgs) == 0 {
			return
		}

		for _, msg := range msgs {
			c.handleClaimed(ctx, msg)
		}

		if summary.Count <= pelBacklogSize {
			return
		}
	}
}

func (c *Consumer) handleClaimed(ctx context.Context, msg model.StreamMessage) {
	deliveryCount, err := c.bus.DeliveryCount(ctx, c.stream, c.group, msg.ID)
	if err != nil {
		slog.Warn("consumer failed to read delivery count", "stream", c.stream, "message_id", msg.ID, "error", err)
		return
	}
	if deliveryCount >= maxRetries {
		c.moveToDLQ(ctx, msg, deliveryCount, "max_retries_exceeded")
		return
	}
	c.ingest(ctx, msg)
}

func (c *Consumer) readNewMessages(ctx context.Context) {
	msgs, err := c.bus.ReadGroup(ctx, c.stream, c.group, c.consumerName, int64(c.sizer.Current()))
	if err != nil {
		slog.Warn("consumer failed to read new messages", "stream", c.stream, "group", c.group, "error", err)
		c.backoffOnBusError(ctx)
		return
	}
	c.resetBusBackoff()
	for _, msg := range msgs {
		c.ingest(ctx, msg)
		if c.batch.Ready() {
			c.flush(ctx)
		}
	}
}

func (c *Consumer) ingest(ctx context.Context, msg model.StreamMessage) {
	event, err := eventbus.DecodeEvent(msg)
	if err != nil {
		c.moveToDLQ(ctx, msg, 0, "decode_error")
		return
	}
	if !c.keep(event) {
		if err := c.bus.Ack(ctx, c.stream, c.group, msg.ID); err != nil {
			slog.Warn("consumer failed to ack filtered message", "stream", c.stream, "message_id", msg.ID, "error", err)
		}
		return
	}
	c.batch.Add(BatchItem{Event: event, MessageID: msg.ID})
}

func (c *Consumer) moveToDLQ(ctx context.Context, msg model.StreamMessage, retryCount int64, reason string) {
	entry := model.DLQEntry{
		OriginalFields:    msg.Fields,
		OriginalMessageID: msg.ID,
		MovedToDLQAt:      time.Now().UTC(),
		RetryCount:        int(retryCount),
		ErrorType:         reason,
		ErrorMessage:      reason,
		StreamName:        c.stream,
		GroupName:         c.group,
		ConsumerName:      c.consumerName,
	}
	if err := c.bus.MoveToDLQ(ctx, c.dlqLimit, entry); err != nil {
		slog.Error("consumer failed to move message to dlq", "stream", c.stream, "message_id", msg.ID, "error", err)
		return
	}
	c.batch.RemoveMessageIDs(map[string]struct{}{msg.ID: {}})
}

// flush drains the batch manager and durably appends it. A failure after
// decode leaves the batch's messages unacknowledged; they return through
// the PEL on a later pass (spec §4.3.4: "if any step after (1) fails, the
// batch is not acknowledged").
func (c *Consumer) flush(ctx context.Context) {
	items := c.batch.GetBatch()
	if len(items) == 0 {
		return
	}

	events := make([]model.RawEvent, len(items))
	ids := make([]string, len(items))
	for i, item := range items {
		events[i] = item.Event
		ids[i] = item.MessageID
	}

	start := time.Now()
	if err := c.persist(ctx, events); err != nil {
		slog.Error("consumer failed to persist batch", "stream", c.stream, "group", c.group, "count", len(events), "error", err)
		return
	}
	c.sizer.Observe(time.Since(start))

	if err := c.bus.Ack(ctx, c.stream, c.group, ids...); err != nil {
		slog.Error("consumer failed to ack persisted batch", "stream", c.stream, "group", c.group, "count", len(ids), "error", err)
	}
}

func compressEvent(event model.RawEvent) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	return store.CompressPayload(raw)
}

func persistClaudeBatch(st *store.Client, publisher *cdc.Publisher) func(context.Context, []model.RawEvent) error {
	return func(ctx context.Context, events []model.RawEvent) error {
		rows := make([]model.ClaudeTraceRow, len(events))
		for i, event := range events {
			row, err := ExtractClaudeTraceRow(event)
			if err != nil {
				return fmt.Errorf("extract claude trace row: %w", err)
			}
			compressed, err := compressEvent(event)
			if err != nil {
				return err
			}
			row.EventData = compressed
			rows[i] = row
		}
		if err := st.InsertClaudeTraces(ctx, rows); err != nil {
			return err
		}
		for i := range rows {
			if !rows[i].Inserted {
				continue
			}
			publisher.NotifyFromTrace(ctx, events[i], rows[i].Sequence)
		}
		return nil
	}
}

func persistCursorBatch(st *store.Client, publisher *cdc.Publisher) func(context.Context, []model.RawEvent) error {
	return func(ctx context.Context, events []model.RawEvent) error {
		rows := make([]model.CursorTraceRow, len(events))
		for i, event := range events {
			row, err := ExtractCursorTraceRow(event)
			if err != nil {
				return fmt.Errorf("extract cursor trace row: %w", err)
			}
			compressed, err := compressEvent(event)
			if err != nil {
				return err
			}
			row.EventData = compressed
			rows[i] = row
		}
		if err := st.InsertCursorTraces(ctx, rows); err != nil {
			return err
		}
		for i := range rows {
			if !rows[i].Inserted {
				continue
			}
			publisher.NotifyFromTrace(ctx, events[i], rows[i].Sequence)
		}
		return nil
	}
}
