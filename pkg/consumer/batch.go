package consumer

import (
	"sync"
	"time"

	"github.com/tracehub/telemetryd/pkg/model"
)

// BatchItem pairs a decoded event with the stream message id it arrived on,
// so a later DLQ detour can strip it back out of an in-flight batch.
type BatchItem struct {
	Event     model.RawEvent
	MessageID string
}

// BatchManager accumulates BatchItems in insertion order and decides when a
// batch is ready to flush: full, or non-empty and older than the batch
// timeout (spec §4.3.1).
type BatchManager struct {
	mu       sync.Mutex
	items    []BatchItem
	maxSize  int
	timeout  time.Duration
	oldestAt time.Time
}

// NewBatchManager builds a BatchManager flushing at maxSize items or
// timeout, whichever comes first.
func NewBatchManager(maxSize int, timeout time.Duration) *BatchManager {
	return &BatchManager{maxSize: maxSize, timeout: timeout}
}

// Add appends item to the batch.
func (b *BatchManager) Add(item BatchItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		b.oldestAt = time.Now()
	}
	b.items = append(b.items, item)
}

// Len reports the current in-memory batch size.
func (b *BatchManager) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Ready reports whether the batch should be flushed now.
func (b *BatchManager) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return false
	}
	if len(b.items) >= b.maxSize {
		return true
	}
	return time.Since(b.oldestAt) >= b.timeout
}

// GetBatch atomically drains and returns every accumulated item.
func (b *BatchManager) GetBatch() []BatchItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// RemoveMessageIDs strips the named message ids from the in-memory batch,
// used when a subset is routed to the DLQ mid-batch (spec §4.3.1).
func (b *BatchManager) RemoveMessageIDs(ids map[string]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.items[:0]
	for _, item := range b.items {
		if _, drop := ids[item.MessageID]; drop {
			continue
		}
		kept = append(kept, item)
	}
	b.items = kept
}

// SetMaxSize updates the flush threshold, called by the adaptive sizer
// (spec §4.3.5: "changes apply to both the read count and the batch-manager
// threshold").
func (b *BatchManager) SetMaxSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxSize = n
}

// MaxSize returns the current flush threshold.
func (b *BatchManager) MaxSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSize
}
