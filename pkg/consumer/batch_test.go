package consumer

import (
	"testing"
	"time"

	"github.com/tracehub/telemetryd/pkg/model"
)

func TestBatchManagerReadyWhenFull(t *testing.T) {
	b := NewBatchManager(2, time.Hour)
	b.Add(BatchItem{MessageID: "1"})
	if b.Ready() {
		t.Fatalf("batch should not be ready with 1/2 items")
	}
	b.Add(BatchItem{MessageID: "2"})
	if !b.Ready() {
		t.Fatalf("batch should be ready once full")
	}
}

func TestBatchManagerReadyWhenTimeoutElapses(t *testing.T) {
	b := NewBatchManager(100, 10*time.Millisecond)
	b.Add(BatchItem{MessageID: "1"})
	if b.Ready() {
		t.Fatalf("batch should not be ready immediately")
	}
	time.Sleep(20 * time.Millisecond)
	if !b.Ready() {
		t.Fatalf("batch should be ready once timeout elapses")
	}
}

func TestBatchManagerNotReadyWhenEmpty(t *testing.T) {
	b := NewBatchManager(1, time.Nanosecond)
	time.Sleep(time.Millisecond)
	if b.Ready() {
		t.Fatalf("an empty batch is never ready, regardless of elapsed time")
	}
}

func TestBatchManagerGetBatchDrainsAndResets(t *testing.T) {
	b := NewBatchManager(10, time.Hour)
	b.Add(BatchItem{MessageID: "1"})
	b.Add(BatchItem{MessageID: "2"})

	items := b.GetBatch()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if b.Len() != 0 {
		t.Fatalf("batch should be empty after GetBatch")
	}
	if b.Ready() {
		t.Fatalf("drained batch should not be ready")
	}
}

func TestBatchManagerRemoveMessageIDsFiltersInPlace(t *testing.T) {
	b := NewBatchManager(10, time.Hour)
	b.Add(BatchItem{MessageID: "1", Event: model.RawEvent{EventID: "e1"}})
	b.Add(BatchItem{MessageID: "2", Event: model.RawEvent{EventID: "e2"}})
	b.Add(BatchItem{MessageID: "3", Event: model.RawEvent{EventID: "e3"}})

	b.RemoveMessageIDs(map[string]struct{}{"2": {}})

	items := b.GetBatch()
	if len(items) != 2 {
		t.Fatalf("expected 2 remaining items, got %d", len(items))
	}
	for _, item := range items {
		if item.MessageID == "2" {
			t.Fatalf("message 2 should have been removed")
		}
	}
}

func TestBatchManagerSetMaxSizeAffectsReady(t *testing.T) {
	b := NewBatchManager(10, time.Hour)
	b.Add(BatchItem{MessageID: "1"})
	if b.Ready() {
		t.Fatalf("batch should not be ready yet")
	}
	b.SetMaxSize(1)
	if !b.Ready() {
		t.Fatalf("batch should become ready once max size shrinks below current length")
	}
	if b.MaxSize() != 1 {
		t.Fatalf("expected MaxSize 1, got %d", b.MaxSize())
	}
}
