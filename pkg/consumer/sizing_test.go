package consumer

import (
	"testing"
	"time"
)

func TestAdaptiveBatchSizerClampsInitialToBounds(t *testing.T) {
	s := NewAdaptiveBatchSizer(1000, 10, 100, 10*time.Millisecond)
	if s.Current() != 100 {
		t.Fatalf("expected initial clamped to max 100, got %d", s.Current())
	}
	s2 := NewAdaptiveBatchSizer(1, 10, 100, 10*time.Millisecond)
	if s2.Current() != 10 {
		t.Fatalf("expected initial clamped to min 10, got %d", s2.Current())
	}
}

func TestAdaptiveBatchSizerShrinksOnHighLatency(t *testing.T) {
	s := NewAdaptiveBatchSizer(50, 10, 100, 10*time.Millisecond)
	for i := 0; i < 5; i++ {
		s.Observe(25 * time.Millisecond)
	}
	if s.Current() >= 50 {
		t.Fatalf("expected size to shrink below 50 after sustained high latency, got %d", s.Current())
	}
}

func TestAdaptiveBatchSizerGrowsOnLowLatency(t *testing.T) {
	s := NewAdaptiveBatchSizer(50, 10, 100, 10*time.Millisecond)
	for i := 0; i < 5; i++ {
		s.Observe(2 * time.Millisecond)
	}
	if s.Current() <= 50 {
		t.Fatalf("expected size to grow above 50 after sustained low latency, got %d", s.Current())
	}
}

func TestAdaptiveBatchSizerNeverShrinksBelowMin(t *testing.T) {
	s := NewAdaptiveBatchSizer(12, 10, 100, time.Millisecond)
	for i := 0; i < 50; i++ {
		s.Observe(time.Second)
	}
	if s.Current() < 10 {
		t.Fatalf("size should never drop below configured min, got %d", s.Current())
	}
}

func TestAdaptiveBatchSizerNeverGrowsAboveMax(t *testing.T) {
	s := NewAdaptiveBatchSizer(90, 10, 100, time.Second)
	for i := 0; i < 50; i++ {
		s.Observe(time.Microsecond)
	}
	if s.Current() > 100 {
		t.Fatalf("size should never exceed configured max, got %d", s.Current())
	}
}

func TestAdaptiveBatchSizerMeanRecentLatencyUsesLastNObservations(t *testing.T) {
	s := NewAdaptiveBatchSizer(50, 10, 100, time.Hour)
	s.Observe(100 * time.Millisecond)
	s.Observe(10 * time.Millisecond)
	s.Observe(10 * time.Millisecond)

	mean := s.MeanRecentLatency(2)
	if mean != 10*time.Millisecond {
		t.Fatalf("expected mean of last 2 observations (10ms), got %s", mean)
	}
}

func TestAdaptiveBatchSizerMeanRecentLatencyZeroWithNoObservations(t *testing.T) {
	s := NewAdaptiveBatchSizer(50, 10, 100, time.Hour)
	if s.MeanRecentLatency(5) != 0 {
		t.Fatalf("expected zero mean with no observations")
	}
}
