package consumer

import (
	"sync"
	"time"
)

const latencyRingSize = 100

// AdaptiveBatchSizer tracks the trailing distribution of per-batch write
// latencies and shrinks or grows the current batch size to keep end-to-end
// latency near the target (spec §4.3.5).
type AdaptiveBatchSizer struct {
	mu          sync.Mutex
	latenciesMs []float64
	next        int
	filled      int
	current     int
	min         int
	max         int
	targetMs    float64
}

// NewAdaptiveBatchSizer builds a sizer starting at initial, bounded to
// [min, max], targeting target end-to-end write latency.
func NewAdaptiveBatchSizer(initial, min, max int, target time.Duration) *AdaptiveBatchSizer {
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &AdaptiveBatchSizer{
		latenciesMs: make([]float64, latencyRingSize),
		current:     initial,
		min:         min,
		max:         max,
		targetMs:    float64(target.Milliseconds()),
	}
}

// Current returns the batch size to use for the next read/flush cycle.
func (s *AdaptiveBatchSizer) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Observe records one batch's write latency and adjusts current size: a
// mean over 2x target shrinks by 20% (floor min), a mean under 0.5x target
// grows by 10% (ceiling max).
func (s *AdaptiveBatchSizer) Observe(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latenciesMs[s.next] = float64(latency.Milliseconds())
	s.next = (s.next + 1) % len(s.latenciesMs)
	if s.filled < len(s.latenciesMs) {
		s.filled++
	}

	mean := s.meanLocked(s.filled)
	switch {
	case mean > 2*s.targetMs:
		shrunk := s.current - s.current/5
		if shrunk < s.min {
			shrunk = s.min
		}
		s.current = shrunk
	case mean < 0.5*s.targetMs:
		grown := s.current + s.current/10
		if grown <= s.current {
			grown = s.current + 1
		}
		if grown > s.max {
			grown = s.max
		}
		s.current = grown
	}
}

// MeanRecentLatency returns the mean of the last up-to-n observations, used
// by the main loop's throttle check (spec §4.3.2).
func (s *AdaptiveBatchSizer) MeanRecentLatency(n int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := n
	if count > s.filled {
		count = s.filled
	}
	if count == 0 {
		return 0
	}
	var sum float64
	idx := s.next
	for i := 0; i < count; i++ {
		idx--
		if idx < 0 {
			idx = len(s.latenciesMs) - 1
		}
		sum += s.latenciesMs[idx]
	}
	return time.Duration(sum/float64(count)) * time.Millisecond
}

func (s *AdaptiveBatchSizer) meanLocked(count int) float64 {
	if count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < count; i++ {
		sum += s.latenciesMs[i]
	}
	return sum / float64(count)
}
