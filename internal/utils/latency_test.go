package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(8)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	if tracker.Count() != 8 {
		t.Fatalf("expected window of 8 samples, got %d", tracker.Count())
	}
	// Oldest two samples evicted; the window holds 3ms..10ms.
	if got := tracker.Percentile(0); got != 3*time.Millisecond {
		t.Fatalf("expected min 3ms, got %v", got)
	}
	if got := tracker.Percentile(100); got != 10*time.Millisecond {
		t.Fatalf("expected max 10ms, got %v", got)
	}
	p50 := tracker.Percentile(50)
	if p50 < 3*time.Millisecond || p50 > 10*time.Millisecond {
		t.Fatalf("p50 outside window: %v", p50)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(4)
	if got := tracker.Percentile(95); got != 0 {
		t.Fatalf("expected zero duration on empty tracker, got %v", got)
	}
}
