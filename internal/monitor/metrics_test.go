package monitor

import (
	"testing"
	"time"
)

func TestLoopMetricsCounters(t *testing.T) {
	m := NewLoopMetrics()
	m.RecordCycle(10 * time.Millisecond)
	m.RecordCycle(20 * time.Millisecond)
	m.IncVenueErrors()
	m.IncConflicts()
	m.IncConflicts()
	m.IncCloses()

	snap := m.Snapshot()
	if snap.Cycles != 2 {
		t.Fatalf("cycles = %d, want 2", snap.Cycles)
	}
	if snap.VenueErrors != 1 {
		t.Fatalf("venue errors = %d, want 1", snap.VenueErrors)
	}
	if snap.Conflicts != 2 {
		t.Fatalf("conflicts = %d, want 2", snap.Conflicts)
	}
	if snap.Closes != 1 {
		t.Fatalf("closes = %d, want 1", snap.Closes)
	}
	if snap.CycleLatency.Count != 2 {
		t.Fatalf("latency samples = %d, want 2", snap.CycleLatency.Count)
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(100)
	for _, ms := range []int{10, 20, 30, 40, 50} {
		h.RecordDuration(time.Duration(ms) * time.Millisecond)
	}

	stats := h.Stats()
	if stats.Count != 5 {
		t.Fatalf("count = %d, want 5", stats.Count)
	}
	if stats.Avg != 30 {
		t.Fatalf("avg = %v, want 30", stats.Avg)
	}
	if stats.P50 != 30 {
		t.Fatalf("p50 = %v, want 30", stats.P50)
	}
	if stats.Max != 50 {
		t.Fatalf("max = %v, want 50", stats.Max)
	}
}

func TestLatencyHistogramWindowEviction(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, ms := range []int{100, 1, 2, 3} {
		h.RecordDuration(time.Duration(ms) * time.Millisecond)
	}

	stats := h.Stats()
	if stats.Count != 3 {
		t.Fatalf("count = %d, want 3", stats.Count)
	}
	// The oldest sample (100ms) fell out of the window.
	if stats.Max != 3 {
		t.Fatalf("max = %v, want 3", stats.Max)
	}
}

func TestLatencyHistogramEmpty(t *testing.T) {
	h := NewLatencyHistogram(10)
	if stats := h.Stats(); stats.Count != 0 || stats.Max != 0 {
		t.Fatalf("empty stats = %+v, want zeros", stats)
	}
}
