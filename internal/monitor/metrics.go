// Package monitor tracks control-loop health: cycle latency and counters
// for venue errors, resolved conflicts and realized closes. The operator API
// exposes the snapshot.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LoopMetrics aggregates per-cycle measurements.
type LoopMetrics struct {
	CycleLatency *LatencyHistogram

	cycles      uint64
	venueErrors uint64
	conflicts   uint64
	closes      uint64
}

// NewLoopMetrics creates a metrics instance with a 500-sample window.
func NewLoopMetrics() *LoopMetrics {
	return &LoopMetrics{CycleLatency: NewLatencyHistogram(500)}
}

// RecordCycle books one finished cycle and its duration.
func (m *LoopMetrics) RecordCycle(d time.Duration) {
	atomic.AddUint64(&m.cycles, 1)
	m.CycleLatency.RecordDuration(d)
}

// IncVenueErrors counts one failed venue interaction.
func (m *LoopMetrics) IncVenueErrors() { atomic.AddUint64(&m.venueErrors, 1) }

// IncConflicts counts one resolved stop-loss conflict.
func (m *LoopMetrics) IncConflicts() { atomic.AddUint64(&m.conflicts, 1) }

// IncCloses counts one realized position close.
func (m *LoopMetrics) IncCloses() { atomic.AddUint64(&m.closes, 1) }

// Snapshot is a point-in-time view for the operator surface.
type Snapshot struct {
	Cycles       uint64       `json:"cycles"`
	VenueErrors  uint64       `json:"venue_errors"`
	Conflicts    uint64       `json:"conflicts"`
	Closes       uint64       `json:"closes"`
	CycleLatency LatencyStats `json:"cycle_latency_ms"`
}

// Snapshot returns current counter values and latency stats.
func (m *LoopMetrics) Snapshot() Snapshot {
	return Snapshot{
		Cycles:       atomic.LoadUint64(&m.cycles),
		VenueErrors:  atomic.LoadUint64(&m.venueErrors),
		Conflicts:    atomic.LoadUint64(&m.conflicts),
		Closes:       atomic.LoadUint64(&m.closes),
		CycleLatency: m.CycleLatency.Stats(),
	}
}

// LatencyStats summarizes a sample window in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}

// LatencyHistogram keeps a sliding window of duration samples.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	maxSize int
}

// NewLatencyHistogram creates a sliding-window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 500
	}
	return &LatencyHistogram{maxSize: size}
}

// RecordDuration adds one sample, evicting the oldest past the window size.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, float64(d)/float64(time.Millisecond))
	if len(h.samples) > h.maxSize {
		h.samples = h.samples[1:]
	}
}

// Stats computes summary statistics over the current window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	sum := 0.0
	for _, s := range sorted {
		sum += s
	}

	return LatencyStats{
		Count: n,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[min(n-1, n*95/100)],
		Max:   sorted[n-1],
	}
}
