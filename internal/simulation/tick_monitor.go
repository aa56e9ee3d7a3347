package simulation

import (
	"sync"
	"time"
)

// TickMetricsSnapshot summarises observed server tick durations.
type TickMetricsSnapshot struct {
	Samples  int
	Average  time.Duration
	Max      time.Duration
	Last     time.Duration
	Overruns uint64
	Skipped  uint64
	CaughtUp uint64
}

// AverageTPS derives the ticks-per-second equivalent of the sampled tick duration.
func (s TickMetricsSnapshot) AverageTPS() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// TickMonitor accumulates timing statistics for the tick scheduler.
type TickMonitor struct {
	mu       sync.Mutex
	samples  int
	total    time.Duration
	max      time.Duration
	last     time.Duration
	overruns uint64
	skipped  uint64
	caughtUp uint64
}

// NewTickMonitor constructs an empty monitor ready to collect samples.
func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// Observe records the duration of a completed tick.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration < 0 {
		return
	}
	m.mu.Lock()
	// //1.- Accumulate the sample count and aggregate duration for average calculations.
	m.samples++
	m.total += duration
	// //2.- Track the worst-case tick so operators can spot spikes quickly.
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	m.mu.Unlock()
}

// ObserveOverrun records a tick that outlasted its interval together with
// how many intervals were dropped and how many were replayed.
func (m *TickMonitor) ObserveOverrun(skipped, caughtUp int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.overruns++
	m.skipped += uint64(max(skipped, 0))
	m.caughtUp += uint64(max(caughtUp, 0))
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated tick statistics.
func (m *TickMonitor) Snapshot() TickMetricsSnapshot {
	if m == nil {
		return TickMetricsSnapshot{}
	}
	m.mu.Lock()
	snap := TickMetricsSnapshot{
		Samples:  m.samples,
		Max:      m.max,
		Last:     m.last,
		Overruns: m.overruns,
		Skipped:  m.skipped,
		CaughtUp: m.caughtUp,
	}
	total := m.total
	m.mu.Unlock()

	if snap.Samples > 0 {
		snap.Average = total / time.Duration(snap.Samples)
	}
	return snap
}

// Reset clears the accumulated statistics.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	// //1.- Zero out all internal counters so subsequent snapshots start from scratch.
	m.samples, m.total, m.max, m.last = 0, 0, 0, 0
	m.overruns, m.skipped, m.caughtUp = 0, 0, 0
	m.mu.Unlock()
}
