package provider

import (
	"sync"
	"time"
)

// Metrics accumulates counters across all sessions of one manager. It is
// shared by every adapter the manager instantiates and reset only when the
// manager re-initializes.
type Metrics struct {
	mu              sync.Mutex
	bytesProcessed  uint64
	sessions        uint64
	errorCount      uint64
	firstInterim    time.Duration
	finalLatencyAvg time.Duration
	finalCount      uint64
	totalLatency    time.Duration
}

// MetricsSnapshot is the read-only view handed to external callers.
type MetricsSnapshot struct {
	BytesProcessed  uint64        `json:"bytes_processed"`
	Sessions        uint64        `json:"sessions"`
	Errors          uint64        `json:"errors"`
	FirstInterim    time.Duration `json:"first_interim_latency"`
	FinalLatencyAvg time.Duration `json:"final_latency_avg"`
	FinalResults    uint64        `json:"final_results"`
	TotalLatency    time.Duration `json:"total_latency"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesProcessed = 0
	m.sessions = 0
	m.errorCount = 0
	m.firstInterim = 0
	m.finalLatencyAvg = 0
	m.finalCount = 0
	m.totalLatency = 0
}

func (m *Metrics) SessionStarted() {
	m.mu.Lock()
	m.sessions++
	m.mu.Unlock()
}

func (m *Metrics) AddBytes(n int) {
	m.mu.Lock()
	m.bytesProcessed += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) AddError() {
	m.mu.Lock()
	m.errorCount++
	m.mu.Unlock()
}

// ObserveFirstInterim records the latency of the first interim result of a
// session.
func (m *Metrics) ObserveFirstInterim(d time.Duration) {
	m.mu.Lock()
	m.firstInterim = d
	m.totalLatency += d
	m.mu.Unlock()
}

// ObserveFinal folds one final-result latency into the rolling average.
func (m *Metrics) ObserveFinal(d time.Duration) {
	m.mu.Lock()
	m.finalLatencyAvg = (m.finalLatencyAvg*time.Duration(m.finalCount) + d) / time.Duration(m.finalCount+1)
	m.finalCount++
	m.totalLatency += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		BytesProcessed:  m.bytesProcessed,
		Sessions:        m.sessions,
		Errors:          m.errorCount,
		FirstInterim:    m.firstInterim,
		FinalLatencyAvg: m.finalLatencyAvg,
		FinalResults:    m.finalCount,
		TotalLatency:    m.totalLatency,
	}
}
