package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	eventsProcessed atomic.Uint64
	errorsTotal     atomic.Uint64
	panicsRecovered atomic.Uint64
	updatesApplied  atomic.Uint64
	updatesDropped  atomic.Uint64
	salesInferred   atomic.Uint64
	anomalies       atomic.Uint64
	undercutSignals atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordEvent records an event processing with latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// RecordPanic records a recovered panic in the event loop.
func (m *Metrics) RecordPanic() {
	m.panicsRecovered.Add(1)
}

// RecordPriceUpdate records the outcome of one price-cache update.
func (m *Metrics) RecordPriceUpdate(applied bool) {
	if applied {
		m.updatesApplied.Add(1)
		return
	}
	m.updatesDropped.Add(1)
}

// RecordSales adds n inferred sales.
func (m *Metrics) RecordSales(n int) {
	m.salesInferred.Add(uint64(n))
}

// RecordAnomalies adds n in-place item changes.
func (m *Metrics) RecordAnomalies(n int) {
	m.anomalies.Add(uint64(n))
}

// RecordUndercut records a raw undercut signal.
func (m *Metrics) RecordUndercut() {
	m.undercutSignals.Add(1)
}

// SetActiveConnections sets the current active connection count.
func (m *Metrics) SetActiveConnections(count int32) {
	m.activeConnections.Store(count)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsProcessed   uint64
	ErrorsTotal       uint64
	PanicsRecovered   uint64
	UpdatesApplied    uint64
	UpdatesDropped    uint64
	SalesInferred     uint64
	Anomalies         uint64
	UndercutSignals   uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsProcessed:   m.eventsProcessed.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		PanicsRecovered:   m.panicsRecovered.Load(),
		UpdatesApplied:    m.updatesApplied.Load(),
		UpdatesDropped:    m.updatesDropped.Load(),
		SalesInferred:     m.salesInferred.Load(),
		Anomalies:         m.anomalies.Load(),
		UndercutSignals:   m.undercutSignals.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsProcessed.Store(0)
	m.errorsTotal.Store(0)
	m.panicsRecovered.Store(0)
	m.updatesApplied.Store(0)
	m.updatesDropped.Store(0)
	m.salesInferred.Store(0)
	m.anomalies.Store(0)
	m.undercutSignals.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
}
