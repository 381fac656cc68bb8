package infra

import (
	"testing"
)

func TestMetrics_RecordEvent(t *testing.T) {
	m := &Metrics{}

	m.RecordEvent(1000)
	m.RecordEvent(2000)
	m.RecordEvent(3000)

	snap := m.Snapshot()

	if snap.EventsProcessed != 3 {
		t.Errorf("Expected 3 events, got %d", snap.EventsProcessed)
	}

	// Average latency: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgLatencyNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgLatencyNs)
	}
}

func TestMetrics_PriceUpdates(t *testing.T) {
	m := &Metrics{}

	m.RecordPriceUpdate(true)
	m.RecordPriceUpdate(true)
	m.RecordPriceUpdate(false)

	snap := m.Snapshot()
	if snap.UpdatesApplied != 2 {
		t.Errorf("Expected 2 applied, got %d", snap.UpdatesApplied)
	}
	if snap.UpdatesDropped != 1 {
		t.Errorf("Expected 1 dropped, got %d", snap.UpdatesDropped)
	}
}

func TestMetrics_Reconciliation(t *testing.T) {
	m := &Metrics{}

	m.RecordSales(3)
	m.RecordSales(0)
	m.RecordAnomalies(1)
	m.RecordUndercut()

	snap := m.Snapshot()
	if snap.SalesInferred != 3 {
		t.Errorf("Expected 3 sales, got %d", snap.SalesInferred)
	}
	if snap.Anomalies != 1 {
		t.Errorf("Expected 1 anomaly, got %d", snap.Anomalies)
	}
	if snap.UndercutSignals != 1 {
		t.Errorf("Expected 1 undercut signal, got %d", snap.UndercutSignals)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()

	snap := m.Snapshot()
	if snap.ActiveConnections != 3 {
		t.Errorf("Expected 3 connections, got %d", snap.ActiveConnections)
	}

	m.DecrementConnections()
	snap = m.Snapshot()
	if snap.ActiveConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", snap.ActiveConnections)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordEvent(1000)
	m.RecordError()
	m.RecordPanic()
	m.RecordPriceUpdate(false)
	m.IncrementConnections()

	m.Reset()
	snap := m.Snapshot()

	if snap.EventsProcessed != 0 {
		t.Error("Expected 0 events after reset")
	}
	if snap.ErrorsTotal != 0 || snap.PanicsRecovered != 0 {
		t.Error("Expected 0 errors after reset")
	}
	if snap.UpdatesDropped != 0 {
		t.Error("Expected 0 dropped updates after reset")
	}
	if snap.ActiveConnections != 0 {
		t.Error("Expected 0 connections after reset")
	}
}
