package monitor

import (
	"testing"
	"time"
)

func TestCountersAppearInSnapshot(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 5; i++ {
		m.AddTick()
	}
	m.AddSignal()
	m.AddTrade()
	m.AddSettlement()
	m.AddError()

	snap := m.GetSnapshot()
	if snap.Ticks != 5 || snap.Signals != 1 || snap.Trades != 1 || snap.Settlements != 1 || snap.Errors != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Goroutines == 0 || snap.Timestamp.IsZero() {
		t.Fatalf("runtime fields missing: %+v", snap)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.AddTick()
	m.AddError()
	m.ObserveDecision(time.Millisecond)
	if snap := m.GetSnapshot(); snap.Ticks != 0 {
		t.Fatalf("nil snapshot = %+v", snap)
	}
}

func TestHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(10)
	for _, v := range []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10} {
		h.Record(v)
	}

	stats := h.Stats()
	if stats.Min != 1 || stats.Max != 10 || stats.Count != 10 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Avg != 5.5 {
		t.Fatalf("avg = %v, want 5.5", stats.Avg)
	}
	if stats.P50 != 6 {
		t.Fatalf("p50 = %v, want 6", stats.P50)
	}

	// Window is full: the next sample evicts the oldest.
	h.Record(20)
	stats = h.Stats()
	if stats.Min != 2 || stats.Max != 20 {
		t.Fatalf("stats after eviction = %+v", stats)
	}
}

func TestHistogramStatsAreCached(t *testing.T) {
	h := NewLatencyHistogram(10)
	h.Record(3)
	first := h.Stats()
	second := h.Stats()
	if first != second {
		t.Fatalf("cached stats differ: %+v vs %+v", first, second)
	}
}

func TestTimerRecords(t *testing.T) {
	var got time.Duration
	timer := StartTimer(func(d time.Duration) { got = d })
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.Stop()
	if got != elapsed || got < 5*time.Millisecond {
		t.Fatalf("timer recorded %v, returned %v", got, elapsed)
	}
}
