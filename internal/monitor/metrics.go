// Package monitor tracks engine throughput counters and latency histograms.
// All methods are safe on a nil receiver so instrumented components do not
// need to care whether metrics are enabled.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics aggregates counters across the feed, scheduler and pipeline.
type Metrics struct {
	decisionLatency *LatencyHistogram
	venueLatency    *LatencyHistogram

	ticks       uint64
	signals     uint64
	trades      uint64
	settlements uint64
	errors      uint64

	startedAt time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		decisionLatency: NewLatencyHistogram(1000),
		venueLatency:    NewLatencyHistogram(1000),
		startedAt:       time.Now(),
	}
}

func (m *Metrics) AddTick() {
	if m != nil {
		atomic.AddUint64(&m.ticks, 1)
	}
}

func (m *Metrics) AddSignal() {
	if m != nil {
		atomic.AddUint64(&m.signals, 1)
	}
}

func (m *Metrics) AddTrade() {
	if m != nil {
		atomic.AddUint64(&m.trades, 1)
	}
}

func (m *Metrics) AddSettlement() {
	if m != nil {
		atomic.AddUint64(&m.settlements, 1)
	}
}

func (m *Metrics) AddError() {
	if m != nil {
		atomic.AddUint64(&m.errors, 1)
	}
}

// ObserveDecision records the time one analysis pass took.
func (m *Metrics) ObserveDecision(d time.Duration) {
	if m != nil {
		m.decisionLatency.RecordDuration(d)
	}
}

// ObserveVenue records one venue request round trip.
func (m *Metrics) ObserveVenue(d time.Duration) {
	if m != nil {
		m.venueLatency.RecordDuration(d)
	}
}

// Snapshot is a point-in-time view served by the API.
type Snapshot struct {
	DecisionLatency LatencyStats `json:"decision_latency"`
	VenueLatency    LatencyStats `json:"venue_latency"`
	Ticks           uint64       `json:"ticks_processed"`
	Signals         uint64       `json:"signals_generated"`
	Trades          uint64       `json:"trades_opened"`
	Settlements     uint64       `json:"settlements_applied"`
	Errors          uint64       `json:"errors"`
	Goroutines      int          `json:"goroutines"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Uptime          string       `json:"uptime"`
	Timestamp       time.Time    `json:"timestamp"`
}

func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Snapshot{
		DecisionLatency: m.decisionLatency.Stats(),
		VenueLatency:    m.venueLatency.Stats(),
		Ticks:           atomic.LoadUint64(&m.ticks),
		Signals:         atomic.LoadUint64(&m.signals),
		Trades:          atomic.LoadUint64(&m.trades),
		Settlements:     atomic.LoadUint64(&m.settlements),
		Errors:          atomic.LoadUint64(&m.errors),
		Goroutines:      runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Uptime:          time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp:       time.Now(),
	}
}

// LatencyHistogram keeps a sliding window of samples. Stats are recomputed
// lazily, only when the window changed since the last read.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds a sample in milliseconds, evicting the oldest when full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds the computed percentiles for one histogram window.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cached.Count > 0 {
		return h.cached
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// Timer measures one operation and records it on Stop.
type Timer struct {
	start time.Time
	rec   func(time.Duration)
}

func StartTimer(rec func(time.Duration)) *Timer {
	return &Timer{start: time.Now(), rec: rec}
}

func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.rec != nil {
		t.rec(elapsed)
	}
	return elapsed
}
