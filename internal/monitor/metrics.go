// Package monitor collects runtime metrics for the operator API.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bot-core/internal/gateway"
)

// SystemMetrics tracks engine-wide performance and volume counters. One
// instance serves the whole process; sessions record into it directly.
type SystemMetrics struct {
	mu sync.RWMutex

	// latency histograms, milliseconds
	OpenLatency   *LatencyHistogram // buy round-trip
	SettleLatency *LatencyHistogram // purchase to settlement
	APILatency    *LatencyHistogram // generic broker requests

	signalsGenerated atomic.Uint64
	tradesOpened     atomic.Uint64
	tradesSettled    atomic.Uint64
	ghostsDetected   atomic.Uint64
	reconnects       atomic.Uint64
	scansCompleted   atomic.Uint64
	errorsCount      atomic.Uint64

	// gauges refreshed periodically by the orchestrator
	gatewayStats gateway.PoolStats
	activeBots   int
	balanceUsers int

	startedAt time.Time
}

// NewSystemMetrics creates a metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OpenLatency:   NewLatencyHistogram(1000),
		SettleLatency: NewLatencyHistogram(1000),
		APILatency:    NewLatencyHistogram(1000),
		startedAt:     time.Now(),
	}
}

// LatencyHistogram tracks samples over a sliding window. Stats are
// recomputed lazily, only when samples changed since the last read.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns min, max, avg, p50, p95, p99 over the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
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

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

func (m *SystemMetrics) RecordSignal()       { m.signalsGenerated.Add(1) }
func (m *SystemMetrics) RecordTradeOpened()  { m.tradesOpened.Add(1) }
func (m *SystemMetrics) RecordTradeSettled() { m.tradesSettled.Add(1) }
func (m *SystemMetrics) RecordGhost()        { m.ghostsDetected.Add(1) }
func (m *SystemMetrics) RecordReconnect()    { m.reconnects.Add(1) }
func (m *SystemMetrics) RecordScan()         { m.scansCompleted.Add(1) }
func (m *SystemMetrics) RecordError()        { m.errorsCount.Add(1) }

// Errors returns the error counter, for alert delta checks.
func (m *SystemMetrics) Errors() uint64 { return m.errorsCount.Load() }

// Reconnects returns the reconnect counter.
func (m *SystemMetrics) Reconnects() uint64 { return m.reconnects.Load() }

// MetricsSnapshot is a point-in-time view for the metrics API.
type MetricsSnapshot struct {
	OpenLatency      LatencyStats      `json:"open_latency"`
	SettleLatency    LatencyStats      `json:"settle_latency"`
	APILatency       LatencyStats      `json:"api_latency"`
	SignalsGenerated uint64            `json:"signals_generated"`
	TradesOpened     uint64            `json:"trades_opened"`
	TradesSettled    uint64            `json:"trades_settled"`
	GhostsDetected   uint64            `json:"ghosts_detected"`
	Reconnects       uint64            `json:"reconnects"`
	ScansCompleted   uint64            `json:"scans_completed"`
	ErrorsCount      uint64            `json:"errors_count"`
	GatewayPool      gateway.PoolStats `json:"gateway_pool"`
	ActiveBots       int               `json:"active_bots"`
	BalanceUsers     int               `json:"balance_users"`
	GoroutineCount   int               `json:"goroutine_count"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	HeapSys          uint64            `json:"heap_sys_bytes"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Snapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gwStats := m.gatewayStats
	bots := m.activeBots
	balanceUsers := m.balanceUsers
	m.mu.RUnlock()

	return MetricsSnapshot{
		OpenLatency:      m.OpenLatency.Stats(),
		SettleLatency:    m.SettleLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		SignalsGenerated: m.signalsGenerated.Load(),
		TradesOpened:     m.tradesOpened.Load(),
		TradesSettled:    m.tradesSettled.Load(),
		GhostsDetected:   m.ghostsDetected.Load(),
		Reconnects:       m.reconnects.Load(),
		ScansCompleted:   m.scansCompleted.Load(),
		ErrorsCount:      m.errorsCount.Load(),
		GatewayPool:      gwStats,
		ActiveBots:       bots,
		BalanceUsers:     balanceUsers,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		Timestamp:        time.Now(),
	}
}

// SetGatewayPoolStats refreshes the gateway pool gauge.
func (m *SystemMetrics) SetGatewayPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats = stats
}

// SetUserCounts refreshes the active bot and balance manager gauges.
func (m *SystemMetrics) SetUserCounts(activeBots, balanceUsers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeBots = activeBots
	m.balanceUsers = balanceUsers
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer that records into the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
