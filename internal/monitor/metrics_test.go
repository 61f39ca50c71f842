package monitor

import (
	"testing"
	"time"

	"bot-core/internal/events"
	"bot-core/internal/gateway"
)

func TestHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(100)
	for i := 1; i <= 100; i++ {
		h.Record(float64(i))
	}

	stats := h.Stats()
	if stats.Count != 100 {
		t.Fatalf("Count = %d, want 100", stats.Count)
	}
	if stats.Min != 1 || stats.Max != 100 {
		t.Errorf("min/max = %v/%v", stats.Min, stats.Max)
	}
	if stats.Avg != 50.5 {
		t.Errorf("Avg = %v, want 50.5", stats.Avg)
	}
	if stats.P50 != 51 {
		t.Errorf("P50 = %v, want 51", stats.P50)
	}
	if stats.P95 != 96 {
		t.Errorf("P95 = %v, want 96", stats.P95)
	}
	if stats.P99 != 100 {
		t.Errorf("P99 = %v, want 100", stats.P99)
	}
}

func TestHistogramSlidingWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for i := 1; i <= 5; i++ {
		h.Record(float64(i))
	}

	stats := h.Stats()
	if stats.Count != 3 {
		t.Fatalf("Count = %d, want 3", stats.Count)
	}
	if stats.Min != 3 || stats.Max != 5 {
		t.Errorf("window kept %v..%v, want 3..5", stats.Min, stats.Max)
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := NewLatencyHistogram(10)
	if got := h.Stats(); got.Count != 0 {
		t.Errorf("Stats on empty = %+v", got)
	}
}

func TestHistogramCachedUntilDirty(t *testing.T) {
	h := NewLatencyHistogram(10)
	h.Record(5)

	first := h.Stats()
	second := h.Stats()
	if first != second {
		t.Error("repeated Stats without new samples should be identical")
	}

	h.Record(15)
	third := h.Stats()
	if third.Count != 2 || third.Max != 15 {
		t.Errorf("Stats after new sample = %+v", third)
	}
}

func TestSnapshotCollectsEverything(t *testing.T) {
	m := NewSystemMetrics()
	m.RecordSignal()
	m.RecordSignal()
	m.RecordTradeOpened()
	m.RecordTradeSettled()
	m.RecordGhost()
	m.RecordReconnect()
	m.RecordScan()
	m.RecordError()
	m.OpenLatency.RecordDuration(120 * time.Millisecond)
	m.SetGatewayPoolStats(gateway.PoolStats{TotalClients: 3, MaxSize: 100})
	m.SetUserCounts(2, 4)

	snap := m.Snapshot()
	if snap.SignalsGenerated != 2 || snap.TradesOpened != 1 || snap.TradesSettled != 1 {
		t.Errorf("counters = %+v", snap)
	}
	if snap.GhostsDetected != 1 || snap.Reconnects != 1 || snap.ScansCompleted != 1 || snap.ErrorsCount != 1 {
		t.Errorf("counters = %+v", snap)
	}
	if snap.OpenLatency.Count != 1 || snap.OpenLatency.Max < 100 {
		t.Errorf("open latency = %+v", snap.OpenLatency)
	}
	if snap.GatewayPool.TotalClients != 3 {
		t.Errorf("gateway gauge = %+v", snap.GatewayPool)
	}
	if snap.ActiveBots != 2 || snap.BalanceUsers != 4 {
		t.Errorf("user gauges = %d/%d", snap.ActiveBots, snap.BalanceUsers)
	}
	if snap.GoroutineCount <= 0 || snap.Timestamp.IsZero() {
		t.Error("runtime fields missing")
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("uptime = %v", snap.UptimeSeconds)
	}
}

func TestTimerRecords(t *testing.T) {
	h := NewLatencyHistogram(10)
	timer := NewTimer(h)
	time.Sleep(2 * time.Millisecond)
	elapsed := timer.Stop()

	if elapsed < 2*time.Millisecond {
		t.Errorf("elapsed = %v", elapsed)
	}
	if h.Stats().Count != 1 {
		t.Error("timer did not record into histogram")
	}
}

func TestAlerterErrorBurst(t *testing.T) {
	m := NewSystemMetrics()
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventNotification, 4)
	defer unsub()

	a := NewAlerter(m, bus, AlertConfig{ErrorBurst: 3, Interval: time.Minute})

	// below threshold: quiet
	m.RecordError()
	a.Check()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected alert %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// burst past threshold since last check
	for i := 0; i < 3; i++ {
		m.RecordError()
	}
	a.Check()
	select {
	case msg := <-ch:
		n, ok := msg.Payload.(events.Notification)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		if n.Level != "warning" || n.Title != "error burst" {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}
}

func TestAlerterSlowOpens(t *testing.T) {
	m := NewSystemMetrics()
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventNotification, 4)
	defer unsub()

	a := NewAlerter(m, bus, AlertConfig{OpenLatencyP95: 100, Interval: time.Minute})
	for i := 0; i < 10; i++ {
		m.OpenLatency.Record(500)
	}
	a.Check()

	select {
	case msg := <-ch:
		n := msg.Payload.(events.Notification)
		if n.Title != "slow order opens" {
			t.Errorf("title = %q", n.Title)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}
}
