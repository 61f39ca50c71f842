package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"bot-core/internal/events"
)

// AlertConfig sets the thresholds the alerter checks each interval.
type AlertConfig struct {
	ErrorBurst     uint64  // errors per interval that trip a warning
	ReconnectBurst uint64  // reconnects per interval that trip a warning
	OpenLatencyP95 float64 // ms; sustained slow opens mean a sick link
	Interval       time.Duration
}

// DefaultAlertConfig returns production thresholds.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		ErrorBurst:     10,
		ReconnectBurst: 5,
		OpenLatencyP95: 5000,
		Interval:       time.Minute,
	}
}

// Alerter watches the metrics and publishes operator notifications when a
// threshold trips. Alerts carry no user id: they concern the whole process.
type Alerter struct {
	metrics *SystemMetrics
	bus     *events.Bus
	cfg     AlertConfig

	lastErrors     uint64
	lastReconnects uint64
}

// NewAlerter wires an alerter over the shared metrics.
func NewAlerter(metrics *SystemMetrics, bus *events.Bus, cfg AlertConfig) *Alerter {
	def := DefaultAlertConfig()
	if cfg.ErrorBurst == 0 {
		cfg.ErrorBurst = def.ErrorBurst
	}
	if cfg.ReconnectBurst == 0 {
		cfg.ReconnectBurst = def.ReconnectBurst
	}
	if cfg.OpenLatencyP95 <= 0 {
		cfg.OpenLatencyP95 = def.OpenLatencyP95
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Alerter{
		metrics: metrics,
		bus:     bus,
		cfg:     cfg,
	}
}

// Start runs the periodic check until the context ends.
func (a *Alerter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Check()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Check evaluates the alert rules once against counter deltas since the
// previous check.
func (a *Alerter) Check() {
	errs := a.metrics.Errors()
	recs := a.metrics.Reconnects()
	errDelta := errs - a.lastErrors
	recDelta := recs - a.lastReconnects
	a.lastErrors = errs
	a.lastReconnects = recs

	if errDelta >= a.cfg.ErrorBurst {
		a.emit("error burst", fmt.Sprintf("%d errors in the last %v", errDelta, a.cfg.Interval))
	}
	if recDelta >= a.cfg.ReconnectBurst {
		a.emit("reconnect storm", fmt.Sprintf("%d broker reconnects in the last %v", recDelta, a.cfg.Interval))
	}

	open := a.metrics.OpenLatency.Stats()
	if open.Count >= 5 && open.P95 > a.cfg.OpenLatencyP95 {
		a.emit("slow order opens", fmt.Sprintf("p95 open latency %.0fms over %d samples", open.P95, open.Count))
	}
}

func (a *Alerter) emit(title, message string) {
	log.Printf("[Monitor] ⚠️ %s: %s", title, message)
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.EventNotification, "", events.Notification{
		Level:   "warning",
		Title:   title,
		Message: message,
	})
}
