// Package notify renders bus events into operator messages. Delivery is
// best-effort: a failed sink never blocks trading.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	"bot-core/internal/events"
)

// Sink delivers one rendered message.
type Sink interface {
	Send(message string) error
}

// Service consumes the event bus and fans rendered messages out to its
// sinks.
type Service struct {
	bus   *events.Bus
	sinks []Sink
}

// NewService builds a notifier. With no sinks it falls back to a LogSink.
func NewService(bus *events.Bus, sinks ...Sink) *Service {
	if len(sinks) == 0 {
		sinks = []Sink{NewLogSink()}
	}
	return &Service{
		bus:   bus,
		sinks: sinks,
	}
}

// Start subscribes to the bus and consumes until the context ends.
func (s *Service) Start(ctx context.Context) {
	stream, unsub := s.bus.Subscribe(events.EventAll, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				if text := Render(msg); text != "" {
					s.deliver(text)
				}
			}
		}
	}()
	log.Printf("[Notify] service started (%d sink(s))", len(s.sinks))
}

func (s *Service) deliver(text string) {
	for _, sink := range s.sinks {
		if err := sink.Send(text); err != nil {
			log.Printf("[Notify] ⚠️ sink delivery failed: %v", err)
		}
	}
}

// Render turns one bus message into operator text. Topics that only matter
// to the websocket stream render empty and are skipped.
func Render(msg events.Message) string {
	user := msg.UserID
	if user == "" {
		user = "system"
	}

	switch p := msg.Payload.(type) {
	case events.TradeOpened:
		mode := ""
		if p.DryRun {
			mode = " [dry-run]"
		}
		return fmt.Sprintf("📈 %s: opened %s %s stake %.2f, potential payout %.2f (contract %d)%s",
			user, p.Symbol, p.Direction, p.Stake, p.Payout, p.ContractID, mode)

	case events.TradeClosed:
		icon := "✅"
		if p.Profit < 0 {
			icon = "❌"
		}
		text := fmt.Sprintf("%s %s: %s %s settled %s %+.2f (daily %+.2f)",
			icon, user, p.Symbol, p.Direction, strings.ToUpper(p.Outcome), p.Profit, p.DailyPnL)
		if p.ExitReason != "" {
			text += " — closed early: " + p.ExitReason
		}
		return text

	case events.Notification:
		icon := "ℹ️"
		switch p.Level {
		case "warning":
			icon = "⚠️"
		case "critical":
			icon = "🚨"
		}
		return fmt.Sprintf("%s %s: %s — %s", icon, user, p.Title, p.Message)

	case events.ErrorInfo:
		return fmt.Sprintf("🚨 %s: %s error: %s", user, p.Scope, p.Error)

	case events.BotStatus:
		// only surface terminal or alarming states; routine transitions
		// stay on the websocket stream
		switch p.Status {
		case "error":
			return fmt.Sprintf("🚨 %s: bot entered error state: %s", user, p.Detail)
		case "stopped":
			if p.Detail != "" {
				return fmt.Sprintf("🛑 %s: bot stopped: %s", user, p.Detail)
			}
		}
		return ""
	}

	return ""
}
