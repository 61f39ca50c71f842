package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bot-core/internal/events"
)

type captureSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *captureSink) Send(message string) error {
	s.mu.Lock()
	s.messages = append(s.messages, message)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.messages) >= n {
			out := append([]string(nil), s.messages...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d message(s)", n)
	return nil
}

func TestRenderTradeLifecycle(t *testing.T) {
	opened := Render(events.Message{
		Type:   events.EventTradeOpened,
		UserID: "u1",
		Payload: events.TradeOpened{
			ContractID: 42, Symbol: "R_10", Direction: "CALL",
			Stake: 1, BuyPrice: 1, Payout: 1.95,
		},
	})
	if !strings.Contains(opened, "u1") || !strings.Contains(opened, "R_10 CALL") || !strings.Contains(opened, "contract 42") {
		t.Errorf("opened = %q", opened)
	}

	closed := Render(events.Message{
		Type:   events.EventTradeClosed,
		UserID: "u1",
		Payload: events.TradeClosed{
			ContractID: 42, Symbol: "R_10", Direction: "CALL",
			Outcome: "loss", Profit: -1, ExitReason: "trailing stop", DailyPnL: -1,
		},
	})
	if !strings.Contains(closed, "LOSS") || !strings.Contains(closed, "trailing stop") || !strings.HasPrefix(closed, "❌") {
		t.Errorf("closed = %q", closed)
	}
}

func TestRenderSkipsRoutineTopics(t *testing.T) {
	quiet := []events.Message{
		{Type: events.EventSignal, Payload: events.SignalInfo{Symbol: "R_10"}},
		{Type: events.EventBotStatus, Payload: events.BotStatus{Status: "running"}},
		{Type: events.EventStatistics, Payload: map[string]int{"trades": 3}},
	}
	for _, msg := range quiet {
		if text := Render(msg); text != "" {
			t.Errorf("Render(%s) = %q, want empty", msg.Type, text)
		}
	}

	if text := Render(events.Message{
		Type:    events.EventBotStatus,
		Payload: events.BotStatus{Status: "error", Detail: "persistence failed"},
	}); !strings.Contains(text, "persistence failed") {
		t.Errorf("error status = %q", text)
	}
}

func TestServiceDeliversFromBus(t *testing.T) {
	bus := events.NewBus()
	sink := &captureSink{}
	svc := NewService(bus, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	time.Sleep(10 * time.Millisecond) // let the subscriber attach

	bus.Publish(events.EventError, "u1", events.ErrorInfo{Scope: "order", Error: "buy refused"})
	bus.Publish(events.EventNotification, "", events.Notification{
		Level: "critical", Title: "halt", Message: "daily loss limit",
	})

	msgs := sink.wait(t, 2)
	joined := strings.Join(msgs, "\n")
	if !strings.Contains(joined, "buy refused") || !strings.Contains(joined, "daily loss limit") {
		t.Errorf("messages = %v", msgs)
	}
	if !strings.Contains(joined, "system") {
		t.Errorf("empty user should render as system, got %v", msgs)
	}
}

func TestWebhookSink(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	if err := sink.Send("hello operator"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["text"] != "hello operator" {
		t.Errorf("webhook body = %v", got)
	}
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookSink(srv.URL).Send("x"); err == nil {
		t.Error("expected error on 502")
	}
}
