package main

import (
	"context"
	"testing"
	"time"

	"bot-core/internal/brokertest"
	"bot-core/internal/engine"
	"bot-core/internal/risk"
)

// The venue accepts the buy but the acknowledgement never arrives. The
// client times out, the executor finds the position in the portfolio and
// adopts it, and the contract settles as a normal trade.
func TestLostBuyAckIsAdoptedFromPortfolio(t *testing.T) {
	broker := brokertest.New(brokertest.Config{
		Profit:        0.95,
		SwallowBuyAck: true,
	})
	defer broker.Close()

	d := newWireDeps(t)
	// short send timeout so the swallowed ack surfaces quickly
	client := dialBroker(t, broker, 150*time.Millisecond)
	sess := newWireSession(t, d, client, "u1", alwaysCall{}, func(cfg *engine.SessionConfig) {
		cfg.Risk.TradeCooldown = time.Hour
	})

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopSession(t, sess)

	waitFor(t, 10*time.Second, func() bool {
		trades, err := d.history.RecentTrades(context.Background(), "u1", 10)
		return err == nil && len(trades) >= 1
	})

	trades, _ := d.history.RecentTrades(context.Background(), "u1", 10)
	if !trades[0].IsGhost {
		t.Fatal("adopted contract should be flagged as ghost")
	}
	if trades[0].Status != "win" || trades[0].Profit != 0.95 {
		t.Fatalf("persisted trade = %s %.2f, want win 0.95", trades[0].Status, trades[0].Profit)
	}

	// Exactly one position was opened at the venue: the adoption claimed
	// the original buy instead of firing a second one.
	if got := broker.Buys(); got != 1 {
		t.Fatalf("broker saw %d buys, want exactly 1", got)
	}
	if n := broker.OpenCount(); n != 0 {
		t.Fatalf("%d contracts still open at the venue", n)
	}

	snap := sess.Status()
	if snap.Risk.State != risk.StateUnlocked {
		t.Fatalf("risk state = %s, want UNLOCKED after the ghost settled", snap.Risk.State)
	}
}

// A refused buy is not a ghost: the broker answered, so nothing is owed.
func TestRefusedBuyReleasesLock(t *testing.T) {
	broker := brokertest.New(brokertest.Config{BuyError: "InsufficientBalance"})
	defer broker.Close()

	d := newWireDeps(t)
	client := dialBroker(t, broker, 2*time.Second)
	sess := newWireSession(t, d, client, "u1", alwaysCall{}, nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopSession(t, sess)

	// a few scans fail to open; the session keeps running with no lock stuck
	time.Sleep(300 * time.Millisecond)

	if sess.State() != engine.StatusRunning {
		t.Fatalf("state = %s, a refused buy must not kill the session", sess.State())
	}
	snap := sess.Status()
	if snap.Risk.State == risk.StateLocked {
		t.Fatal("trade lock still held after a refused buy")
	}
	trades, _ := d.history.RecentTrades(context.Background(), "u1", 10)
	if len(trades) != 0 {
		t.Fatalf("%d trades persisted, want none for refused buys", len(trades))
	}
}
