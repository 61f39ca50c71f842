package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"bot-core/internal/order"
	"bot-core/pkg/db"
	"bot-core/pkg/deriv"
)

func testService(t *testing.T) (*Service, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := NewService(database, Config{RetryDelay: time.Millisecond, FlushEvery: time.Hour})
	t.Cleanup(func() { s.Close() })
	return s, database
}

func sampleContract() *deriv.Contract {
	return &deriv.Contract{
		ContractID:   4242,
		Symbol:       "R_10",
		Direction:    "CALL",
		Stake:        10,
		BuyPrice:     10,
		Payout:       19.5,
		PurchaseTime: time.Now().Add(-2 * time.Minute),
	}
}

func TestSaveTradePersistsAndAggregates(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()

	row := TradeRow("u1", sampleContract(), &order.Settlement{
		ContractID: 4242,
		Symbol:     "R_10",
		Outcome:    order.OutcomeWin,
		Profit:     9.5,
		SettledAt:  time.Now(),
	})
	if err := s.SaveTrade(ctx, row); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	trades, err := s.RecentTrades(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].ContractID != 4242 || trades[0].Status != "win" {
		t.Fatalf("trades = %+v", trades)
	}

	today, err := s.Today(ctx, "u1")
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if today.Trades != 1 || today.Wins != 1 || today.PnL != 9.5 {
		t.Errorf("today = %+v, want 1 win +9.5", today)
	}

	stats, err := s.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Trades != 1 || stats.TotalPnL != 9.5 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSaveTradeGivesUpAfterRetries(t *testing.T) {
	s, database := testService(t)

	// Kill the handle so every attempt fails.
	database.Close()

	err := s.SaveTrade(context.Background(), db.Trade{
		ID: "t1", UserID: "u1", Symbol: "R_10", Direction: "CALL",
		Stake: 10, Profit: -10, Status: "loss",
	})
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("err = %v, want ErrPersistenceFailed", err)
	}
}

func TestSaveTradeStopsOnCanceledContext(t *testing.T) {
	s, database := testService(t)
	database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SaveTrade(ctx, db.Trade{
		ID: "t1", UserID: "u1", Symbol: "R_10", Direction: "CALL",
		Stake: 10, Profit: -10, Status: "loss",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTradeRowMapping(t *testing.T) {
	c := sampleContract()
	c.IsGhost = true

	early := TradeRow("u1", c, &order.Settlement{
		Outcome:    order.OutcomeWin,
		Profit:     1.2,
		EarlyClose: true,
		ExitReason: "trailing profit exit",
		SettledAt:  time.Now(),
	})
	if early.ClosureType != "early" {
		t.Errorf("ClosureType = %q, want early", early.ClosureType)
	}
	if !early.IsGhost || early.Direction != "CALL" || early.Stake != 10 {
		t.Errorf("row = %+v", early)
	}

	expiry := TradeRow("u1", c, &order.Settlement{Outcome: order.OutcomeLoss, Profit: -10})
	if expiry.ClosureType != "expiry" || expiry.Status != "loss" {
		t.Errorf("row = %+v", expiry)
	}

	unknown := UnknownTradeRow("u1", c)
	if unknown.ClosureType != "unknown" || unknown.Status != "loss" {
		t.Errorf("row = %+v", unknown)
	}
	if unknown.Profit != -10 {
		t.Errorf("conservative profit = %v, want -10", unknown.Profit)
	}
}

func TestBatchWriterFlushesAtCapacity(t *testing.T) {
	_, database := testService(t)

	bw := NewBatchWriter(database.DB, 2, time.Hour)
	t.Cleanup(func() { bw.Close() })

	bw.EnqueueDailyDelta(db.DailyStatDelta{UserID: "u1", Date: "2025-03-01", Wins: 1, PnL: 9.5})
	if bw.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", bw.Pending())
	}
	bw.EnqueueDailyDelta(db.DailyStatDelta{UserID: "u1", Date: "2025-03-01", Losses: 1, PnL: -10})
	if bw.Pending() != 0 {
		t.Fatalf("Pending = %d after capacity flush, want 0", bw.Pending())
	}

	m := bw.Metrics()
	if m.TotalWrites != 2 || m.TotalBatches != 1 || m.TotalErrors != 0 {
		t.Errorf("metrics = %+v", m)
	}

	day, err := database.Queries().GetDailyStat(context.Background(), "u1", "2025-03-01")
	if err != nil {
		t.Fatalf("GetDailyStat: %v", err)
	}
	if day.Trades != 2 || day.PnL != -0.5 {
		t.Errorf("day = %+v", day)
	}
}

func TestGuardSingleBotPerUser(t *testing.T) {
	_, database := testService(t)
	ctx := context.Background()

	first := NewGuard(database, time.Minute)
	second := NewGuard(database, time.Minute)

	sessID, err := first.Claim(ctx, "u1", "conservative", 10, []string{"R_10", "R_25"})
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}

	if _, err := second.Claim(ctx, "u1", "scalping", 5, []string{"R_50"}); !errors.Is(err, db.ErrSessionOwned) {
		t.Fatalf("second claim err = %v, want ErrSessionOwned", err)
	}

	owner, err := second.Owner(ctx, "u1")
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	if owner == nil || owner.InstanceID != first.InstanceID() {
		t.Errorf("owner = %+v, want first instance", owner)
	}
	if owner.Symbols != "R_10,R_25" {
		t.Errorf("Symbols = %q", owner.Symbols)
	}

	if err := first.Heartbeat(ctx, sessID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := first.Release(ctx, sessID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := second.Claim(ctx, "u1", "scalping", 5, []string{"R_50"}); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}
