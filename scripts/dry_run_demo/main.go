package main

import (
	"context"
	"log"
	"time"

	"bot-core/internal/balance"
	"bot-core/internal/engine"
	"bot-core/internal/events"
	"bot-core/internal/history"
	"bot-core/internal/monitor"
	"bot-core/internal/order"
	"bot-core/internal/risk"
	"bot-core/internal/strategy"
	"bot-core/pkg/cache"
	"bot-core/pkg/config"
	"bot-core/pkg/db"
	"bot-core/pkg/deriv"
)

// dry_run_demo walks one full session lifecycle over the in-memory paper
// broker: start, a few scan/open/monitor/settle cycles, stop. Nothing
// leaves the process; the database is in-memory.
//
// Usage:
//
//	go run ./scripts/dry_run_demo
type demoStrategy struct{}

func (demoStrategy) Name() string { return "demo" }
func (demoStrategy) Analyze(symbol string, candles []deriv.Candle) *strategy.Signal {
	return &strategy.Signal{Symbol: symbol, Direction: "CALL", Confidence: 7, Reason: "demo entry"}
}

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	hist := history.NewService(database, history.DefaultConfig())
	defer hist.Close()

	broker := order.NewPaperBroker(order.PaperConfig{
		InitialBalance: cfg.PaperBalance,
		WinProbability: cfg.PaperWinProbability,
		TickInterval:   100 * time.Millisecond, // fast ticks so contracts settle quickly
	})

	const userID = "demo"
	sess := engine.NewSession(engine.SessionConfig{
		UserID:       userID,
		StrategyName: "demo",
		Strategy:     demoStrategy{},
		Symbols:      []string{"R_10"},
		Stake:        1,
		Duration:     3,
		DurationUnit: "t",
		Currency:     "USD",
		Granularity:  60,
		CandleCount:  20,
		ScanInterval: 500 * time.Millisecond,
		StartWait:    5 * time.Second,
		DryRun:       true,
		Risk: risk.Config{
			MaxConcurrent:   1,
			MaxTradesPerDay: 10,
			DailyLossLimit:  100,
			TradeCooldown:   200 * time.Millisecond,
			SymbolCooldown:  200 * time.Millisecond,
		},
		Order: order.Config{
			MonitorTimeout: 10 * time.Second,
			UpdateWait:     200 * time.Millisecond,
		},
	}, engine.Dependencies{
		Client:  broker,
		Balance: balance.NewManager(broker, time.Minute),
		History: hist,
		Guard:   history.NewGuard(database, time.Minute),
		Bus:     events.NewBus(),
		Metrics: monitor.NewSystemMetrics(),
		Cache:   cache.NewShardedCandleCache(),
	})

	ctx := context.Background()
	if err := sess.Start(ctx); err != nil {
		log.Fatalf("start session: %v", err)
	}

	// Let the session trade a few times.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		trades, err := hist.RecentTrades(ctx, userID, 10)
		if err == nil && len(trades) >= 3 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sess.Stop(stopCtx); err != nil {
		log.Fatalf("stop session: %v", err)
	}

	trades, err := hist.RecentTrades(ctx, userID, 10)
	if err != nil {
		log.Fatalf("read trades: %v", err)
	}
	for _, t := range trades {
		log.Printf("trade: contract %d %s %s stake %.2f → %s %+.2f",
			t.ContractID, t.Symbol, t.Direction, t.Stake, t.Status, t.Profit)
	}

	status := sess.Status()
	log.Printf("session: state %s, pnl %+.2f, risk %s (%d trades today)",
		status.Status, status.SessionPnL, status.Risk.State, status.Risk.DailyTrades)
	log.Printf("paper balance: %.2f", broker.Balance())

	log.Println("=== DRY-RUN demo finished ===")
}
