package engine

import (
	"context"
	"testing"
	"time"

	"bot-core/internal/balance"
	"bot-core/internal/events"
	"bot-core/internal/gateway"
	"bot-core/internal/history"
	"bot-core/internal/monitor"
	"bot-core/pkg/config"
	"bot-core/pkg/db"
)

func testManager(t *testing.T, cfg ManagerConfig) (*Manager, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	broker := newFakeBroker(0)
	factory := func(ctx context.Context, userID, token string) (gateway.Client, error) {
		return broker, nil
	}
	pool := gateway.NewManager(database, nil, factory, gateway.Config{})
	t.Cleanup(pool.Stop)

	hist := history.NewService(database, history.Config{WriteRetries: 1, RetryDelay: time.Millisecond, FlushEvery: 10 * time.Millisecond})
	t.Cleanup(func() { hist.Close() })

	defaults := config.Config{
		Symbols:        []string{"R_10"},
		Currency:       "USD",
		Strategy:       "conservative",
		Stake:          1,
		MaxStake:       100,
		Duration:       2,
		DurationUnit:   "m",
		Granularity:    60,
		CandleCount:    20,
		ScanInterval:   30 * time.Millisecond,
		DailyMaxTrades: 100,
	}

	m := NewManager(defaults, ManagerDeps{
		Gateway: pool,
		Balances: balance.NewMultiUserManager(func(userID string) (*balance.Manager, error) {
			return balance.NewManager(broker, time.Hour), nil
		}),
		History: hist,
		Guard:   history.NewGuard(database, time.Minute),
		Bus:     events.NewBus(),
		Metrics: monitor.NewSystemMetrics(),
	}, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.StopAll(ctx)
	})
	return m, database
}

// seedUsers inserts user rows; the gateway pool refuses unknown users.
func seedUsers(t *testing.T, database *db.Database, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := database.CreateUser(context.Background(), db.User{
			ID:           id,
			Email:        id + "@test.local",
			PasswordHash: "x",
		})
		if err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
}

func TestManagerStartStopStatus(t *testing.T) {
	m, database := testManager(t, ManagerConfig{MaxBots: 5, StartWait: 5 * time.Second, StopTimeout: 5 * time.Second})
	seedUsers(t, database, "u1")

	res := m.Start(context.Background(), "u1", StartParams{})
	if !res.Success {
		t.Fatalf("start failed: %s", res.Message)
	}
	if res.Status != StatusRunning {
		t.Fatalf("status = %s, want RUNNING", res.Status)
	}

	status, ok := m.Status("u1")
	if !ok || status.Status != StatusRunning {
		t.Fatalf("status query = %+v ok=%v, want RUNNING", status, ok)
	}
	if status.Strategy != "conservative" {
		t.Fatalf("strategy = %s, want default conservative", status.Strategy)
	}

	res = m.Stop(context.Background(), "u1")
	if !res.Success {
		t.Fatalf("stop failed: %s", res.Message)
	}
	res = m.Stop(context.Background(), "u1")
	if res.Success || res.Message != "bot is not running" {
		t.Fatalf("second stop = %+v, want failure with 'bot is not running'", res)
	}
}

func TestManagerRefusesDuplicateStart(t *testing.T) {
	m, database := testManager(t, ManagerConfig{MaxBots: 5, StartWait: 5 * time.Second})
	seedUsers(t, database, "u1")

	if res := m.Start(context.Background(), "u1", StartParams{}); !res.Success {
		t.Fatalf("start failed: %s", res.Message)
	}
	res := m.Start(context.Background(), "u1", StartParams{})
	if res.Success || res.Message != "bot is already running" {
		t.Fatalf("duplicate start = %+v, want failure with 'bot is already running'", res)
	}
}

func TestManagerGlobalCap(t *testing.T) {
	m, database := testManager(t, ManagerConfig{MaxBots: 1, StartWait: 5 * time.Second})
	seedUsers(t, database, "u1", "u2")

	if res := m.Start(context.Background(), "u1", StartParams{}); !res.Success {
		t.Fatalf("start u1 failed: %s", res.Message)
	}
	res := m.Start(context.Background(), "u2", StartParams{})
	if res.Success {
		t.Fatal("second user should be refused at the cap")
	}
	if res.Message != "maximum concurrent bots reached (1)" {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestManagerStrategySwitch(t *testing.T) {
	m, database := testManager(t, ManagerConfig{MaxBots: 5, StartWait: 5 * time.Second, StopTimeout: 5 * time.Second})
	seedUsers(t, database, "u1")

	if res := m.Start(context.Background(), "u1", StartParams{Strategy: "conservative"}); !res.Success {
		t.Fatalf("start failed: %s", res.Message)
	}
	res := m.Start(context.Background(), "u1", StartParams{Strategy: "rsi"})
	if !res.Success {
		t.Fatalf("strategy switch failed: %s", res.Message)
	}

	status, ok := m.Status("u1")
	if !ok || status.Strategy != "rsi" {
		t.Fatalf("strategy after switch = %s, want rsi", status.Strategy)
	}
	if got := m.Stats().ActiveBots; got != 1 {
		t.Fatalf("active bots = %d, want exactly 1 after switch", got)
	}
}

func TestManagerRestart(t *testing.T) {
	m, database := testManager(t, ManagerConfig{
		MaxBots:      5,
		StartWait:    5 * time.Second,
		RestartDelay: 10 * time.Millisecond,
		StopTimeout:  5 * time.Second,
	})
	seedUsers(t, database, "u1")

	if res := m.Start(context.Background(), "u1", StartParams{Strategy: "bollinger"}); !res.Success {
		t.Fatalf("start failed: %s", res.Message)
	}
	res := m.Restart(context.Background(), "u1")
	if !res.Success {
		t.Fatalf("restart failed: %s", res.Message)
	}
	status, _ := m.Status("u1")
	if status.Status != StatusRunning || status.Strategy != "bollinger" {
		t.Fatalf("after restart = %s/%s, want RUNNING/bollinger", status.Status, status.Strategy)
	}
}

func TestManagerCleanupInactive(t *testing.T) {
	m, database := testManager(t, ManagerConfig{MaxBots: 5, StartWait: 5 * time.Second, StopTimeout: 5 * time.Second})
	seedUsers(t, database, "u1")

	if res := m.Start(context.Background(), "u1", StartParams{}); !res.Success {
		t.Fatalf("start failed: %s", res.Message)
	}
	if res := m.Stop(context.Background(), "u1"); !res.Success {
		t.Fatalf("stop failed: %s", res.Message)
	}

	if n := m.CleanupInactive(); n != 1 {
		t.Fatalf("cleanup removed %d sessions, want 1", n)
	}
	if got := m.Stats().TotalSessions; got != 0 {
		t.Fatalf("sessions after cleanup = %d, want 0", got)
	}
}

func TestManagerRestartUnknownUser(t *testing.T) {
	m, _ := testManager(t, ManagerConfig{MaxBots: 5})
	res := m.Restart(context.Background(), "nobody")
	if res.Success || res.Message != "bot is not running" {
		t.Fatalf("restart unknown = %+v, want 'bot is not running'", res)
	}
}
