package risk

import (
	"strings"
	"testing"
	"time"
)

func trailingEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := ScalpingConfig()
	cfg.TradeCooldown = 0
	cfg.SymbolCooldown = 0
	e := New(cfg)
	e.AcquireLock("R_10")
	if err := e.RecordOpen(ActiveTrade{ContractID: 1, Symbol: "R_10", Direction: "CALL", Stake: 10}); err != nil {
		t.Fatalf("record open: %v", err)
	}
	return e
}

func TestTrailingStaysQuietBelowActivation(t *testing.T) {
	e := trailingEngine(t)

	// activation is 8% of a 10.00 stake = 0.80
	for _, profit := range []float64{-0.5, 0, 0.3, 0.79} {
		if d := e.EvaluateExit(1, profit); d.Close || d.JustActivated {
			t.Fatalf("profit %.2f should not trigger anything, got %+v", profit, d)
		}
	}
}

func TestTrailingActivatesAtThreshold(t *testing.T) {
	e := trailingEngine(t)

	d := e.EvaluateExit(1, 0.85)
	if !d.JustActivated || d.Close {
		t.Fatalf("expected activation at 8.5%%, got %+v", d)
	}
	// second call at the same profit: already armed, no exit
	if d := e.EvaluateExit(1, 0.85); d.Close || d.JustActivated {
		t.Fatalf("armed trail at peak should hold, got %+v", d)
	}
}

func TestTrailingClosesWhenProfitFallsPastDistance(t *testing.T) {
	e := trailingEngine(t)

	e.EvaluateExit(1, 0.9) // arm at 9%
	e.EvaluateExit(1, 1.3) // peak 13%, tier distance 3 -> floor 10%

	d := e.EvaluateExit(1, 0.95) // 9.5% <= floor 10%
	if !d.Close || !strings.Contains(d.Reason, "trailing profit exit") {
		t.Fatalf("expected trailing exit, got %+v", d)
	}
}

func TestTrailingDistanceTightensWithPeak(t *testing.T) {
	e := trailingEngine(t)

	e.EvaluateExit(1, 0.9) // arm
	e.EvaluateExit(1, 3.5) // peak 35%, widest tier distance 7 -> floor 28%

	if d := e.EvaluateExit(1, 2.9); d.Close {
		t.Fatalf("29%% is above the 28%% floor, got %+v", d)
	}
	d := e.EvaluateExit(1, 2.7)
	if !d.Close {
		t.Fatalf("27%% is below the 28%% floor, expected close, got %+v", d)
	}
}

func TestProfitProtectionFloorHalfOfPeak(t *testing.T) {
	cfg := ScalpingConfig()
	cfg.TradeCooldown = 0
	cfg.SymbolCooldown = 0
	// one wide tier so the tier floor cannot fire first
	cfg.Trailing.Tiers = []TrailingTier{{MinPeak: 0, Distance: 90}}
	e := New(cfg)
	e.AcquireLock("R_10")
	if err := e.RecordOpen(ActiveTrade{ContractID: 1, Symbol: "R_10", Direction: "CALL", Stake: 10}); err != nil {
		t.Fatalf("record open: %v", err)
	}

	e.EvaluateExit(1, 2.0) // arm, peak 2.00

	if d := e.EvaluateExit(1, 1.1); d.Close {
		t.Fatalf("1.10 is above half of peak 2.00, got %+v", d)
	}
	d := e.EvaluateExit(1, 0.9)
	if !d.Close || !strings.Contains(d.Reason, "profit protection") {
		t.Fatalf("0.90 is below half of peak 2.00, expected protection exit, got %+v", d)
	}
}

func TestStagnationExitCutsOldLosers(t *testing.T) {
	cfg := ScalpingConfig()
	cfg.TradeCooldown = 0
	cfg.SymbolCooldown = 0
	cfg.Trailing.StagnationAfter = 50 * time.Millisecond
	e := New(cfg)
	e.AcquireLock("R_10")
	if err := e.RecordOpen(ActiveTrade{ContractID: 1, Symbol: "R_10", Direction: "CALL", Stake: 10}); err != nil {
		t.Fatalf("record open: %v", err)
	}

	// young loser: hold
	if d := e.EvaluateExit(1, -0.5); d.Close {
		t.Fatalf("young losing trade must not stagnation-exit, got %+v", d)
	}

	time.Sleep(70 * time.Millisecond)

	// old but tiny loss (under 3% of stake): hold
	if d := e.EvaluateExit(1, -0.2); d.Close {
		t.Fatalf("loss under the stagnation floor must hold, got %+v", d)
	}
	d := e.EvaluateExit(1, -0.5)
	if !d.Close || !strings.Contains(d.Reason, "stagnation") {
		t.Fatalf("expected stagnation exit, got %+v", d)
	}
}

func TestTrailingDisabledNeverCloses(t *testing.T) {
	cfg := testConfig() // default variant, trailing off
	e := New(cfg)
	e.AcquireLock("R_10")
	if err := e.RecordOpen(ActiveTrade{ContractID: 1, Symbol: "R_10", Direction: "CALL", Stake: 10}); err != nil {
		t.Fatalf("record open: %v", err)
	}

	for _, profit := range []float64{-5, 0, 1, 5, 0.1} {
		if d := e.EvaluateExit(1, profit); d.Close || d.JustActivated {
			t.Fatalf("trailing disabled, profit %.1f should do nothing, got %+v", profit, d)
		}
	}
}

func TestEvaluateExitUnknownContract(t *testing.T) {
	e := New(ScalpingConfig())
	if d := e.EvaluateExit(404, 1.0); d.Close || d.JustActivated {
		t.Fatalf("unknown contract should be a no-op, got %+v", d)
	}
}

func TestTrailingDistanceTierTable(t *testing.T) {
	tiers := ScalpingConfig().Trailing.Tiers
	cases := []struct {
		peak, want float64
	}{
		{35, 7},
		{30, 7},
		{20, 5},
		{15, 5},
		{12, 3},
		{9, 3}, // below every band falls back to the tightest distance
	}
	for _, tc := range cases {
		if got := trailingDistance(tiers, tc.peak); got != tc.want {
			t.Errorf("trailingDistance(%.0f) = %.0f, want %.0f", tc.peak, got, tc.want)
		}
	}
}
