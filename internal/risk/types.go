package risk

import (
	"errors"
	"time"
)

var (
	// ErrCapacityExceeded is returned by RecordOpen when accepting the trade
	// would exceed concurrent capacity. The owning session must treat it as
	// fatal: it means a duplicate open slipped past every earlier gate.
	ErrCapacityExceeded = errors.New("risk: concurrent trade capacity exceeded")

	// ErrLockNotHeld is returned by RecordOpen in single-slot mode when the
	// lifecycle lock was never acquired for the attempt.
	ErrLockNotHeld = errors.New("risk: trade lock not held")
)

// State describes the engine's position slot.
type State string

const (
	StateUnlocked      State = "UNLOCKED"
	StateLocked        State = "LOCKED"
	StateCircuitBroken State = "CIRCUIT_BROKEN"
)

// Config carries every tunable of the engine. It is injected at
// construction and never changes afterwards; mid-flight adjustments require
// a session restart.
type Config struct {
	MaxConcurrent   int `json:"max_concurrent"`
	MaxPerSymbol    int `json:"max_per_symbol"`
	MaxTradesPerDay int `json:"max_trades_per_day"`

	// DailyLossLimit is an absolute currency cap on one day's net loss.
	// Zero disables the check.
	DailyLossLimit       float64       `json:"daily_loss_limit"`
	MaxConsecutiveLosses int           `json:"max_consecutive_losses"`
	LossCooldown         time.Duration `json:"loss_cooldown"`
	TradeCooldown        time.Duration `json:"trade_cooldown"`
	SymbolCooldown       time.Duration `json:"symbol_cooldown"`
	PendingTimeout       time.Duration `json:"pending_timeout"`

	BlockedSymbols []string `json:"blocked_symbols,omitempty"`

	// MinConfidence maps "SYMBOL:DIRECTION" to the confidence floor a
	// signal must clear before opening.
	MinConfidence map[string]float64 `json:"min_confidence,omitempty"`

	Trailing TrailingConfig `json:"trailing"`
}

// TrailingConfig controls the early-exit evaluator for open contracts.
type TrailingConfig struct {
	Enabled bool `json:"enabled"`

	// ActivationPct is the profit, as a fraction of stake, that arms the
	// trail.
	ActivationPct float64        `json:"activation_pct"`
	Tiers         []TrailingTier `json:"tiers,omitempty"`

	StagnationAfter   time.Duration `json:"stagnation_after"`
	StagnationLossPct float64       `json:"stagnation_loss_pct"`
}

// TrailingTier maps a peak profit band to its trailing distance, both in
// percent of stake. Tiers are matched highest band first.
type TrailingTier struct {
	MinPeak  float64 `json:"min_peak"`
	Distance float64 `json:"distance"`
}

// DefaultConfig is the single-slot variant: one contract at a time, no
// trailing exits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        1,
		MaxPerSymbol:         1,
		MaxTradesPerDay:      30,
		DailyLossLimit:       3.0,
		MaxConsecutiveLosses: 2,
		LossCooldown:         6 * time.Hour,
		TradeCooldown:        30 * time.Second,
		SymbolCooldown:       30 * time.Second,
		PendingTimeout:       60 * time.Second,
	}
}

// ScalpingConfig is the trailing-enabled variant: same slot accounting plus
// tightened early exits and per-symbol confidence floors.
func ScalpingConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveLosses = 3
	cfg.MinConfidence = map[string]float64{"R_50:PUT": 9.0}
	cfg.Trailing = TrailingConfig{
		Enabled:       true,
		ActivationPct: 0.08,
		Tiers: []TrailingTier{
			{MinPeak: 30, Distance: 7},
			{MinPeak: 15, Distance: 5},
			{MinPeak: 12, Distance: 3},
		},
		StagnationAfter:   75 * time.Second,
		StagnationLossPct: 0.03,
	}
	return cfg
}

// ActiveTrade is one open contract tracked by the engine.
type ActiveTrade struct {
	ContractID int64
	Symbol     string
	Direction  string
	Stake      float64
	OpenedAt   time.Time

	// trailing sub-state, touched only by EvaluateExit
	peak           float64
	trailingActive bool
}

// Stats is a point-in-time snapshot for statistics events and the API.
type Stats struct {
	State             State     `json:"state"`
	ActiveTrades      int       `json:"active_trades"`
	DailyTrades       int       `json:"daily_trades"`
	DailyPnL          float64   `json:"daily_pnl"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CircuitUntil      time.Time `json:"circuit_until,omitzero"`
	LockSymbol        string    `json:"lock_symbol,omitempty"`
	LockContractID    int64     `json:"lock_contract_id,omitempty"`
	Halted            bool      `json:"halted"`
	HaltReason        string    `json:"halt_reason,omitempty"`
}
