package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bot-core/pkg/deriv"
)

// ErrSettlementUnknown is returned when a monitored contract never reached a
// terminal state within the settlement window. Callers must book the worst
// case and release any held trade slot.
var ErrSettlementUnknown = errors.New("order: settlement unknown")

// Broker is the trading surface the executor drives. *deriv.Client satisfies
// it; the paper broker stands in for dry-run sessions and tests.
type Broker interface {
	Buy(ctx context.Context, p deriv.BuyParams) (*deriv.Contract, error)
	Sell(ctx context.Context, contractID int64, price float64) (*deriv.SellResult, error)
	Portfolio(ctx context.Context) ([]deriv.PortfolioContract, error)
	SubscribeContract(ctx context.Context, contractID int64) (*deriv.ContractUpdate, error)
	NextContractUpdate(ctx context.Context, wait time.Duration) (*deriv.ContractUpdate, error)
	Forget(ctx context.Context, subscriptionID string) error
	FlushStale(timeout time.Duration) int
	EnsureConnected(ctx context.Context) error
}

// OpenParams describes one contract purchase intent.
type OpenParams struct {
	Symbol       string
	Direction    string // "CALL" or "PUT"
	Stake        float64
	Duration     int
	DurationUnit string // "t", "s", "m", "h"
	Currency     string
}

func (p OpenParams) validate() error {
	if p.Symbol == "" {
		return errors.New("symbol is required")
	}
	switch p.Direction {
	case "CALL", "PUT":
	default:
		return fmt.Errorf("invalid direction %q", p.Direction)
	}
	if p.Stake <= 0 {
		return fmt.Errorf("invalid stake amount: %.2f", p.Stake)
	}
	return nil
}

// Outcome classifies a settled contract by realized profit.
type Outcome string

const (
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeBreakeven Outcome = "breakeven"
)

func outcomeOf(profit float64) Outcome {
	switch {
	case profit > 0:
		return OutcomeWin
	case profit < 0:
		return OutcomeLoss
	default:
		return OutcomeBreakeven
	}
}

// Settlement is the final accounting of one contract.
type Settlement struct {
	ContractID int64
	Symbol     string
	Outcome    Outcome
	Profit     float64
	SellPrice  float64
	Status     string
	ExitReason string // set when an exit rule closed the position
	EarlyClose bool
	SettledAt  time.Time
}
