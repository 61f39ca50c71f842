package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bot-core/internal/events"
	"bot-core/pkg/deriv"
)

// Config bounds the executor's recovery and settlement windows.
type Config struct {
	// GhostWindow is how far back a portfolio entry can still be claimed
	// as the result of an unacknowledged buy.
	GhostWindow time.Duration
	// GhostSlack widens the match window to absorb clock skew between us
	// and the broker.
	GhostSlack time.Duration
	// MonitorTimeout is the hard ceiling on waiting for settlement.
	MonitorTimeout time.Duration
	// UpdateWait is the longest single wait for the next stream update.
	UpdateWait time.Duration
	// FlushTimeout is the quiet window used when draining stale frames.
	FlushTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		GhostWindow:    90 * time.Second,
		GhostSlack:     2 * time.Second,
		MonitorTimeout: 600 * time.Second,
		UpdateWait:     10 * time.Second,
		FlushTimeout:   300 * time.Millisecond,
	}
}

// Executor opens, exits and settles contracts against one broker session.
// It does not gate trades itself; callers hold the risk lock for the whole
// open-to-settle window.
type Executor struct {
	Broker Broker
	Bus    *events.Bus
	UserID string

	cfg Config
}

func NewExecutor(b Broker, bus *events.Bus, userID string, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.GhostWindow <= 0 {
		cfg.GhostWindow = def.GhostWindow
	}
	if cfg.GhostSlack <= 0 {
		cfg.GhostSlack = def.GhostSlack
	}
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = def.MonitorTimeout
	}
	if cfg.UpdateWait <= 0 {
		cfg.UpdateWait = def.UpdateWait
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	return &Executor{Broker: b, Bus: bus, UserID: userID, cfg: cfg}
}

// Open buys one contract. A buy is never blindly retried: if the send dies
// at the transport level the broker may still have accepted it, so the
// portfolio is checked for a position matching this attempt before the
// failure is taken at face value.
func (e *Executor) Open(ctx context.Context, p OpenParams) (*deriv.Contract, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	attemptAt := time.Now()
	c, err := e.Broker.Buy(ctx, deriv.BuyParams{
		Symbol:       p.Symbol,
		ContractType: p.Direction,
		Stake:        p.Stake,
		Duration:     p.Duration,
		DurationUnit: p.DurationUnit,
		Currency:     p.Currency,
	})
	if err != nil {
		var apiErr *deriv.APIError
		if errors.As(err, &apiErr) {
			// the broker answered: no position was opened
			return nil, err
		}
		log.Printf("executor: buy %s %s not acknowledged (%v), checking portfolio", p.Symbol, p.Direction, err)
		ghost, gerr := e.reconcileGhost(ctx, p, attemptAt)
		if gerr != nil {
			log.Printf("executor: ghost check for %s %s: %v", p.Symbol, p.Direction, gerr)
			return nil, fmt.Errorf("buy not confirmed: %w", err)
		}
		log.Printf("executor: ⚠️ adopted ghost contract %d for %s %s (purchased %s)",
			ghost.ContractID, p.Symbol, p.Direction, ghost.PurchaseTime.Format(time.TimeOnly))
		c = ghost
	} else {
		log.Printf("executor: opened contract %d %s %s stake=%.2f payout=%.2f",
			c.ContractID, c.Symbol, c.Direction, c.Stake, c.Payout)
	}

	if e.Bus != nil {
		e.Bus.Publish(events.EventTradeOpened, e.UserID, c)
	}
	return c, nil
}

// reconcileGhost looks for the portfolio entry created by a buy whose ack
// was lost. Only an unambiguous match is adopted: same symbol and direction,
// purchased no earlier than the attempt minus clock slack and still inside
// the ghost window. Anything else stays untouched.
func (e *Executor) reconcileGhost(ctx context.Context, p OpenParams, attemptAt time.Time) (*deriv.Contract, error) {
	entries, err := e.Broker.Portfolio(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio lookup: %w", err)
	}

	cutoff := attemptAt.Add(-e.cfg.GhostSlack)
	var matches []deriv.PortfolioContract
	for _, pc := range entries {
		if pc.Symbol != p.Symbol || pc.ContractType != p.Direction {
			continue
		}
		purchased := time.Unix(pc.PurchaseTime, 0)
		if purchased.Before(cutoff) || time.Since(purchased) > e.cfg.GhostWindow {
			continue
		}
		matches = append(matches, pc)
	}

	switch len(matches) {
	case 1:
		pc := matches[0]
		return &deriv.Contract{
			ContractID:   pc.ContractID,
			Symbol:       pc.Symbol,
			Direction:    pc.ContractType,
			Stake:        pc.BuyPrice,
			BuyPrice:     pc.BuyPrice,
			Payout:       pc.Payout,
			PurchaseTime: time.Unix(pc.PurchaseTime, 0),
			LongCode:     pc.LongCode,
			IsGhost:      true,
		}, nil
	case 0:
		return nil, errors.New("no matching portfolio entry")
	default:
		return nil, fmt.Errorf("%d portfolio entries match, refusing to guess", len(matches))
	}
}

// Close sells an open contract at market price. The sell is sent once; a
// lost ack leaves the position to the update stream rather than risking a
// double sell.
func (e *Executor) Close(ctx context.Context, contractID int64) (*deriv.SellResult, error) {
	res, err := e.Broker.Sell(ctx, contractID, 0)
	if err != nil {
		return nil, err
	}
	log.Printf("executor: sold contract %d for %.2f (transaction %d)", res.ContractID, res.SoldFor, res.TransactionID)
	return res, nil
}
