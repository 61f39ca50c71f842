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

// ExitFunc decides, from a live contract update, whether the position should
// be closed now. The returned reason is recorded on the settlement.
type ExitFunc func(u *deriv.ContractUpdate) (bool, string)

// Monitor follows a contract until it settles and returns the final
// accounting. Stale frames left over from earlier requests are drained
// before subscribing so the stream starts clean, and updates for other
// contracts are discarded. When shouldExit fires the position is sold at
// market and the parsed confirmation becomes the settlement. A contract
// that has not reached a terminal state within the settlement window yields
// ErrSettlementUnknown.
func (e *Executor) Monitor(ctx context.Context, c *deriv.Contract, shouldExit ExitFunc) (*Settlement, error) {
	deadline := time.Now().Add(e.cfg.MonitorTimeout)

	if n := e.Broker.FlushStale(e.cfg.FlushTimeout); n > 0 {
		log.Printf("executor: dropped %d stale frame(s) before watching contract %d", n, c.ContractID)
	}

	update, err := e.Broker.SubscribeContract(ctx, c.ContractID)
	if err != nil {
		return nil, fmt.Errorf("subscribe contract %d: %w", c.ContractID, err)
	}
	subID := update.SubscriptionID
	defer func() { e.forget(subID) }()

	sellDeclined := false
	for {
		if update != nil {
			switch {
			case update.ContractID != c.ContractID:
				log.Printf("executor: stale update for contract %d discarded (watching %d)", update.ContractID, c.ContractID)
			case update.Finished():
				return e.finish(settlementOf(c, update, "", false)), nil
			default:
				if shouldExit != nil && !sellDeclined {
					if s := e.tryEarlyClose(ctx, c, update, shouldExit, &sellDeclined); s != nil {
						return e.finish(s), nil
					}
				}
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Printf("executor: ⚠️ contract %d unsettled after %s, booking it as lost", c.ContractID, e.cfg.MonitorTimeout)
			return nil, ErrSettlementUnknown
		}
		wait := e.cfg.UpdateWait
		if wait > remaining {
			wait = remaining
		}

		update, err = e.Broker.NextContractUpdate(ctx, wait)
		if err != nil {
			switch {
			case errors.Is(err, deriv.ErrTimeout):
				update = nil
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				log.Printf("executor: update stream for contract %d broke (%v), resubscribing", c.ContractID, err)
				update, err = e.resubscribe(ctx, c.ContractID)
				if err != nil {
					log.Printf("executor: ⚠️ cannot restore update stream for contract %d: %v", c.ContractID, err)
					return nil, fmt.Errorf("%w: %v", ErrSettlementUnknown, err)
				}
				subID = update.SubscriptionID
			}
		}
	}
}

// tryEarlyClose asks the exit rule and, when it fires, sells at market. A
// broker refusal latches sellDeclined and the contract rides to expiry; a
// transport failure leaves the sell unconfirmed and the stream decides.
func (e *Executor) tryEarlyClose(ctx context.Context, c *deriv.Contract, u *deriv.ContractUpdate, shouldExit ExitFunc, sellDeclined *bool) *Settlement {
	doExit, reason := shouldExit(u)
	if !doExit {
		return nil
	}
	log.Printf("executor: closing contract %d early: %s", c.ContractID, reason)
	res, err := e.Broker.Sell(ctx, c.ContractID, 0)
	if err != nil {
		var apiErr *deriv.APIError
		if errors.As(err, &apiErr) {
			log.Printf("executor: early close of contract %d declined: %v", c.ContractID, err)
			*sellDeclined = true
		} else {
			log.Printf("executor: early close of contract %d unconfirmed (%v), waiting on the stream", c.ContractID, err)
		}
		return nil
	}
	profit := res.SoldFor - c.BuyPrice
	return settlementOf(c, &deriv.ContractUpdate{
		ContractID: c.ContractID,
		Status:     "sold",
		Profit:     profit,
		SellPrice:  res.SoldFor,
	}, reason, true)
}

func settlementOf(c *deriv.Contract, u *deriv.ContractUpdate, exitReason string, early bool) *Settlement {
	return &Settlement{
		ContractID: c.ContractID,
		Symbol:     c.Symbol,
		Outcome:    outcomeOf(u.Profit),
		Profit:     u.Profit,
		SellPrice:  u.SellPrice,
		Status:     u.Status,
		ExitReason: exitReason,
		EarlyClose: early,
		SettledAt:  time.Now(),
	}
}

// finish logs and publishes one settled contract.
func (e *Executor) finish(s *Settlement) *Settlement {
	switch s.Outcome {
	case OutcomeWin:
		log.Printf("executor: ✅ contract %d won %+.2f", s.ContractID, s.Profit)
	case OutcomeLoss:
		log.Printf("executor: ❌ contract %d lost %+.2f", s.ContractID, s.Profit)
	default:
		log.Printf("executor: contract %d settled flat", s.ContractID)
	}
	if e.Bus != nil {
		e.Bus.Publish(events.EventTradeClosed, e.UserID, s)
	}
	return s
}

func (e *Executor) resubscribe(ctx context.Context, contractID int64) (*deriv.ContractUpdate, error) {
	if err := e.Broker.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	e.Broker.FlushStale(e.cfg.FlushTimeout)
	return e.Broker.SubscribeContract(ctx, contractID)
}

// forget drops a contract subscription. Run on a fresh context so cleanup
// still happens when the monitor's context is already canceled.
func (e *Executor) forget(subscriptionID string) {
	if subscriptionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Broker.Forget(ctx, subscriptionID); err != nil {
		log.Printf("executor: forget %s: %v", subscriptionID, err)
	}
}
