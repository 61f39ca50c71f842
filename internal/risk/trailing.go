package risk

import (
	"fmt"
	"log"
	"time"
)

// ExitDecision is the outcome of evaluating an open contract against the
// trailing and stagnation rules.
type ExitDecision struct {
	Close         bool
	Reason        string
	JustActivated bool
}

// EvaluateExit feeds the latest profit into the contract's trailing
// sub-state and decides whether to force an early close.
//
// Before activation nothing happens until profit reaches the activation
// threshold. Once armed, the peak is tracked and two rules apply: the tiered
// trail (distance tightens as the peak rises) and the profit-protection
// floor, which closes once profit falls below half its recorded peak while
// still positive. Independently, a stagnating loss past the configured age
// is cut.
func (e *Engine) EvaluateExit(contractID int64, profit float64) ExitDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.active[contractID]
	if !ok || t.Stake <= 0 {
		return ExitDecision{}
	}

	tcfg := e.cfg.Trailing
	if !tcfg.Enabled {
		return ExitDecision{}
	}

	if d := e.stagnationLocked(t, profit); d.Close {
		return d
	}

	profitPct := profit / t.Stake * 100

	if !t.trailingActive {
		if profitPct >= tcfg.ActivationPct*100 {
			t.trailingActive = true
			t.peak = profit
			log.Printf("[Risk] 📈 trailing armed for contract %d at %+.1f%% of stake", contractID, profitPct)
			return ExitDecision{JustActivated: true}
		}
		return ExitDecision{}
	}

	if profit > t.peak {
		t.peak = profit
	}
	peakPct := t.peak / t.Stake * 100

	distance := trailingDistance(tcfg.Tiers, peakPct)
	if floor := peakPct - distance; profitPct <= floor {
		return ExitDecision{
			Close: true,
			Reason: fmt.Sprintf("trailing profit exit (peak %.1f%%, profit %.1f%%, floor %.1f%%)",
				peakPct, profitPct, floor),
		}
	}

	if profit > 0 && profit < t.peak/2 {
		return ExitDecision{
			Close: true,
			Reason: fmt.Sprintf("profit protection exit (profit %.2f below half of peak %.2f)",
				profit, t.peak),
		}
	}

	return ExitDecision{}
}

func (e *Engine) stagnationLocked(t *ActiveTrade, profit float64) ExitDecision {
	tcfg := e.cfg.Trailing
	if tcfg.StagnationAfter <= 0 || t.trailingActive {
		return ExitDecision{}
	}
	age := time.Since(t.OpenedAt)
	if age < tcfg.StagnationAfter {
		return ExitDecision{}
	}
	if profit < 0 && -profit > tcfg.StagnationLossPct*t.Stake {
		return ExitDecision{
			Close: true,
			Reason: fmt.Sprintf("stagnation exit (open %s, loss %.2f)",
				age.Round(time.Second), -profit),
		}
	}
	return ExitDecision{}
}

// trailingDistance picks the trail width for the given peak, in percent of
// stake. Tiers are ordered highest band first; a peak below every band uses
// the tightest configured distance.
func trailingDistance(tiers []TrailingTier, peakPct float64) float64 {
	if len(tiers) == 0 {
		return 3
	}
	for _, tier := range tiers {
		if peakPct >= tier.MinPeak {
			return tier.Distance
		}
	}
	return tiers[len(tiers)-1].Distance
}
