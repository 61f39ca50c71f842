package strategy

import (
	"fmt"

	"bot-core/internal/indicators"
	"bot-core/pkg/deriv"
)

// Bollinger trades mean reversion off the bands: a close pierced below
// the lower band is stretched and due back toward the middle (CALL),
// above the upper band the mirror (PUT). Confidence scales with how many
// standard deviations the pierce travelled past the band.
type Bollinger struct {
	period     int
	numStdDev  float64
	takeProfit float64
	stopLoss   float64
}

func NewBollinger(p Params) *Bollinger {
	return &Bollinger{
		period:     p.Int("period", 20),
		numStdDev:  p.Float("std_dev", 2),
		takeProfit: p.Float("take_profit", 0),
		stopLoss:   p.Float("stop_loss", 0),
	}
}

func (s *Bollinger) Name() string { return "bollinger" }

func (s *Bollinger) Analyze(symbol string, candles []deriv.Candle) *Signal {
	closes := closesOf(candles)
	if len(closes) < s.period {
		return nil
	}

	mid := indicators.SMA(closes, s.period)
	sd := indicators.StdDev(closes, s.period)
	if sd == 0 {
		return nil // flat window, bands collapse
	}

	last := closes[len(closes)-1]
	upper := mid + s.numStdDev*sd
	lower := mid - s.numStdDev*sd

	if last < lower {
		return &Signal{
			Symbol:     symbol,
			Direction:  "CALL",
			Confidence: confluence(6, (lower-last)/sd, 1),
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("close %.4f pierced lower band %.4f", last, lower),
		}
	}
	if last > upper {
		return &Signal{
			Symbol:     symbol,
			Direction:  "PUT",
			Confidence: confluence(6, (last-upper)/sd, 1),
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("close %.4f pierced upper band %.4f", last, upper),
		}
	}
	return nil
}
