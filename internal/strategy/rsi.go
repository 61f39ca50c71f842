package strategy

import (
	"fmt"

	"bot-core/internal/indicators"
	"bot-core/pkg/deriv"
)

// RSIReversal is the contrarian play: buy exhaustion, not momentum.
// RSI under the oversold band means sellers are spent, so CALL; over the
// overbought band means buyers are spent, so PUT. Confidence grows with
// how deep past the band the reading sits.
type RSIReversal struct {
	period     int
	oversold   float64
	overbought float64
	takeProfit float64
	stopLoss   float64
}

func NewRSIReversal(p Params) *RSIReversal {
	return &RSIReversal{
		period:     p.Int("period", 14),
		oversold:   p.Float("oversold", 30),
		overbought: p.Float("overbought", 70),
		takeProfit: p.Float("take_profit", 0),
		stopLoss:   p.Float("stop_loss", 0),
	}
}

func (s *RSIReversal) Name() string { return "rsi" }

func (s *RSIReversal) Analyze(symbol string, candles []deriv.Candle) *Signal {
	closes := closesOf(candles)
	if len(closes) < s.period+1 {
		return nil
	}

	rsi := indicators.RSI(closes, s.period)

	if rsi < s.oversold {
		return &Signal{
			Symbol:     symbol,
			Direction:  "CALL",
			Confidence: confluence(6, s.oversold-rsi, s.oversold),
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("rsi %.1f oversold (band %.0f)", rsi, s.oversold),
		}
	}
	if rsi > s.overbought {
		return &Signal{
			Symbol:     symbol,
			Direction:  "PUT",
			Confidence: confluence(6, rsi-s.overbought, 100-s.overbought),
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("rsi %.1f overbought (band %.0f)", rsi, s.overbought),
		}
	}
	return nil
}
