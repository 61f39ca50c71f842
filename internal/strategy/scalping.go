package strategy

import (
	"fmt"

	"bot-core/internal/indicators"
	"bot-core/pkg/deriv"
)

// Scalping chases short bursts with EMA alignment and a volatility floor.
// Meant to pair with trailing exits rather than riding to expiry.
type Scalping struct {
	fast       int
	slow       int
	rsiPeriod  int
	overbought float64
	oversold   float64
	volFloor   float64 // stddev as a fraction of price
	volWindow  int
	takeProfit float64
	stopLoss   float64
}

func NewScalping(p Params) *Scalping {
	return &Scalping{
		fast:       p.Int("ema_fast", 5),
		slow:       p.Int("ema_slow", 20),
		rsiPeriod:  p.Int("rsi_period", 14),
		overbought: p.Float("rsi_overbought", 75),
		oversold:   p.Float("rsi_oversold", 25),
		volFloor:   p.Float("vol_floor", 0.0001),
		volWindow:  p.Int("vol_window", 10),
		takeProfit: p.Float("take_profit", 0),
		stopLoss:   p.Float("stop_loss", 0),
	}
}

func (s *Scalping) Name() string { return "scalping" }

func (s *Scalping) Analyze(symbol string, candles []deriv.Candle) *Signal {
	closes := closesOf(candles)
	need := s.slow + 1
	if r := s.rsiPeriod + 1; r > need {
		need = r
	}
	if s.volWindow > need {
		need = s.volWindow
	}
	if len(closes) < need {
		return nil
	}

	last := closes[len(closes)-1]
	if last <= 0 {
		return nil
	}
	if vol := indicators.StdDev(closes, s.volWindow) / last; vol < s.volFloor {
		return nil // too quiet to scalp
	}

	fast := indicators.EMA(closes, s.fast)
	slow := indicators.EMA(closes, s.slow)
	rsi := indicators.RSI(closes, s.rsiPeriod)
	body := last - closes[len(closes)-2]

	if fast > slow && body > 0 && rsi > 55 && rsi < s.overbought {
		return &Signal{
			Symbol:     symbol,
			Direction:  "CALL",
			Confidence: confluence(7, rsi-55, s.overbought-55),
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("ema burst, rsi %.1f, last move %+.4f", rsi, body),
		}
	}
	if fast < slow && body < 0 && rsi < 45 && rsi > s.oversold {
		return &Signal{
			Symbol:     symbol,
			Direction:  "PUT",
			Confidence: confluence(7, 45-rsi, 45-s.oversold),
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("ema slide, rsi %.1f, last move %+.4f", rsi, body),
		}
	}
	return nil
}
