package strategy

import (
	"fmt"

	"bot-core/internal/indicators"
	"bot-core/pkg/deriv"
)

// Conservative is the default entry rule. A trade needs trend, momentum and
// a sane RSI to line up at once, so it fires rarely and scores high when it
// does.
type Conservative struct {
	fast       int
	slow       int
	rsiPeriod  int
	overbought float64
	oversold   float64
	minStreak  int
	takeProfit float64
	stopLoss   float64
}

func NewConservative(p Params) *Conservative {
	return &Conservative{
		fast:       p.Int("sma_fast", 10),
		slow:       p.Int("sma_slow", 30),
		rsiPeriod:  p.Int("rsi_period", 14),
		overbought: p.Float("rsi_overbought", 70),
		oversold:   p.Float("rsi_oversold", 30),
		minStreak:  p.Int("min_streak", 2),
		takeProfit: p.Float("take_profit", 0),
		stopLoss:   p.Float("stop_loss", 0),
	}
}

func (s *Conservative) Name() string { return "conservative" }

func (s *Conservative) Analyze(symbol string, candles []deriv.Candle) *Signal {
	closes := closesOf(candles)
	need := s.slow + 1
	if r := s.rsiPeriod + 1; r > need {
		need = r
	}
	if len(closes) < need {
		return nil
	}

	fast := indicators.SMA(closes, s.fast)
	slow := indicators.SMA(closes, s.slow)
	rsi := indicators.RSI(closes, s.rsiPeriod)
	streak := indicators.Streak(closes)
	last := closes[len(closes)-1]

	trendPct := 0.0
	if slow != 0 {
		trendPct = (fast - slow) / slow * 100
	}

	if fast > slow && last > fast && rsi > 50 && rsi < s.overbought && streak >= s.minStreak {
		return &Signal{
			Symbol:     symbol,
			Direction:  "CALL",
			Confidence: confluence(8, rsi-50, s.overbought-50),
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("uptrend %+.2f%%, rsi %.1f, %d rising closes", trendPct, rsi, streak),
		}
	}
	if fast < slow && last < fast && rsi < 50 && rsi > s.oversold && streak <= -s.minStreak {
		return &Signal{
			Symbol:     symbol,
			Direction:  "PUT",
			Confidence: confluence(8, 50-rsi, 50-s.oversold),
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("downtrend %+.2f%%, rsi %.1f, %d falling closes", trendPct, rsi, -streak),
		}
	}
	return nil
}
