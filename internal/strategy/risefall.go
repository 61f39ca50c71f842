package strategy

import (
	"fmt"

	"bot-core/internal/indicators"
	"bot-core/pkg/deriv"
)

// RiseFall is pure streak momentum: N consecutive closes in one direction,
// vetoed only when RSI says the move is already exhausted.
type RiseFall struct {
	streak     int
	rsiPeriod  int
	overbought float64
	oversold   float64
	takeProfit float64
	stopLoss   float64
}

func NewRiseFall(p Params) *RiseFall {
	return &RiseFall{
		streak:     p.Int("streak", 3),
		rsiPeriod:  p.Int("rsi_period", 14),
		overbought: p.Float("rsi_overbought", 80),
		oversold:   p.Float("rsi_oversold", 20),
		takeProfit: p.Float("take_profit", 0),
		stopLoss:   p.Float("stop_loss", 0),
	}
}

func (s *RiseFall) Name() string { return "risefall" }

func (s *RiseFall) Analyze(symbol string, candles []deriv.Candle) *Signal {
	closes := closesOf(candles)
	need := s.rsiPeriod + 1
	if s.streak+1 > need {
		need = s.streak + 1
	}
	if len(closes) < need {
		return nil
	}

	streak := indicators.Streak(closes)
	rsi := indicators.RSI(closes, s.rsiPeriod)

	if streak >= s.streak && rsi < s.overbought {
		conf := 5.0 + float64(streak-s.streak)
		if conf > 10 {
			conf = 10
		}
		return &Signal{
			Symbol:     symbol,
			Direction:  "CALL",
			Confidence: conf,
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("%d rising closes, rsi %.1f", streak, rsi),
		}
	}
	if streak <= -s.streak && rsi > s.oversold {
		conf := 5.0 + float64(-streak-s.streak)
		if conf > 10 {
			conf = 10
		}
		return &Signal{
			Symbol:     symbol,
			Direction:  "PUT",
			Confidence: conf,
			TakeProfit: s.takeProfit,
			StopLoss:   s.stopLoss,
			Reason:     fmt.Sprintf("%d falling closes, rsi %.1f", -streak, rsi),
		}
	}
	return nil
}
