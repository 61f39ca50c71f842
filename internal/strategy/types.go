package strategy

import (
	"bot-core/pkg/deriv"
)

// Signal is one trade proposal. Confidence runs 0 to 10; the risk engine
// may require a per-symbol minimum before a signal is acted on.
type Signal struct {
	Symbol     string
	Direction  string // "CALL" or "PUT"
	Confidence float64
	TakeProfit float64 // fraction of stake, 0 disables the rule
	StopLoss   float64 // fraction of stake, 0 disables the rule
	Reason     string
}

// Strategy inspects recent candles and proposes a trade. Analyze returns
// nil when its entry conditions are not met.
type Strategy interface {
	Name() string
	Analyze(symbol string, candles []deriv.Candle) *Signal
}

// Params carries per-strategy tuning knobs parsed from YAML.
type Params map[string]any

// Float reads a numeric knob, tolerating YAML's int/float ambiguity.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Int reads an integer knob.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func closesOf(candles []deriv.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// confluence scales a base score by how deep into its band the oscillator
// reached, capped at 10.
func confluence(base, depth, band float64) float64 {
	if band <= 0 {
		return base
	}
	c := base + 2*depth/band
	if c > 10 {
		c = 10
	}
	return c
}
