package deriv

import (
	"context"
	"encoding/json"
	"fmt"
)

// Candles fetches the most recent count bars for a symbol. Granularity is
// the bar length in seconds (60, 120, 300, ...).
func (c *Client) Candles(ctx context.Context, symbol string, granularity, count int) ([]Candle, error) {
	req := map[string]any{
		"ticks_history":     symbol,
		"style":             "candles",
		"granularity":       granularity,
		"count":             count,
		"end":               "latest",
		"start":             1,
		"adjust_start_time": 1,
	}
	raw, err := c.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", symbol, err)
	}

	var resp struct {
		Candles []Candle `json:"candles"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse candles response: %w", err)
	}
	if len(resp.Candles) == 0 {
		return nil, fmt.Errorf("candles %s: empty response", symbol)
	}
	return resp.Candles, nil
}

// AccountBalance fetches the current account balance.
func (c *Client) AccountBalance(ctx context.Context) (*Balance, error) {
	raw, err := c.Send(ctx, map[string]any{"balance": 1})
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}

	var resp struct {
		Balance Balance `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse balance response: %w", err)
	}
	return &resp.Balance, nil
}

// Ping performs an application-level ping, useful as a cheap liveness probe
// between scan cycles.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.Send(ctx, map[string]any{"ping": 1}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
