package deriv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Buy purchases one contract. The request is sent exactly once: a failure
// here may mean the order reached the venue anyway, and retrying blindly
// could open a duplicate position. Callers resolve that ambiguity through
// Portfolio.
func (c *Client) Buy(ctx context.Context, p BuyParams) (*Contract, error) {
	if p.Currency == "" {
		p.Currency = "USD"
	}
	req := map[string]any{
		"buy":   1,
		"price": p.Stake,
		"parameters": map[string]any{
			"contract_type": p.ContractType,
			"symbol":        p.Symbol,
			"duration":      p.Duration,
			"duration_unit": p.DurationUnit,
			"basis":         "stake",
			"amount":        p.Stake,
			"currency":      p.Currency,
		},
	}
	raw, err := c.sendAttempt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("buy %s %s: %w", p.Symbol, p.ContractType, err)
	}

	var resp struct {
		Buy struct {
			ContractID   int64   `json:"contract_id"`
			BuyPrice     float64 `json:"buy_price"`
			Payout       float64 `json:"payout"`
			PurchaseTime int64   `json:"purchase_time"`
			LongCode     string  `json:"longcode"`
		} `json:"buy"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse buy response: %w", err)
	}
	if resp.Buy.ContractID == 0 {
		return nil, fmt.Errorf("buy response missing contract_id")
	}

	return &Contract{
		ContractID:   resp.Buy.ContractID,
		Symbol:       p.Symbol,
		Direction:    p.ContractType,
		Stake:        p.Stake,
		BuyPrice:     resp.Buy.BuyPrice,
		Payout:       resp.Buy.Payout,
		PurchaseTime: time.Unix(resp.Buy.PurchaseTime, 0),
		LongCode:     resp.Buy.LongCode,
	}, nil
}

// Portfolio lists the account's open contracts.
func (c *Client) Portfolio(ctx context.Context) ([]PortfolioContract, error) {
	raw, err := c.Send(ctx, map[string]any{"portfolio": 1})
	if err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}

	var resp struct {
		Portfolio struct {
			Contracts []PortfolioContract `json:"contracts"`
		} `json:"portfolio"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse portfolio response: %w", err)
	}
	return resp.Portfolio.Contracts, nil
}

// SubscribeContract starts a proposal_open_contract stream. The response is
// the contract's current state and carries the subscription id needed to
// Forget the stream later. Sent exactly once; a duplicate subscribe is an
// API error.
func (c *Client) SubscribeContract(ctx context.Context, contractID int64) (*ContractUpdate, error) {
	req := map[string]any{
		"proposal_open_contract": 1,
		"contract_id":            contractID,
		"subscribe":              1,
	}
	raw, err := c.sendAttempt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("subscribe contract %d: %w", contractID, err)
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse subscribe response: %w", err)
	}
	var resp struct {
		Contract ContractUpdate `json:"proposal_open_contract"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse subscribe response: %w", err)
	}
	update := resp.Contract
	if f.Subscription != nil {
		update.SubscriptionID = f.Subscription.ID
	}
	return &update, nil
}

// Forget cancels a subscription by id.
func (c *Client) Forget(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return nil
	}
	if _, err := c.Send(ctx, map[string]any{"forget": subscriptionID}); err != nil {
		return fmt.Errorf("forget %s: %w", subscriptionID, err)
	}
	return nil
}

// Sell closes a contract at the given price, 0 meaning market. The parsed
// confirmation is required: a missing or garbled response is an error, never
// an assumed success.
func (c *Client) Sell(ctx context.Context, contractID int64, price float64) (*SellResult, error) {
	raw, err := c.sendAttempt(ctx, map[string]any{"sell": contractID, "price": price})
	if err != nil {
		return nil, fmt.Errorf("sell %d: %w", contractID, err)
	}

	var resp struct {
		Sell SellResult `json:"sell"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse sell response: %w", err)
	}
	if resp.Sell.TransactionID == 0 && resp.Sell.SoldFor == 0 {
		return nil, fmt.Errorf("sell %d: response missing confirmation", contractID)
	}
	if resp.Sell.ContractID == 0 {
		resp.Sell.ContractID = contractID
	}
	return &resp.Sell, nil
}
