package main

import (
	"context"
	"log"
	"time"

	"bot-core/pkg/config"
	"bot-core/pkg/deriv"
)

// broker_check verifies live connectivity against the venue: it dials the
// websocket endpoint from the environment, authorizes, and exercises the
// read-only calls a session depends on. Run it before pointing a deployment
// at a new app ID or token.
//
// Usage:
//
//	DERIV_API_TOKEN=... go run ./scripts/broker_check
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	if cfg.DerivToken == "" {
		log.Fatal("DERIV_API_TOKEN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := deriv.NewClient(deriv.Config{
		Endpoint: cfg.DerivWSURL,
		AppID:    cfg.DerivAppID,
		Token:    cfg.DerivToken,
	})
	log.Printf("connecting to %s (app %s)...", cfg.DerivWSURL, cfg.DerivAppID)
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("✗ connect: %v", err)
	}
	defer client.Close()
	log.Printf("✓ authorized as %s", client.LoginID())

	bal, err := client.AccountBalance(ctx)
	if err != nil {
		log.Fatalf("✗ balance: %v", err)
	}
	log.Printf("✓ balance: %.2f %s", bal.Amount, bal.Currency)

	symbol := "R_10"
	if len(cfg.Symbols) > 0 {
		symbol = cfg.Symbols[0]
	}
	candles, err := client.Candles(ctx, symbol, 60, 10)
	if err != nil {
		log.Fatalf("✗ candles for %s: %v", symbol, err)
	}
	log.Printf("✓ candles: %d bars for %s, last close %.4f", len(candles), symbol, candles[len(candles)-1].Close)

	open, err := client.Portfolio(ctx)
	if err != nil {
		log.Fatalf("✗ portfolio: %v", err)
	}
	log.Printf("✓ portfolio: %d open contract(s)", len(open))
	for _, c := range open {
		log.Printf("    contract %d %s %s buy %.2f payout %.2f", c.ContractID, c.Symbol, c.ContractType, c.BuyPrice, c.Payout)
	}

	if err := client.Ping(ctx); err != nil {
		log.Fatalf("✗ ping: %v", err)
	}
	log.Println("✓ ping ok")

	log.Println("broker check passed")
}
