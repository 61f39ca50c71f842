package gateway

import (
	"context"
	"fmt"

	"bot-core/internal/order"
	"bot-core/pkg/config"
	"bot-core/pkg/deriv"
)

// LiveFactory builds connected websocket clients against the real broker.
// Users without a stored API token are refused: live trading without
// credentials cannot work.
func LiveFactory(cfg config.Config) ClientFactory {
	return func(ctx context.Context, userID, token string) (Client, error) {
		if token == "" {
			return nil, ErrNoToken
		}
		client := deriv.NewClient(deriv.Config{
			Endpoint:  cfg.DerivWSURL,
			AppID:     cfg.DerivAppID,
			Token:     token,
			RateLimit: cfg.RequestsPerSecond,
			RateBurst: cfg.RequestBurst,
		})
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect broker for user %s: %w", userID, err)
		}
		return client, nil
	}
}

// PaperFactory builds simulated brokers for dry-run mode. Tokens are
// ignored; every user gets an isolated paper account.
func PaperFactory(cfg config.Config) ClientFactory {
	return func(ctx context.Context, userID, token string) (Client, error) {
		return order.NewPaperBroker(order.PaperConfig{
			InitialBalance: cfg.PaperBalance,
			WinProbability: cfg.PaperWinProbability,
		}), nil
	}
}
