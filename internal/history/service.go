// Package history persists settled trades and serves trade statistics.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"bot-core/internal/order"
	"bot-core/pkg/db"
	"bot-core/pkg/deriv"
)

// ErrPersistenceFailed means a trade row could not be written after all
// retries. The owning session must halt: trading on without an audit
// trail loses money silently.
var ErrPersistenceFailed = errors.New("history: trade persistence failed")

type Config struct {
	WriteRetries int           // attempts per trade row
	RetryDelay   time.Duration // pause between attempts
	BatchSize    int           // aggregate writer auto-flush threshold
	FlushEvery   time.Duration // aggregate writer interval
}

func DefaultConfig() Config {
	return Config{
		WriteRetries: 3,
		RetryDelay:   2 * time.Second,
		BatchSize:    50,
		FlushEvery:   500 * time.Millisecond,
	}
}

// Service is the persistence layer for settled trades. Trade rows are
// written synchronously with bounded retry; daily aggregates ride the
// asynchronous batch writer.
type Service struct {
	db     *db.Database
	cfg    Config
	writer *BatchWriter
}

func NewService(database *db.Database, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = def.WriteRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = def.FlushEvery
	}
	return &Service{
		db:     database,
		cfg:    cfg,
		writer: NewBatchWriter(database.DB, cfg.BatchSize, cfg.FlushEvery),
	}
}

// TradeRow maps a settled contract onto its persistent form.
func TradeRow(userID string, c *deriv.Contract, st *order.Settlement) db.Trade {
	closure := "expiry"
	if st.EarlyClose {
		closure = "early"
	}
	return db.Trade{
		ID:          uuid.NewString(),
		UserID:      userID,
		ContractID:  c.ContractID,
		Symbol:      c.Symbol,
		Direction:   c.Direction,
		Stake:       c.Stake,
		BuyPrice:    c.BuyPrice,
		Payout:      c.Payout,
		Profit:      st.Profit,
		Status:      string(st.Outcome),
		ClosureType: closure,
		IsGhost:     c.IsGhost,
		OpenedAt:    c.PurchaseTime,
		ClosedAt:    st.SettledAt,
	}
}

// UnknownTradeRow books a contract whose settlement never arrived as a
// conservative full-stake loss.
func UnknownTradeRow(userID string, c *deriv.Contract) db.Trade {
	return db.Trade{
		ID:          uuid.NewString(),
		UserID:      userID,
		ContractID:  c.ContractID,
		Symbol:      c.Symbol,
		Direction:   c.Direction,
		Stake:       c.Stake,
		BuyPrice:    c.BuyPrice,
		Payout:      c.Payout,
		Profit:      -c.Stake,
		Status:      "loss",
		ClosureType: "unknown",
		IsGhost:     c.IsGhost,
		OpenedAt:    c.PurchaseTime,
		ClosedAt:    time.Now(),
	}
}

// SaveTrade writes the trade row, retrying with a fixed delay. On success
// the matching daily aggregate is queued on the batch writer. A final
// failure returns ErrPersistenceFailed wrapping the last write error.
func (s *Service) SaveTrade(ctx context.Context, t db.Trade) error {
	if t.ClosedAt.IsZero() {
		t.ClosedAt = time.Now()
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.WriteRetries; attempt++ {
		lastErr = s.db.InsertTrade(ctx, t)
		if lastErr == nil {
			s.writer.EnqueueDailyDelta(deltaFor(t))
			return nil
		}
		log.Printf("[History] ⚠️ trade %s write failed (attempt %d/%d): %v",
			t.ID, attempt, s.cfg.WriteRetries, lastErr)
		if attempt < s.cfg.WriteRetries {
			select {
			case <-time.After(s.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	log.Printf("[History] ❌ trade %s lost after %d attempts, trading must halt",
		t.ID, s.cfg.WriteRetries)
	return fmt.Errorf("%w: %v", ErrPersistenceFailed, lastErr)
}

func deltaFor(t db.Trade) db.DailyStatDelta {
	d := db.DailyStatDelta{
		UserID: t.UserID,
		Date:   t.ClosedAt.UTC().Format("2006-01-02"),
		PnL:    t.Profit,
	}
	switch t.Status {
	case "win":
		d.Wins = 1
	case "loss":
		d.Losses = 1
	}
	return d
}

// RecentTrades returns the newest settled trades for a user.
func (s *Service) RecentTrades(ctx context.Context, userID string, limit int) ([]db.Trade, error) {
	return s.db.Queries().GetTradesByUser(ctx, userID, limit)
}

// Stats returns a user's lifetime rollup.
func (s *Service) Stats(ctx context.Context, userID string) (*db.TradeStats, error) {
	return s.db.Queries().GetTradeStatsByUser(ctx, userID)
}

// Daily returns per-day aggregates, newest first.
func (s *Service) Daily(ctx context.Context, userID string, days int) ([]db.DailyStat, error) {
	return s.db.Queries().GetDailyStatsByUser(ctx, userID, days)
}

// Today returns the user's aggregate for the current UTC day. Sessions
// seed their daily risk counters from it on start so caps survive
// restarts.
func (s *Service) Today(ctx context.Context, userID string) (*db.DailyStat, error) {
	return s.db.Queries().GetDailyStat(ctx, userID, time.Now().UTC().Format("2006-01-02"))
}

// Flush forces pending aggregate writes through; tests and shutdown use it.
func (s *Service) Flush() error { return s.writer.Flush() }

// Close drains the batch writer.
func (s *Service) Close() error { return s.writer.Close() }
