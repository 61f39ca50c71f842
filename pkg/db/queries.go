// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// exprTimeFormats mirrors the layouts the sqlite driver accepts for DATETIME
// columns; expression columns (e.g. COALESCE over two DATETIME columns) lose
// their declared type, so the driver hands the raw text back and we parse it
// here the same way.
var exprTimeFormats = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// exprTime scans a DATETIME value produced by an SQL expression, which the
// driver cannot map to time.Time on its own.
type exprTime struct{ t *time.Time }

func (e exprTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*e.t = time.Time{}
		return nil
	case time.Time:
		*e.t = x
		return nil
	case []byte:
		return e.parse(string(x))
	case string:
		return e.parse(x)
	default:
		return fmt.Errorf("unsupported time value of type %T", v)
	}
}

func (e exprTime) parse(s string) error {
	if i := strings.Index(s, "m="); i > 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "Z")
	for _, f := range exprTimeFormats {
		if t, err := time.Parse(f, s); err == nil {
			*e.t = t
			return nil
		}
	}
	return fmt.Errorf("unsupported time value %q", s)
}

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// GetTradesByUser returns the most recent settled trades for a user.
func (q *UserQueries) GetTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, contract_id, symbol, direction, stake,
		       COALESCE(buy_price, 0), payout, profit, status,
		       COALESCE(closure_type, 'expiry'), COALESCE(is_ghost, 0),
		       COALESCE(opened_at, closed_at), closed_at
		FROM trades
		WHERE user_id = ?
		ORDER BY closed_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.UserID, &t.ContractID, &t.Symbol, &t.Direction,
			&t.Stake, &t.BuyPrice, &t.Payout, &t.Profit, &t.Status,
			&t.ClosureType, &t.IsGhost, exprTime{&t.OpenedAt}, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetTradeStatsByUser rolls up a user's lifetime results in one pass.
func (q *UserQueries) GetTradeStatsByUser(ctx context.Context, userID string) (*TradeStats, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var s TradeStats
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'win' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'loss' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'breakeven' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(profit), 0),
		       COALESCE(MAX(profit), 0),
		       COALESCE(MIN(profit), 0)
		FROM trades
		WHERE user_id = ?
	`, userID).Scan(&s.Trades, &s.Wins, &s.Losses, &s.Breakeven,
		&s.TotalPnL, &s.BestTrade, &s.WorstTrade)
	if err != nil {
		return nil, fmt.Errorf("query trade stats: %w", err)
	}
	return &s, nil
}

// GetDailyStatsByUser returns per-day aggregates, newest first.
func (q *UserQueries) GetDailyStatsByUser(ctx context.Context, userID string, days int) ([]DailyStat, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if days <= 0 {
		days = 30
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT user_id, date, trades, wins, losses, pnl
		FROM daily_stats
		WHERE user_id = ?
		ORDER BY date DESC
		LIMIT ?
	`, userID, days)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var stats []DailyStat
	for rows.Next() {
		var s DailyStat
		if err := rows.Scan(&s.UserID, &s.Date, &s.Trades, &s.Wins, &s.Losses, &s.PnL); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// GetDailyStat returns one user's aggregate for one date, zero-valued when
// the day has no settled trades yet.
func (q *UserQueries) GetDailyStat(ctx context.Context, userID, date string) (*DailyStat, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	s := DailyStat{UserID: userID, Date: date}
	err := q.db.QueryRowContext(ctx, `
		SELECT trades, wins, losses, pnl
		FROM daily_stats
		WHERE user_id = ? AND date = ?
	`, userID, date).Scan(&s.Trades, &s.Wins, &s.Losses, &s.PnL)
	if err == sql.ErrNoRows {
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query daily stat: %w", err)
	}
	return &s, nil
}

// GetGhostTradesByUser lists adopted-ghost trades for auditing.
func (q *UserQueries) GetGhostTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, contract_id, symbol, direction, stake,
		       COALESCE(buy_price, 0), payout, profit, status,
		       COALESCE(closure_type, 'expiry'), COALESCE(is_ghost, 0),
		       COALESCE(opened_at, closed_at), closed_at
		FROM trades
		WHERE user_id = ? AND is_ghost = 1
		ORDER BY closed_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ghost trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.UserID, &t.ContractID, &t.Symbol, &t.Direction,
			&t.Stake, &t.BuyPrice, &t.Payout, &t.Profit, &t.Status,
			&t.ClosureType, &t.IsGhost, exprTime{&t.OpenedAt}, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
