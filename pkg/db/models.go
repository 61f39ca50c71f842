package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// User represents an application user. The broker API token is stored
// encrypted; KeyVersion names the encryption key that sealed it.
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	APITokenEncrypted string
	KeyVersion        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Trade is one settled contract.
type Trade struct {
	ID          string
	UserID      string
	ContractID  int64
	Symbol      string
	Direction   string // CALL or PUT
	Stake       float64
	BuyPrice    float64
	Payout      float64
	Profit      float64
	Status      string // win, loss, breakeven
	ClosureType string // expiry, early, unknown
	IsGhost     bool
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// BotSession is a cross-process session guard row. A fresh heartbeat on a
// running row means some instance somewhere owns this user's bot.
type BotSession struct {
	ID          string
	UserID      string
	InstanceID  string
	MachineID   string
	Strategy    string
	Status      string // running, stopped
	Stake       float64
	Symbols     string // comma-joined
	StartedAt   time.Time
	HeartbeatAt time.Time
	StoppedAt   sql.NullTime
}

// DailyStat aggregates one user's settled trades for one UTC day.
type DailyStat struct {
	UserID string
	Date   string // YYYY-MM-DD
	Trades int
	Wins   int
	Losses int
	PnL    float64
}

// TradeStats is a lifetime rollup for one user.
type TradeStats struct {
	Trades     int
	Wins       int
	Losses     int
	Breakeven  int
	TotalPnL   float64
	BestTrade  float64
	WorstTrade float64
}

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, api_token_encrypted, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, u.APITokenEncrypted, max(u.KeyVersion, 1), u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, api_token_encrypted, key_version, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	return scanUser(row)
}

// GetUserByID returns a user by id or nil if not found.
func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, api_token_encrypted, key_version, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.APITokenEncrypted, &u.KeyVersion, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserToken replaces the stored broker token ciphertext.
func (d *Database) UpdateUserToken(ctx context.Context, userID, ciphertext string, keyVersion int) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users
		SET api_token_encrypted = ?, key_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, ciphertext, keyVersion, userID)
	return err
}

// InsertTrade records one settled contract.
func (d *Database) InsertTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, user_id, contract_id, symbol, direction, stake, buy_price,
			payout, profit, status, closure_type, is_ghost, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, t.ID, t.UserID, t.ContractID, t.Symbol, t.Direction, t.Stake, t.BuyPrice,
		t.Payout, t.Profit, t.Status, t.ClosureType, t.IsGhost, t.OpenedAt, t.ClosedAt)
	return err
}

// DailyStatDelta is one increment destined for the daily_stats upsert.
type DailyStatDelta struct {
	UserID string
	Date   string
	Wins   int
	Losses int
	PnL    float64
}

const upsertDailyStat = `
	INSERT INTO daily_stats (user_id, date, trades, wins, losses, pnl)
	VALUES (?, ?, 1, ?, ?, ?)
	ON CONFLICT(user_id, date) DO UPDATE SET
		trades = trades + 1,
		wins = wins + excluded.wins,
		losses = losses + excluded.losses,
		pnl = pnl + excluded.pnl
`

// ApplyDailyDelta upserts one day's aggregate immediately. The batched
// writer in internal/history uses the same statement via UpsertDailyStatSQL.
func (d *Database) ApplyDailyDelta(ctx context.Context, delta DailyStatDelta) error {
	_, err := d.DB.ExecContext(ctx, upsertDailyStat,
		delta.UserID, delta.Date, delta.Wins, delta.Losses, delta.PnL)
	return err
}

// UpsertDailyStatSQL exposes the upsert for batched transactional writes.
func UpsertDailyStatSQL() string { return upsertDailyStat }
