package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    api_token_encrypted TEXT NOT NULL DEFAULT '',
    key_version INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS bot_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    machine_id TEXT NOT NULL DEFAULT '',
    strategy TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    stake REAL NOT NULL DEFAULT 0,
    symbols TEXT NOT NULL DEFAULT '',
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    heartbeat_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    stopped_at DATETIME,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_status
    ON bot_sessions(user_id, status);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    contract_id INTEGER NOT NULL DEFAULT 0,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    stake REAL NOT NULL,
    buy_price REAL NOT NULL DEFAULT 0,
    payout REAL NOT NULL DEFAULT 0,
    profit REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    closure_type TEXT NOT NULL DEFAULT 'expiry',
    is_ghost INTEGER NOT NULL DEFAULT 0,
    opened_at DATETIME,
    closed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_trades_user_closed
    ON trades(user_id, closed_at);

CREATE TABLE IF NOT EXISTS daily_stats (
    user_id TEXT NOT NULL,
    date TEXT NOT NULL,
    trades INTEGER NOT NULL DEFAULT 0,
    wins INTEGER NOT NULL DEFAULT 0,
    losses INTEGER NOT NULL DEFAULT 0,
    pnl REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, date)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "users", "api_token_encrypted", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "users", "key_version", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}

	// Ghost audit trail and closure classification arrived after the
	// first deployments.
	if err := ensureColumn(d.DB, "trades", "is_ghost", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "closure_type", "TEXT NOT NULL DEFAULT 'expiry'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "buy_price", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	// Session guard rows gained machine binding and a stop timestamp.
	if err := ensureColumn(d.DB, "bot_sessions", "machine_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "bot_sessions", "stopped_at", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "bot_sessions", "stake", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
