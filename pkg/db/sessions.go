package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionOwned is returned when another live instance holds the
// user's session row.
var ErrSessionOwned = errors.New("session owned by another instance")

// ClaimSession takes the single-bot-per-user row for this instance. A
// running row with a fresh heartbeat owned by a different instance blocks
// the claim; stale or stopped rows are taken over.
func (d *Database) ClaimSession(ctx context.Context, s BotSession, staleAfter time.Duration) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var (
		owner     string
		heartbeat time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT instance_id, heartbeat_at
		FROM bot_sessions
		WHERE user_id = ? AND status = 'running'
		ORDER BY heartbeat_at DESC
		LIMIT 1
	`, s.UserID).Scan(&owner, &heartbeat)
	switch {
	case err == sql.ErrNoRows:
		// No live row, free to claim.
	case err != nil:
		return fmt.Errorf("query live session: %w", err)
	case owner != s.InstanceID && time.Since(heartbeat) < staleAfter:
		return fmt.Errorf("%w (instance %s)", ErrSessionOwned, owner)
	default:
		// Our own row, or a corpse whose heartbeat went stale.
		if _, err := tx.ExecContext(ctx, `
			UPDATE bot_sessions
			SET status = 'stopped', stopped_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND status = 'running'
		`, s.UserID); err != nil {
			return fmt.Errorf("retire stale session: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bot_sessions (
			id, user_id, instance_id, machine_id, strategy, status,
			stake, symbols, started_at, heartbeat_at
		) VALUES (?, ?, ?, ?, ?, 'running', ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, s.ID, s.UserID, s.InstanceID, s.MachineID, s.Strategy, s.Stake, s.Symbols); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return tx.Commit()
}

// TouchSession refreshes the heartbeat on a running session row.
func (d *Database) TouchSession(ctx context.Context, sessionID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bot_sessions
		SET heartbeat_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running'
	`, sessionID)
	return err
}

// ReleaseSession marks the session row stopped.
func (d *Database) ReleaseSession(ctx context.Context, sessionID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bot_sessions
		SET status = 'stopped', stopped_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, sessionID)
	return err
}

// GetLiveSession returns the user's running session row, or nil when none
// is live within the staleness window.
func (d *Database) GetLiveSession(ctx context.Context, userID string, staleAfter time.Duration) (*BotSession, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, instance_id, machine_id, strategy, status,
		       stake, symbols, started_at, heartbeat_at, stopped_at
		FROM bot_sessions
		WHERE user_id = ? AND status = 'running'
		ORDER BY heartbeat_at DESC
		LIMIT 1
	`, userID)

	var s BotSession
	err := row.Scan(&s.ID, &s.UserID, &s.InstanceID, &s.MachineID, &s.Strategy,
		&s.Status, &s.Stake, &s.Symbols, &s.StartedAt, &s.HeartbeatAt, &s.StoppedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if time.Since(s.HeartbeatAt) >= staleAfter {
		return nil, nil
	}
	return &s, nil
}
