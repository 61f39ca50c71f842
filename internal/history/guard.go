package history

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"bot-core/pkg/db"
	"bot-core/pkg/license"
)

// Guard enforces single-bot-per-user across processes via bot_sessions
// rows. The in-process orchestrator already blocks duplicates locally;
// the guard catches a second *process* starting the same user's bot.
type Guard struct {
	db         *db.Database
	instanceID string
	machineID  string
	staleAfter time.Duration
}

// NewGuard builds the guard with a fresh instance identity. A machine id
// failure degrades to an empty id rather than blocking startup.
func NewGuard(database *db.Database, staleAfter time.Duration) *Guard {
	if staleAfter <= 0 {
		staleAfter = 3 * time.Minute
	}
	mid, err := license.MachineID()
	if err != nil {
		log.Printf("[Guard] ⚠️ machine id unavailable: %v", err)
		mid = ""
	}
	return &Guard{
		db:         database,
		instanceID: uuid.NewString(),
		machineID:  mid,
		staleAfter: staleAfter,
	}
}

// InstanceID identifies this process in session rows.
func (g *Guard) InstanceID() string { return g.instanceID }

// Claim takes the user's session row. Returns the new session row id, or
// db.ErrSessionOwned when a live row belongs to another instance.
func (g *Guard) Claim(ctx context.Context, userID, strategy string, stake float64, symbols []string) (string, error) {
	row := db.BotSession{
		ID:         uuid.NewString(),
		UserID:     userID,
		InstanceID: g.instanceID,
		MachineID:  g.machineID,
		Strategy:   strategy,
		Stake:      stake,
		Symbols:    strings.Join(symbols, ","),
	}
	if err := g.db.ClaimSession(ctx, row, g.staleAfter); err != nil {
		return "", err
	}
	return row.ID, nil
}

// Heartbeat refreshes the claim; call it from the session's scan loop.
func (g *Guard) Heartbeat(ctx context.Context, sessionID string) error {
	return g.db.TouchSession(ctx, sessionID)
}

// Release stops the claim.
func (g *Guard) Release(ctx context.Context, sessionID string) error {
	return g.db.ReleaseSession(ctx, sessionID)
}

// Owner reports the live claim for a user, if any.
func (g *Guard) Owner(ctx context.Context, userID string) (*db.BotSession, error) {
	return g.db.GetLiveSession(ctx, userID, g.staleAfter)
}
