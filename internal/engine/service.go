package engine

import "context"

// Service is the control surface the API layer drives. *Manager is the
// only implementation; the interface keeps the transport layer decoupled
// from the session pool and lets tests substitute a fake.
type Service interface {
	// Control
	Start(ctx context.Context, userID string, p StartParams) Result
	Stop(ctx context.Context, userID string) Result
	Restart(ctx context.Context, userID string) Result
	StopAll(ctx context.Context)

	// Queries
	Status(userID string) (SessionStatus, bool)
	Sessions() []SessionStatus
	Stats() OrchestratorStats
}

var _ Service = (*Manager)(nil)
