package balance

import (
	"context"
	"log"
	"sync"
	"time"

	"bot-core/pkg/deriv"
)

// Source is anything that can answer a balance call. Both the live
// client and the paper broker satisfy it.
type Source interface {
	AccountBalance(ctx context.Context) (*deriv.Balance, error)
}

// Snapshot is the cached view of one account's funds.
type Snapshot struct {
	Amount   float64   `json:"amount"`
	Currency string    `json:"currency"`
	LoginID  string    `json:"login_id"`
	SyncedAt time.Time `json:"synced_at"`
}

// Manager keeps one user's balance fresh: a periodic sync against the
// broker plus optimistic local updates when contracts settle, so reads
// between syncs stay close to the truth.
type Manager struct {
	source   Source
	interval time.Duration

	mu         sync.RWMutex
	snap       Snapshot
	opening    float64
	openingSet bool
}

// NewManager creates a balance manager syncing at the given interval.
func NewManager(source Source, syncInterval time.Duration) *Manager {
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	return &Manager{source: source, interval: syncInterval}
}

// Start performs an initial sync and then keeps syncing until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		log.Printf("[Balance] ❌ initial sync failed: %v", err)
	}

	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					log.Printf("[Balance] ❌ sync error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest balance. A failure leaves the previous
// snapshot in place.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}

	bal, err := m.source.AccountBalance(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.snap = Snapshot{
		Amount:   bal.Amount,
		Currency: bal.Currency,
		LoginID:  bal.LoginID,
		SyncedAt: time.Now(),
	}
	m.mu.Unlock()

	log.Printf("[Balance] 💰 synced: %.2f %s (%s)", bal.Amount, bal.Currency, bal.LoginID)
	return nil
}

// Snapshot returns the cached balance.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Amount returns the cached balance amount.
func (m *Manager) Amount() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Amount
}

// ApplyProfit adjusts the cached amount after a settlement so the view
// stays usable until the next sync.
func (m *Manager) ApplyProfit(delta float64) {
	m.mu.Lock()
	m.snap.Amount += delta
	now := m.snap.Amount
	m.mu.Unlock()

	log.Printf("[Balance] 💵 applied %+.2f (now %.2f)", delta, now)
}

// MarkOpening records the current amount as the session's opening
// balance. Call it once, right after the start-of-session sync.
func (m *Manager) MarkOpening() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opening = m.snap.Amount
	m.openingSet = true
}

// SessionPnL is the drift from the opening balance; zero before
// MarkOpening.
func (m *Manager) SessionPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.openingSet {
		return 0
	}
	return m.snap.Amount - m.opening
}
