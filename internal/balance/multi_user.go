// Package balance provides per-user account balance tracking.
package balance

import (
	"context"
	"sync"
	"time"
)

// MultiUserManager holds one balance manager per user.
type MultiUserManager struct {
	mu       sync.RWMutex
	managers map[string]*Manager // userID -> Manager
	lastSeen map[string]time.Time
	factory  ManagerFactory
}

// ManagerFactory creates a Manager for a user.
type ManagerFactory func(userID string) (*Manager, error)

// NewMultiUserManager creates a new multi-user balance manager.
func NewMultiUserManager(factory ManagerFactory) *MultiUserManager {
	return &MultiUserManager{
		managers: make(map[string]*Manager),
		lastSeen: make(map[string]time.Time),
		factory:  factory,
	}
}

// GetOrCreate returns the balance manager for a user, creating if needed.
func (m *MultiUserManager) GetOrCreate(userID string) (*Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mgr, ok := m.managers[userID]; ok {
		m.lastSeen[userID] = time.Now()
		return mgr, nil
	}

	mgr, err := m.factory(userID)
	if err != nil {
		return nil, err
	}

	m.managers[userID] = mgr
	m.lastSeen[userID] = time.Now()
	return mgr, nil
}

// Get returns the balance manager for a user, or nil if not found.
func (m *MultiUserManager) Get(userID string) *Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.managers[userID]
}

// Remove drops the balance manager for a user.
func (m *MultiUserManager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.managers, userID)
	delete(m.lastSeen, userID)
}

// StartAll starts the sync loops of all current managers.
func (m *MultiUserManager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mgr := range m.managers {
		mgr.Start(ctx)
	}
}

// Snapshots returns the cached balance of every user.
func (m *MultiUserManager) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Snapshot, len(m.managers))
	for userID, mgr := range m.managers {
		result[userID] = mgr.Snapshot()
	}
	return result
}

// UserCount returns the number of tracked users.
func (m *MultiUserManager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.managers)
}

// CleanupIdle removes managers not touched for longer than ttl.
func (m *MultiUserManager) CleanupIdle(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, t := range m.lastSeen {
		if t.Before(cutoff) {
			delete(m.managers, userID)
			delete(m.lastSeen, userID)
		}
	}
}
