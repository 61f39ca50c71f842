// Package gateway pools per-user broker clients for the multi-user core.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bot-core/pkg/crypto"
	"bot-core/pkg/db"
	"bot-core/pkg/deriv"
)

var (
	ErrUserNotFound    = errors.New("gateway: user not found")
	ErrClientUnhealthy = errors.New("gateway: client is unhealthy")
	ErrPoolFull        = errors.New("gateway: pool is full")
	ErrNoToken         = errors.New("gateway: user has no API token on file")
	ErrNoKeyManager    = errors.New("gateway: encryption keys not configured")
)

// Client is the broker surface a user session consumes. The live websocket
// client and the paper broker both satisfy it.
type Client interface {
	EnsureConnected(ctx context.Context) error
	Buy(ctx context.Context, p deriv.BuyParams) (*deriv.Contract, error)
	Sell(ctx context.Context, contractID int64, price float64) (*deriv.SellResult, error)
	Portfolio(ctx context.Context) ([]deriv.PortfolioContract, error)
	SubscribeContract(ctx context.Context, contractID int64) (*deriv.ContractUpdate, error)
	NextContractUpdate(ctx context.Context, wait time.Duration) (*deriv.ContractUpdate, error)
	Forget(ctx context.Context, subscriptionID string) error
	FlushStale(timeout time.Duration) int
	Candles(ctx context.Context, symbol string, granularity, count int) ([]deriv.Candle, error)
	AccountBalance(ctx context.Context) (*deriv.Balance, error)
}

// ClientFactory builds a connected Client from a decrypted API token. The
// token is empty for users without stored credentials; paper factories
// ignore it.
type ClientFactory func(ctx context.Context, userID, token string) (Client, error)

// CachedClient holds one user's client with lifecycle metadata.
type CachedClient struct {
	Client    Client
	UserID    string
	CreatedAt time.Time
	LastUsed  time.Time
	HealthyAt time.Time
	Failures  int
}

// Config holds pool tuning.
type Config struct {
	MaxSize          int           // cached clients before LRU eviction
	IdleTimeout      time.Duration // idle time before a client is dropped
	HealthInterval   time.Duration // time between background pings
	FailureThreshold int           // failures before the circuit opens
	CircuitTimeout   time.Duration // how long an open circuit blocks reuse
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager is an LRU pool of per-user broker clients with background idle
// cleanup and health checks.
type Manager struct {
	mu       sync.RWMutex
	clients  map[string]*CachedClient // userID -> cached client
	lruOrder []string                 // oldest first

	config   Config
	keys     *crypto.KeyManager
	database *db.Database
	factory  ClientFactory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a client pool. The key manager may be nil when every
// client comes from a token-less factory (dry-run).
func NewManager(database *db.Database, keys *crypto.KeyManager, factory ClientFactory, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	return &Manager{
		clients:  make(map[string]*CachedClient),
		lruOrder: make([]string, 0),
		config:   cfg,
		keys:     keys,
		database: database,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the idle-cleanup and health-check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop shuts the pool down and closes every client.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.clients {
		closeClient(cached.Client)
		delete(m.clients, id)
	}
	m.lruOrder = nil
}

// GetOrCreate returns the user's pooled client, dialing a fresh one when
// none is cached. A client past the failure threshold is refused until its
// circuit window expires.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (Client, error) {
	m.mu.RLock()
	if cached, ok := m.clients[userID]; ok {
		if cached.Failures >= m.config.FailureThreshold &&
			time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, ErrClientUnhealthy
		}
		m.mu.RUnlock()

		m.touchLRU(userID)
		return cached.Client, nil
	}
	m.mu.RUnlock()

	return m.createClient(ctx, userID)
}

func (m *Manager) createClient(ctx context.Context, userID string) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// double-check after acquiring the write lock
	if cached, ok := m.clients[userID]; ok {
		m.touchLRULocked(userID)
		return cached.Client, nil
	}

	if len(m.clients) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	token, err := m.resolveToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	client, err := m.factory(ctx, userID, token)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	now := time.Now()
	m.clients[userID] = &CachedClient{
		Client:    client,
		UserID:    userID,
		CreatedAt: now,
		LastUsed:  now,
		HealthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, userID)

	log.Printf("[Gateway] 🔌 client created for user %s (pool %d/%d)",
		userID, len(m.clients), m.config.MaxSize)
	return client, nil
}

// resolveToken loads the user row and decrypts the stored API token. An
// empty token is passed through: the factory decides whether that is
// acceptable.
func (m *Manager) resolveToken(ctx context.Context, userID string) (string, error) {
	user, err := m.database.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return "", ErrUserNotFound
	}
	if user.APITokenEncrypted == "" {
		return "", nil
	}
	if m.keys == nil {
		return "", ErrNoKeyManager
	}
	token, err := m.keys.Decrypt(user.APITokenEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypt api token: %w", err)
	}
	return token, nil
}

// Remove drops a user's client from the pool, closing it. Call after a
// token rotation so the next GetOrCreate dials with fresh credentials.
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.clients[userID]; ok {
		closeClient(cached.Client)
		delete(m.clients, userID)
		m.removeLRULocked(userID)
	}
}

// RecordFailure bumps a client's failure counter. At the threshold the
// circuit opens and GetOrCreate refuses the client for CircuitTimeout.
func (m *Manager) RecordFailure(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.clients[userID]; ok {
		cached.Failures++
		if cached.Failures == m.config.FailureThreshold {
			log.Printf("[Gateway] ⚠️ client for user %s hit %d failures, circuit open", userID, cached.Failures)
		}
	}
}

// RecordSuccess resets the failure counter and closes the circuit.
func (m *Manager) RecordSuccess(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.clients[userID]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// PoolStats contains pool statistics for the metrics API.
type PoolStats struct {
	TotalClients   int `json:"total_clients"`
	MaxSize        int `json:"max_size"`
	UnhealthyCount int `json:"unhealthy_count"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalClients: len(m.clients),
		MaxSize:      m.config.MaxSize,
	}
	for _, cached := range m.clients {
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// --- internal helpers ---

func (m *Manager) touchLRU(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(userID)
}

func (m *Manager) touchLRULocked(userID string) {
	if cached, ok := m.clients[userID]; ok {
		cached.LastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, userID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(userID string) {
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}

	oldest := m.lruOrder[0]
	if cached, ok := m.clients[oldest]; ok {
		closeClient(cached.Client)
		delete(m.clients, oldest)
		log.Printf("[Gateway] evicted idle client for user %s", oldest)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var toRemove []string
	for id, cached := range m.clients {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		if cached, ok := m.clients[id]; ok {
			closeClient(cached.Client)
			delete(m.clients, id)
			m.removeLRULocked(id)
		}
	}
	if len(toRemove) > 0 {
		log.Printf("[Gateway] dropped %d idle client(s)", len(toRemove))
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

func (m *Manager) healthCheck(userID string) {
	m.mu.RLock()
	cached, ok := m.clients[userID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	client := cached.Client
	m.mu.RUnlock()

	// the paper broker has no ping; treat it as always healthy
	pinger, ok := client.(interface{ Ping(context.Context) error })
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := pinger.Ping(ctx)
	cancel()

	if err != nil {
		log.Printf("[Gateway] ⚠️ health check failed for user %s: %v", userID, err)
		m.RecordFailure(userID)
	} else {
		m.RecordSuccess(userID)
	}
}

func closeClient(c Client) {
	if closer, ok := c.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
