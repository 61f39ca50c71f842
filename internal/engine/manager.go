package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"bot-core/internal/balance"
	"bot-core/internal/events"
	"bot-core/internal/gateway"
	"bot-core/internal/history"
	"bot-core/internal/monitor"
	"bot-core/internal/order"
	"bot-core/internal/risk"
	"bot-core/internal/strategy"
	"bot-core/pkg/cache"
	"bot-core/pkg/config"
)

// ManagerConfig tunes the orchestrator.
type ManagerConfig struct {
	MaxBots         int           // global cap on live sessions
	StartWait       time.Duration // how long Start waits for RUNNING
	RestartDelay    time.Duration // pause between stop and start on restart
	StopTimeout     time.Duration // how long a stop may take
	CleanupInterval time.Duration // housekeeping cadence
}

// DefaultManagerConfig returns production settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxBots:         50,
		StartWait:       10 * time.Second,
		RestartDelay:    3 * time.Second,
		StopTimeout:     15 * time.Second,
		CleanupInterval: 5 * time.Minute,
	}
}

// ManagerDeps are the shared services the orchestrator hands to each
// session.
type ManagerDeps struct {
	Gateway  *gateway.Manager
	Balances *balance.MultiUserManager
	History  *history.Service
	Guard    *history.Guard
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
	Cache    *cache.ShardedCandleCache
}

// Manager owns all sessions. Control operations for the same user are
// serialized through a per-user mutex so a start racing a stop cannot
// leave two bots trading one account; different users never block each
// other.
type Manager struct {
	cfg      ManagerConfig
	defaults config.Config
	deps     ManagerDeps

	mu        sync.Mutex
	sessions  map[string]*Session
	userLocks map[string]*sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the orchestrator. defaults supplies the trading
// parameters a start request leaves blank.
func NewManager(defaults config.Config, deps ManagerDeps, cfg ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if cfg.MaxBots <= 0 {
		cfg.MaxBots = def.MaxBots
	}
	if cfg.StartWait <= 0 {
		cfg.StartWait = def.StartWait
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &Manager{
		cfg:       cfg,
		defaults:  defaults,
		deps:      deps,
		sessions:  make(map[string]*Session),
		userLocks: make(map[string]*sync.Mutex),
		stopCh:    make(chan struct{}),
	}
}

// Start brings up a bot for the user. A live bot on the same strategy is
// refused; a live bot on a different strategy is stopped and fully torn
// down before the new one starts, so the two can never trade at once.
func (m *Manager) Start(ctx context.Context, userID string, p StartParams) Result {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	requested := m.strategyName(p)

	m.mu.Lock()
	existing := m.sessions[userID]
	m.mu.Unlock()

	if existing != nil {
		switch existing.State() {
		case StatusStarting, StatusRunning, StatusStopping:
			if existing.cfg.StrategyName == requested {
				return Result{Success: false, Message: "bot is already running", Status: existing.State()}
			}
			log.Printf("[Orchestrator] 🔁 user %s: switching strategy %s → stopping current bot first",
				userID, existing.cfg.StrategyName)
			stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
			err := existing.Stop(stopCtx)
			cancel()
			if err != nil && !errors.Is(err, ErrNotRunning) {
				return Result{
					Success: false,
					Message: fmt.Sprintf("failed to stop previous bot: %v", err),
					Status:  existing.State(),
				}
			}
		}
		m.removeSession(userID, existing)
	}

	m.mu.Lock()
	if m.activeCountLocked() >= m.cfg.MaxBots {
		m.mu.Unlock()
		return Result{
			Success: false,
			Message: fmt.Sprintf("maximum concurrent bots reached (%d)", m.cfg.MaxBots),
			Status:  StatusStopped,
		}
	}
	m.mu.Unlock()

	sess, err := m.buildSession(ctx, userID, p)
	if err != nil {
		return Result{Success: false, Message: err.Error(), Status: StatusError}
	}

	m.mu.Lock()
	m.sessions[userID] = sess
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		return Result{Success: false, Message: err.Error(), Status: sess.State()}
	}
	return Result{Success: true, Message: "bot started", Status: StatusRunning}
}

// Stop shuts the user's bot down and waits for it.
func (m *Manager) Stop(ctx context.Context, userID string) Result {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	sess := m.sessions[userID]
	m.mu.Unlock()
	if sess == nil {
		return Result{Success: false, Message: "bot is not running", Status: StatusStopped}
	}

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	if err := sess.Stop(stopCtx); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return Result{Success: false, Message: "bot is not running", Status: sess.State()}
		}
		return Result{Success: false, Message: err.Error(), Status: sess.State()}
	}
	return Result{Success: true, Message: "bot stopped", Status: StatusStopped}
}

// Restart stops the user's bot, waits out the restart delay and starts it
// again with the same parameters.
func (m *Manager) Restart(ctx context.Context, userID string) Result {
	m.mu.Lock()
	sess := m.sessions[userID]
	m.mu.Unlock()
	if sess == nil {
		return Result{Success: false, Message: "bot is not running", Status: StatusStopped}
	}
	params := sess.params

	if res := m.Stop(ctx, userID); !res.Success {
		return res
	}
	select {
	case <-time.After(m.cfg.RestartDelay):
	case <-ctx.Done():
		return Result{Success: false, Message: ctx.Err().Error(), Status: StatusStopped}
	}
	return m.Start(ctx, userID, params)
}

// Status returns the user's session snapshot.
func (m *Manager) Status(userID string) (SessionStatus, bool) {
	m.mu.Lock()
	sess := m.sessions[userID]
	m.mu.Unlock()
	if sess == nil {
		return SessionStatus{UserID: userID, Status: StatusStopped}, false
	}
	return sess.Status(), true
}

// Sessions lists every tracked session, sorted by user id.
func (m *Manager) Sessions() []SessionStatus {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.Unlock()

	out := make([]SessionStatus, 0, len(all))
	for _, sess := range all {
		out = append(out, sess.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Stats summarizes the pool.
func (m *Manager) Stats() OrchestratorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return OrchestratorStats{
		ActiveBots:    m.activeCountLocked(),
		TotalSessions: len(m.sessions),
		MaxBots:       m.cfg.MaxBots,
	}
}

// StopAll shuts every session down in parallel. Used on process shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]*Session, len(m.sessions))
	for id, sess := range m.sessions {
		snapshot[id] = sess
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for userID, sess := range snapshot {
		wg.Add(1)
		go func(userID string, sess *Session) {
			defer wg.Done()
			if err := sess.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
				log.Printf("[Orchestrator] ⚠️ stop for user %s: %v", userID, err)
			}
		}(userID, sess)
	}
	wg.Wait()
	log.Printf("[Orchestrator] all bots stopped (%d)", len(snapshot))
}

// Run starts the housekeeping loop: dropping dead sessions, expiring idle
// balance managers and refreshing the metrics gauges.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.CleanupInactive(); n > 0 {
					log.Printf("[Orchestrator] cleaned up %d inactive session(s)", n)
				}
				m.deps.Balances.CleanupIdle(6 * m.cfg.CleanupInterval)
				m.refreshGauges()
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Close stops the housekeeping loop.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// CleanupInactive drops sessions that ended in STOPPED or ERROR and
// returns how many went.
func (m *Manager) CleanupInactive() int {
	m.mu.Lock()
	var gone []string
	for userID, sess := range m.sessions {
		switch sess.State() {
		case StatusStopped, StatusError:
			gone = append(gone, userID)
		}
	}
	for _, userID := range gone {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	return len(gone)
}

func (m *Manager) refreshGauges() {
	m.mu.Lock()
	active := m.activeCountLocked()
	m.mu.Unlock()

	m.deps.Metrics.SetGatewayPoolStats(m.deps.Gateway.Stats())
	m.deps.Metrics.SetUserCounts(active, m.deps.Balances.UserCount())
}

func (m *Manager) buildSession(ctx context.Context, userID string, p StartParams) (*Session, error) {
	client, err := m.deps.Gateway.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("broker client: %w", err)
	}
	bal, err := m.deps.Balances.GetOrCreate(userID)
	if err != nil {
		return nil, fmt.Errorf("balance manager: %w", err)
	}

	sess := NewSession(m.sessionConfig(userID, p), Dependencies{
		Client:  client,
		Balance: bal,
		History: m.deps.History,
		Guard:   m.deps.Guard,
		Bus:     m.deps.Bus,
		Metrics: m.deps.Metrics,
		Cache:   m.deps.Cache,
	})
	sess.params = p
	return sess, nil
}

// sessionConfig merges a start request with the process defaults.
func (m *Manager) sessionConfig(userID string, p StartParams) SessionConfig {
	d := m.defaults
	name := m.strategyName(p)

	stake := p.Stake
	if stake <= 0 {
		stake = d.Stake
	}
	if stake > d.MaxStake {
		stake = d.MaxStake
	}
	symbols := p.Symbols
	if len(symbols) == 0 {
		symbols = d.Symbols
	}
	duration := p.Duration
	if duration <= 0 {
		duration = d.Duration
	}
	unit := p.DurationUnit
	if unit == "" {
		unit = d.DurationUnit
	}

	riskCfg := risk.Config{
		MaxConcurrent:        1,
		MaxPerSymbol:         1,
		MaxTradesPerDay:      d.DailyMaxTrades,
		DailyLossLimit:       d.DailyLossMultiple * stake,
		MaxConsecutiveLosses: d.MaxConsecLosses,
		LossCooldown:         d.LossCooldown,
		TradeCooldown:        d.TradeCooldown,
		MinConfidence:        d.MinConfidence,
	}
	if d.TrailingStop {
		riskCfg.Trailing = risk.ScalpingConfig().Trailing
	}

	return SessionConfig{
		UserID:       userID,
		StrategyName: name,
		Strategy:     strategy.New(name, strategy.Params(p.Parameters)),
		Symbols:      symbols,
		Stake:        stake,
		Duration:     duration,
		DurationUnit: unit,
		Currency:     d.Currency,
		Granularity:  d.Granularity,
		CandleCount:  d.CandleCount,
		ScanInterval: d.ScanInterval,
		StartWait:    m.cfg.StartWait,
		DryRun:       d.DryRun,
		Risk:         riskCfg,
		Order:        order.Config{},
	}
}

func (m *Manager) strategyName(p StartParams) string {
	name := strings.ToLower(strings.TrimSpace(p.Strategy))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(m.defaults.Strategy))
	}
	return name
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.userLocks[userID] = l
	}
	return l
}

func (m *Manager) removeSession(userID string, sess *Session) {
	m.mu.Lock()
	if m.sessions[userID] == sess {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
}

// activeCountLocked counts sessions that are live or still winding down.
func (m *Manager) activeCountLocked() int {
	n := 0
	for _, sess := range m.sessions {
		switch sess.State() {
		case StatusStarting, StatusRunning, StatusStopping:
			n++
		}
	}
	return n
}
