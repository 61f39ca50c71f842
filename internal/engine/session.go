// Package engine runs one trading session per user and orchestrates the
// pool of sessions behind the control API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"bot-core/internal/balance"
	"bot-core/internal/data"
	"bot-core/internal/events"
	"bot-core/internal/gateway"
	"bot-core/internal/history"
	"bot-core/internal/monitor"
	"bot-core/internal/order"
	"bot-core/internal/reconciliation"
	"bot-core/internal/risk"
	"bot-core/internal/strategy"
	"bot-core/pkg/cache"
	"bot-core/pkg/deriv"
)

// SessionConfig fixes a session's trading parameters for its whole life.
// Changing any of them requires a restart.
type SessionConfig struct {
	UserID       string
	StrategyName string
	Strategy     strategy.Strategy
	Symbols      []string
	Stake        float64
	Duration     int
	DurationUnit string
	Currency     string
	Granularity  int
	CandleCount  int
	ScanInterval time.Duration
	StartWait    time.Duration
	DryRun       bool

	Risk  risk.Config
	Order order.Config

	// ReconcileInterval enables the periodic broker-state pass; zero runs
	// reconciliation only once, at startup.
	ReconcileInterval time.Duration
}

// Dependencies are the shared services a session plugs into.
type Dependencies struct {
	Client  gateway.Client
	Balance *balance.Manager
	History *history.Service
	Guard   *history.Guard
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics
	Cache   *cache.ShardedCandleCache
}

// Session is one user's bot: a scan loop that gates signals through the
// risk engine and walks each accepted trade through open, monitor and
// settle. The lifecycle is STOPPED → STARTING → RUNNING → STOPPING →
// STOPPED, with ERROR as the terminal state of a failed run.
type Session struct {
	cfg    SessionConfig
	params StartParams

	client   gateway.Client
	engine   *risk.Engine
	executor *order.Executor
	candles  *data.CandleService
	balance  *balance.Manager
	history  *history.Service
	guard    *history.Guard
	recon    *reconciliation.Service
	bus      *events.Bus
	metrics  *monitor.SystemMetrics

	mu        sync.Mutex
	status    Status
	detail    string
	startedAt time.Time
	rowID     string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSession wires a session from its config and shared dependencies.
func NewSession(cfg SessionConfig, deps Dependencies) *Session {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	if cfg.StartWait <= 0 {
		cfg.StartWait = 10 * time.Second
	}
	if cfg.CandleCount <= 0 {
		cfg.CandleCount = 50
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = 60
	}

	engine := risk.New(cfg.Risk)
	return &Session{
		cfg:      cfg,
		client:   deps.Client,
		engine:   engine,
		executor: order.NewExecutor(deps.Client, deps.Bus, cfg.UserID, cfg.Order),
		candles:  data.NewCandleService(deps.Client, deps.Cache, 0),
		balance:  deps.Balance,
		history:  deps.History,
		guard:    deps.Guard,
		recon:    reconciliation.NewService(deps.Client, engine, deps.Bus, cfg.UserID, cfg.ReconcileInterval),
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		status:   StatusStopped,
	}
}

// State returns the current lifecycle status.
func (s *Session) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Status returns a full snapshot for the API layer.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	st := s.status
	detail := s.detail
	startedAt := s.startedAt
	s.mu.Unlock()

	out := SessionStatus{
		UserID:     s.cfg.UserID,
		Status:     st,
		Detail:     detail,
		Strategy:   s.cfg.StrategyName,
		Symbols:    s.cfg.Symbols,
		Stake:      s.cfg.Stake,
		DryRun:     s.cfg.DryRun,
		Risk:       s.engine.Snapshot(),
		Balance:    s.balance.Snapshot(),
		SessionPnL: s.balance.SessionPnL(),
	}
	if !startedAt.IsZero() && st != StatusStopped && st != StatusError {
		out.StartedAt = startedAt
		out.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	return out
}

// Start launches the run loop and waits for the session to report RUNNING.
// Startup covers the session claim, broker connection, balance sync and
// state reconciliation; a session that cannot finish those within the
// start window is canceled and marked ERROR.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusStarting, StatusRunning, StatusStopping:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status = StatusStarting
	s.detail = ""
	s.mu.Unlock()
	s.publishStatus(StatusStarting, "")
	log.Printf("[Session] 🚀 starting bot for user %s (strategy %s, symbols %v)",
		s.cfg.UserID, s.cfg.StrategyName, s.cfg.Symbols)

	go s.run(runCtx)

	deadline := time.NewTimer(s.cfg.StartWait)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			st, detail := s.stateAndDetail()
			switch st {
			case StatusRunning:
				return nil
			case StatusError, StatusStopped:
				return fmt.Errorf("bot failed to start: %s", detail)
			}
		case <-deadline.C:
			cancel()
			<-s.done
			s.setStatus(StatusError, "startup timed out")
			return errors.New("bot startup timed out")
		case <-ctx.Done():
			cancel()
			<-s.done
			return ctx.Err()
		}
	}
}

// Stop cancels the run loop and waits for it to finish. Stopping a session
// that is not live returns ErrNotRunning.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusStarting, StatusRunning:
	default:
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.status = StatusStopping
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	s.publishStatus(StatusStopping, "")
	log.Printf("[Session] 🛑 stopping bot for user %s", s.cfg.UserID)

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bot stop timed out: %w", ctx.Err())
	}
}

func (s *Session) run(ctx context.Context) {
	var runErr error
	defer close(s.done)
	defer s.teardown(&runErr)

	rowID, err := s.guard.Claim(ctx, s.cfg.UserID, s.cfg.StrategyName, s.cfg.Stake, s.cfg.Symbols)
	if err != nil {
		runErr = fmt.Errorf("claim session: %w", err)
		return
	}
	s.mu.Lock()
	s.rowID = rowID
	s.mu.Unlock()

	if err := s.client.EnsureConnected(ctx); err != nil {
		runErr = fmt.Errorf("connect broker: %w", err)
		return
	}

	s.balance.Start(ctx)
	s.balance.MarkOpening()

	if today, err := s.history.Today(ctx, s.cfg.UserID); err == nil && today != nil {
		s.engine.SeedDaily(today.Trades, today.PnL)
	}

	// Recover whatever a previous process left open before any new trade.
	if _, err := s.recon.Run(ctx); err != nil {
		runErr = fmt.Errorf("startup reconciliation: %w", err)
		return
	}
	s.recon.Start(ctx)

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setStatus(StatusRunning, "")
	log.Printf("[Session] ✅ bot running for user %s", s.cfg.UserID)

	for {
		if err := s.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			runErr = err
			return
		}
		if !s.sleep(ctx, s.cfg.ScanInterval) {
			return
		}
	}
}

// cycle is one pass of the scan loop: housekeeping, then either resuming
// an adopted contract or scanning the symbols for a new entry.
func (s *Session) cycle(ctx context.Context) error {
	s.mu.Lock()
	rowID := s.rowID
	s.mu.Unlock()
	if rowID != "" {
		if err := s.guard.Heartbeat(ctx, rowID); err != nil {
			log.Printf("[Session] ⚠️ heartbeat failed for user %s: %v", s.cfg.UserID, err)
		}
	}

	s.engine.Watchdog()
	s.engine.AutoRecover()

	if halted, reason := s.engine.Halted(); halted {
		log.Printf("[Session] ⏸ user %s: scan skipped, %s", s.cfg.UserID, reason)
		s.publishStatistics()
		return nil
	}

	// A contract adopted from the broker has no monitor yet; settle it
	// before scanning for anything new.
	if s.engine.ActiveCount() > 0 {
		return s.resumeAdopted(ctx)
	}
	if s.engine.LockHeld() {
		s.engine.ReleaseOrphanLock()
		return nil
	}

	opened := false
	for _, symbol := range s.cfg.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ok, reason := s.engine.CanTrade(symbol); !ok {
			log.Printf("[Session] user %s: %s skipped: %s", s.cfg.UserID, symbol, reason)
			continue
		}
		if err := s.scanSymbol(ctx, symbol, &opened); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isFatal(err) {
				return err
			}
			log.Printf("[Session] ⚠️ user %s: %s scan error: %v", s.cfg.UserID, symbol, err)
			s.metrics.RecordError()
			s.publishError("scan", err)
		}
		if opened {
			break
		}
	}

	s.metrics.RecordScan()
	s.publishStatistics()
	return nil
}

// scanSymbol fetches candles, asks the strategy, gates the signal and, if
// everything agrees, runs the full trade lifecycle.
func (s *Session) scanSymbol(ctx context.Context, symbol string, opened *bool) error {
	candles, err := s.candles.Get(ctx, symbol, s.cfg.Granularity, s.cfg.CandleCount)
	if err != nil {
		return fmt.Errorf("candles: %w", err)
	}

	sig := s.cfg.Strategy.Analyze(symbol, candles)
	if sig == nil {
		return nil
	}
	s.metrics.RecordSignal()
	s.bus.Publish(events.EventSignal, s.cfg.UserID, events.SignalInfo{
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Confidence: sig.Confidence,
		Reason:     sig.Reason,
		Strategy:   s.cfg.StrategyName,
	})
	log.Printf("[Session] 📊 user %s: %s %s signal (confidence %.1f): %s",
		s.cfg.UserID, sig.Symbol, sig.Direction, sig.Confidence, sig.Reason)

	if ok, reason := s.engine.CanOpenTrade(symbol, s.cfg.Stake, sig.Direction, sig.Confidence); !ok {
		log.Printf("[Session] user %s: signal rejected: %s", s.cfg.UserID, reason)
		return nil
	}

	*opened = true
	return s.executeTrade(ctx, sig)
}

// executeTrade walks one accepted signal through the whole lifecycle:
// lock, open, record, monitor, settle, persist. Transient open failures
// release the lock and end quietly; invariant violations and persistence
// failures come back as fatal errors that end the session.
func (s *Session) executeTrade(ctx context.Context, sig *strategy.Signal) error {
	if ok, reason := s.engine.AcquireLock(sig.Symbol); !ok {
		log.Printf("[Session] user %s: lock refused: %s", s.cfg.UserID, reason)
		return nil
	}

	timer := monitor.NewTimer(s.metrics.OpenLatency)
	contract, err := s.executor.Open(ctx, order.OpenParams{
		Symbol:       sig.Symbol,
		Direction:    sig.Direction,
		Stake:        s.cfg.Stake,
		Duration:     s.cfg.Duration,
		DurationUnit: s.cfg.DurationUnit,
		Currency:     s.cfg.Currency,
	})
	timer.Stop()
	if err != nil {
		s.engine.ReleaseLock("open failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.RecordError()
		s.publishError("order", err)
		return fmt.Errorf("open %s %s: %w", sig.Symbol, sig.Direction, err)
	}
	s.metrics.RecordTradeOpened()
	if contract.IsGhost {
		s.metrics.RecordGhost()
	}

	if err := s.engine.RecordOpen(risk.ActiveTrade{
		ContractID: contract.ContractID,
		Symbol:     contract.Symbol,
		Direction:  contract.Direction,
		Stake:      contract.Stake,
		OpenedAt:   contract.PurchaseTime,
	}); err != nil {
		// The engine halted itself; the session must not trade on either.
		s.publishError("risk", err)
		return fatal(fmt.Errorf("record open contract %d: %w", contract.ContractID, err))
	}
	s.bus.Publish(events.EventLockActive, s.cfg.UserID, events.LockInfo{
		Symbol:     contract.Symbol,
		ContractID: contract.ContractID,
	})

	return s.settle(ctx, contract)
}

// settle monitors the contract to its end and books the result. A contract
// whose settlement never arrives is booked as a full-stake loss and the
// lock is released regardless; trading on a slot that might still be
// occupied is the one thing this must never allow.
func (s *Session) settle(ctx context.Context, c *deriv.Contract) error {
	exit := func(u *deriv.ContractUpdate) (bool, string) {
		d := s.engine.EvaluateExit(u.ContractID, u.Profit)
		return d.Close, d.Reason
	}

	st, err := s.executor.Monitor(ctx, c, exit)
	if err != nil {
		if ctx.Err() != nil {
			// Teardown frees the lock; the contract rides to expiry and
			// the next start reconciles it.
			return ctx.Err()
		}
		return s.settleUnknown(ctx, c, err)
	}

	s.engine.RecordClosed(st.ContractID, st.Profit)
	s.balance.ApplyProfit(st.Profit)
	s.metrics.RecordTradeSettled()
	s.metrics.SettleLatency.RecordDuration(time.Since(c.PurchaseTime))

	if err := s.history.SaveTrade(ctx, history.TradeRow(s.cfg.UserID, c, st)); err != nil {
		return s.fatalPersistence(err)
	}
	s.publishLockReleased(c, fmt.Sprintf("contract %d settled", c.ContractID))
	s.publishStatistics()
	return nil
}

// settleUnknown books the conservative outcome for a contract whose fate
// the monitor could not establish: full-stake loss, lock released, balance
// resynced from the broker since the cached amount can no longer be
// trusted.
func (s *Session) settleUnknown(ctx context.Context, c *deriv.Contract, cause error) error {
	log.Printf("[Session] ⚠️ user %s: contract %d settlement unknown (%v), booking full-stake loss",
		s.cfg.UserID, c.ContractID, cause)
	s.engine.RecordClosed(c.ContractID, -c.Stake)
	s.engine.ReleaseLock("settlement unknown")
	s.metrics.RecordError()
	s.publishError("settlement", cause)

	if err := s.history.SaveTrade(ctx, history.UnknownTradeRow(s.cfg.UserID, c)); err != nil {
		return s.fatalPersistence(err)
	}
	if err := s.balance.Sync(ctx); err != nil {
		log.Printf("[Session] ⚠️ user %s: balance resync failed: %v", s.cfg.UserID, err)
	}
	s.publishLockReleased(c, "settlement unknown")
	s.publishStatistics()
	return nil
}

// resumeAdopted settles the contract reconciliation recovered from the
// broker. Only one can exist in single-slot mode; extras wait their turn.
func (s *Session) resumeAdopted(ctx context.Context) error {
	trades := s.engine.ActiveTrades()
	if len(trades) == 0 {
		return nil
	}
	t := trades[0]
	log.Printf("[Session] 🔄 user %s: resuming adopted contract %d (%s %s)",
		s.cfg.UserID, t.ContractID, t.Symbol, t.Direction)

	return s.settle(ctx, &deriv.Contract{
		ContractID:   t.ContractID,
		Symbol:       t.Symbol,
		Direction:    t.Direction,
		Stake:        t.Stake,
		BuyPrice:     t.Stake,
		PurchaseTime: t.OpenedAt,
		IsGhost:      true,
	})
}

func (s *Session) fatalPersistence(err error) error {
	s.engine.Halt("trade persistence failed", true)
	s.publishError("history", err)
	s.bus.Publish(events.EventNotification, s.cfg.UserID, events.Notification{
		Level:   "critical",
		Title:   "Trading halted",
		Message: "trade history could not be written; the bot stopped to protect the audit trail",
	})
	return fatal(err)
}

func (s *Session) teardown(runErr *error) {
	s.engine.ReleaseLock("session shutdown")

	s.mu.Lock()
	rowID := s.rowID
	s.mu.Unlock()
	if rowID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.guard.Release(ctx, rowID); err != nil {
			log.Printf("[Session] ⚠️ session release failed for user %s: %v", s.cfg.UserID, err)
		}
		cancel()
	}

	if *runErr != nil {
		log.Printf("[Session] ❌ bot for user %s stopped with error: %v", s.cfg.UserID, *runErr)
		s.setStatus(StatusError, (*runErr).Error())
		return
	}
	log.Printf("[Session] bot for user %s stopped", s.cfg.UserID)
	s.setStatus(StatusStopped, "")
}

// sleep waits out the scan interval in one-second slices so a stop request
// never waits a full interval. Returns false when the context ended.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		step := time.Second
		if step > remaining {
			step = remaining
		}
		select {
		case <-time.After(step):
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Session) stateAndDetail() (Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.detail
}

func (s *Session) setStatus(status Status, detail string) {
	s.mu.Lock()
	s.status = status
	s.detail = detail
	s.mu.Unlock()
	s.publishStatus(status, detail)
}

func (s *Session) publishStatus(status Status, detail string) {
	s.bus.Publish(events.EventBotStatus, s.cfg.UserID, events.BotStatus{
		Status: string(status),
		Detail: detail,
	})
}

func (s *Session) publishStatistics() {
	s.bus.Publish(events.EventStatistics, s.cfg.UserID, Statistics{
		Strategy:   s.cfg.StrategyName,
		Risk:       s.engine.Snapshot(),
		Balance:    s.balance.Snapshot(),
		SessionPnL: s.balance.SessionPnL(),
	})
}

func (s *Session) publishLockReleased(c *deriv.Contract, reason string) {
	s.bus.Publish(events.EventLockReleased, s.cfg.UserID, events.LockInfo{
		Symbol:     c.Symbol,
		ContractID: c.ContractID,
		Reason:     reason,
	})
}

func (s *Session) publishError(scope string, err error) {
	s.bus.Publish(events.EventError, s.cfg.UserID, events.ErrorInfo{
		Scope: scope,
		Error: err.Error(),
	})
}

// fatalError marks errors that must end the whole session rather than one
// scan cycle.
type fatalError struct{ err error }

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

func fatal(err error) error { return fatalError{err: err} }

func isFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}
