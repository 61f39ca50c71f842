package risk

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// Engine is the per-session risk state machine. It owns the trade lock, the
// circuit breaker, cooldown stamps, and the daily counters; every gate is a
// pure in-memory check so the scan loop can call it on each cycle without
// touching the network.
//
// All methods are safe for concurrent use, though a session normally drives
// the engine from a single goroutine.
type Engine struct {
	cfg Config

	mu             sync.Mutex
	active         map[int64]*ActiveTrade
	activeBySymbol map[string]int

	// lifecycle lock, single-slot mode only
	lockHeld       bool
	lockPending    bool
	lockSymbol     string
	lockContract   int64
	lockAcquiredAt time.Time

	dailyDate         string
	dailyTrades       int
	dailyPnL          float64
	consecutiveLosses int
	circuitUntil      time.Time
	lastCloseAt       time.Time
	symbolCooldowns   map[string]time.Time

	halted        bool
	haltReason    string
	haltPermanent bool
}

// New builds an engine from the given config. Zero or negative limits fall
// back to safe values so a half-filled config cannot disable the gates.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxConcurrent > 10 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxPerSymbol < 1 {
		cfg.MaxPerSymbol = def.MaxPerSymbol
	}
	if cfg.MaxPerSymbol > cfg.MaxConcurrent {
		cfg.MaxPerSymbol = cfg.MaxConcurrent
	}
	if cfg.MaxTradesPerDay < 1 {
		cfg.MaxTradesPerDay = def.MaxTradesPerDay
	}
	if cfg.MaxConsecutiveLosses < 1 {
		cfg.MaxConsecutiveLosses = def.MaxConsecutiveLosses
	}
	if cfg.LossCooldown <= 0 {
		cfg.LossCooldown = def.LossCooldown
	}
	if cfg.TradeCooldown < 0 {
		cfg.TradeCooldown = def.TradeCooldown
	}
	if cfg.SymbolCooldown < 0 {
		cfg.SymbolCooldown = def.SymbolCooldown
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}

	return &Engine{
		cfg:             cfg,
		active:          make(map[int64]*ActiveTrade),
		activeBySymbol:  make(map[string]int),
		symbolCooldowns: make(map[string]time.Time),
		dailyDate:       dayKey(time.Now()),
	}
}

// Config returns a copy of the engine's tunables.
func (e *Engine) Config() Config {
	return e.cfg
}

// CanTrade runs the ordered gate chain for a symbol. It never mutates state;
// the first failing gate's reason is returned.
func (e *Engine) CanTrade(symbol string) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canTradeLocked(symbol, time.Now())
}

func (e *Engine) canTradeLocked(symbol string, now time.Time) (bool, string) {
	e.rollLocked(now)

	if e.halted {
		return false, fmt.Sprintf("trading halted: %s", e.haltReason)
	}
	if remaining := e.circuitUntil.Sub(now); remaining > 0 {
		return false, fmt.Sprintf("circuit breaker cooldown active (%ds remaining)", ceilSeconds(remaining))
	}
	if e.dailyTrades >= e.cfg.MaxTradesPerDay {
		return false, fmt.Sprintf("daily trade limit reached (%d/%d)", e.dailyTrades, e.cfg.MaxTradesPerDay)
	}
	if e.cfg.DailyLossLimit > 0 && e.dailyPnL <= -e.cfg.DailyLossLimit {
		return false, fmt.Sprintf("daily loss limit reached (%.2f/%.2f)", -e.dailyPnL, e.cfg.DailyLossLimit)
	}
	if e.useLock() && e.lockHeld {
		return false, "trade lock is held"
	}
	if len(e.active) >= e.cfg.MaxConcurrent {
		return false, fmt.Sprintf("max concurrent trades reached (%d/%d)", len(e.active), e.cfg.MaxConcurrent)
	}
	if e.cfg.TradeCooldown > 0 && !e.lastCloseAt.IsZero() {
		if remaining := e.cfg.TradeCooldown - now.Sub(e.lastCloseAt); remaining > 0 {
			return false, fmt.Sprintf("cooldown active (%ds remaining)", ceilSeconds(remaining))
		}
	}

	for _, blocked := range e.cfg.BlockedSymbols {
		if blocked == symbol {
			return false, fmt.Sprintf("%s: symbol is blocked", symbol)
		}
	}
	if n := e.activeBySymbol[symbol]; n >= e.cfg.MaxPerSymbol {
		return false, fmt.Sprintf("%s: max concurrent trades reached (%d/%d)", symbol, n, e.cfg.MaxPerSymbol)
	}
	if until, ok := e.symbolCooldowns[symbol]; ok {
		if remaining := until.Sub(now); remaining > 0 {
			return false, fmt.Sprintf("%s: cooldown active (%ds remaining)", symbol, ceilSeconds(remaining))
		}
	}

	return true, ""
}

// CanOpenTrade runs CanTrade plus the signal-level gates: a positive stake
// and any per-symbol confidence floor for the signal's direction.
func (e *Engine) CanOpenTrade(symbol string, stake float64, direction string, confidence float64) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ok, reason := e.canTradeLocked(symbol, time.Now()); !ok {
		return false, reason
	}
	if stake <= 0 {
		return false, fmt.Sprintf("invalid stake amount: %.2f", stake)
	}
	if floor, ok := e.cfg.MinConfidence[symbol+":"+direction]; ok && confidence < floor {
		return false, fmt.Sprintf("%s: %s confidence %.1f below minimum %.1f",
			symbol, direction, confidence, floor)
	}
	return true, ""
}

// AcquireLock claims the lifecycle lock before an order attempt goes on the
// wire. The lock stays in the pending phase until RecordOpen binds it to a
// contract. In multi-slot mode the lock is a no-op and capacity alone gates.
func (e *Engine) AcquireLock(symbol string) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.useLock() {
		return true, ""
	}
	if e.halted {
		return false, fmt.Sprintf("trading halted: %s", e.haltReason)
	}
	if e.lockHeld {
		return false, "trade lock is held"
	}
	e.lockHeld = true
	e.lockPending = true
	e.lockSymbol = symbol
	e.lockContract = 0
	e.lockAcquiredAt = time.Now()
	log.Printf("[Risk] 🔒 trade lock acquired for %s (pending)", symbol)
	return true, ""
}

// ReleaseLock frees the lifecycle lock. Safe to call when the lock is not
// held.
func (e *Engine) ReleaseLock(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLockLocked(reason)
}

func (e *Engine) releaseLockLocked(reason string) {
	if !e.lockHeld {
		return
	}
	e.lockHeld = false
	e.lockPending = false
	e.lockSymbol = ""
	e.lockContract = 0
	log.Printf("[Risk] 🔓 trade lock released (%s)", reason)
}

// RecordOpen registers a freshly opened contract. Exceeding capacity, or
// opening without the lock in single-slot mode, is an invariant violation:
// the engine halts and the error tells the session to do the same.
func (e *Engine) RecordOpen(t ActiveTrade) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollLocked(time.Now())

	if e.useLock() && !e.lockHeld {
		e.haltLocked("trade recorded without lifecycle lock", false)
		log.Printf("[Risk] ❌ RecordOpen rejected for contract %d: lock not held", t.ContractID)
		return ErrLockNotHeld
	}
	if len(e.active) >= e.cfg.MaxConcurrent {
		e.haltLocked("duplicate trade prevention: concurrent capacity exceeded", false)
		e.releaseLockLocked("capacity violation")
		log.Printf("[Risk] ❌ RecordOpen rejected for contract %d on %s: capacity %d/%d already used",
			t.ContractID, t.Symbol, len(e.active), e.cfg.MaxConcurrent)
		return ErrCapacityExceeded
	}

	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now()
	}
	e.active[t.ContractID] = &t
	e.activeBySymbol[t.Symbol]++
	e.dailyTrades++

	if e.useLock() {
		e.lockPending = false
		e.lockContract = t.ContractID
	}
	log.Printf("[Risk] trade open recorded: contract %d %s %s stake %.2f (%d/%d slots)",
		t.ContractID, t.Symbol, t.Direction, t.Stake, len(e.active), e.cfg.MaxConcurrent)
	return nil
}

// AdoptOpen registers a contract discovered on the broker rather than opened
// by this process, bypassing the capacity invariant: the position already
// exists and refusing to track it would be worse. Single-slot mode also
// claims the lock for it.
func (e *Engine) AdoptOpen(t ActiveTrade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollLocked(time.Now())

	if _, exists := e.active[t.ContractID]; exists {
		return
	}
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now()
	}
	e.active[t.ContractID] = &t
	e.activeBySymbol[t.Symbol]++

	if e.useLock() && !e.lockHeld {
		e.lockHeld = true
		e.lockPending = false
		e.lockSymbol = t.Symbol
		e.lockContract = t.ContractID
		e.lockAcquiredAt = time.Now()
	}
	log.Printf("[Risk] 🔄 adopted open contract %d (%s %s) from broker state",
		t.ContractID, t.Symbol, t.Direction)
}

// RecordClosed settles a contract: PnL and streak accounting, circuit
// breaker arming, cooldown stamps, and lock release when the lock was bound
// to this contract.
func (e *Engine) RecordClosed(contractID int64, pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.rollLocked(now)

	t, ok := e.active[contractID]
	if !ok {
		log.Printf("[Risk] ⚠️ RecordClosed for unknown contract %d ignored", contractID)
		return
	}
	delete(e.active, contractID)
	if e.activeBySymbol[t.Symbol] > 0 {
		e.activeBySymbol[t.Symbol]--
	}

	e.dailyPnL += pnl
	if pnl < 0 {
		e.consecutiveLosses++
		if e.consecutiveLosses >= e.cfg.MaxConsecutiveLosses {
			e.circuitUntil = now.Add(e.cfg.LossCooldown)
			log.Printf("[Risk] 🔥 circuit breaker tripped after %d consecutive losses, cooling down until %s",
				e.consecutiveLosses, e.circuitUntil.Format(time.RFC3339))
		}
	} else {
		e.consecutiveLosses = 0
	}

	e.lastCloseAt = now
	if e.cfg.SymbolCooldown > 0 {
		e.symbolCooldowns[t.Symbol] = now.Add(e.cfg.SymbolCooldown)
	}

	if e.useLock() && e.lockContract == contractID {
		e.releaseLockLocked(fmt.Sprintf("contract %d settled", contractID))
	}
	log.Printf("[Risk] trade closed: contract %d %s pnl %+.2f (daily %+.2f, streak %d)",
		contractID, t.Symbol, pnl, e.dailyPnL, e.consecutiveLosses)
}

// SeedDaily primes today's counters from persisted history so a restart
// cannot reset the daily limits. No-op once any trade has been counted.
func (e *Engine) SeedDaily(trades int, pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollLocked(time.Now())

	if e.dailyTrades > 0 || trades <= 0 {
		return
	}
	e.dailyTrades = trades
	e.dailyPnL = pnl
	log.Printf("[Risk] seeded daily counters from history: %d trades, pnl %+.2f", trades, pnl)
}

// Watchdog force-releases a lock stuck in the pending phase longer than the
// configured timeout. A pending lock means an order attempt died between
// acquire and record; leaving it held would freeze the session forever.
func (e *Engine) Watchdog() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lockHeld || !e.lockPending {
		return false
	}
	held := time.Since(e.lockAcquiredAt)
	if held < e.cfg.PendingTimeout {
		return false
	}
	log.Printf("[Risk] ⚠️ watchdog: pending lock for %s held %s, forcing release", e.lockSymbol, held.Round(time.Second))
	e.releaseLockLocked("pending watchdog timeout")
	return true
}

// ReleaseOrphanLock frees a bound lock whose contract is no longer tracked,
// a leftover the startup reconciliation can produce. Returns whether a
// release happened.
func (e *Engine) ReleaseOrphanLock() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lockHeld || e.lockPending {
		return false
	}
	if _, stillOpen := e.active[e.lockContract]; stillOpen {
		return false
	}
	log.Printf("[Risk] ⚠️ lock bound to missing contract %d, forcing release", e.lockContract)
	e.releaseLockLocked("orphaned lock cleanup")
	return true
}

// Halt stops all trading. Transient halts clear through AutoRecover once no
// trades are active; permanent halts require operator intervention.
func (e *Engine) Halt(reason string, permanent bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haltLocked(reason, permanent)
}

func (e *Engine) haltLocked(reason string, permanent bool) {
	e.halted = true
	e.haltReason = reason
	e.haltPermanent = e.haltPermanent || permanent
	kind := "transient"
	if e.haltPermanent {
		kind = "permanent"
	}
	log.Printf("[Risk] ⛔ trading halted (%s): %s", kind, reason)
}

// Halted reports the halt flag and its reason.
func (e *Engine) Halted() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted, e.haltReason
}

// AutoRecover clears a transient halt once every active trade has settled.
func (e *Engine) AutoRecover() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.halted || e.haltPermanent || len(e.active) > 0 {
		return false
	}
	log.Printf("[Risk] ✅ auto-recovery: clearing transient halt (%s)", e.haltReason)
	e.halted = false
	e.haltReason = ""
	return true
}

// State derives the current slot state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Now().Before(e.circuitUntil) {
		return StateCircuitBroken
	}
	if e.lockHeld || len(e.active) > 0 {
		return StateLocked
	}
	return StateUnlocked
}

// LockHeld reports whether the lifecycle lock is currently claimed.
func (e *Engine) LockHeld() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockHeld || len(e.active) > 0
}

// ActiveCount returns the number of tracked open contracts.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ActiveTrades returns a copy of the open contract set.
func (e *Engine) ActiveTrades() []ActiveTrade {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ActiveTrade, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, *t)
	}
	return out
}

// Snapshot returns the current counters for statistics events and the API.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollLocked(time.Now())

	s := Stats{
		ActiveTrades:      len(e.active),
		DailyTrades:       e.dailyTrades,
		DailyPnL:          e.dailyPnL,
		ConsecutiveLosses: e.consecutiveLosses,
		Halted:            e.halted,
		HaltReason:        e.haltReason,
		LockSymbol:        e.lockSymbol,
		LockContractID:    e.lockContract,
	}
	if time.Now().Before(e.circuitUntil) {
		s.CircuitUntil = e.circuitUntil
	}
	switch {
	case time.Now().Before(e.circuitUntil):
		s.State = StateCircuitBroken
	case e.lockHeld || len(e.active) > 0:
		s.State = StateLocked
	default:
		s.State = StateUnlocked
	}
	return s
}

func (e *Engine) useLock() bool {
	return e.cfg.MaxConcurrent == 1
}

// rollLocked resets the daily counters when the UTC date changes.
func (e *Engine) rollLocked(now time.Time) {
	today := dayKey(now)
	if e.dailyDate != today {
		e.dailyDate = today
		e.dailyTrades = 0
		e.dailyPnL = 0
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
