package reconciliation

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"bot-core/internal/events"
	"bot-core/internal/risk"
	"bot-core/pkg/deriv"
)

// PortfolioSource lists the contracts the broker currently holds open for
// the account. Both the live client and the paper broker satisfy it.
type PortfolioSource interface {
	Portfolio(ctx context.Context) ([]deriv.PortfolioContract, error)
}

// Service re-aligns the risk engine with broker state. It runs once on
// session start, where it recovers contracts a crash left open, and
// optionally on a timer afterwards.
type Service struct {
	source   PortfolioSource
	engine   *risk.Engine
	bus      *events.Bus
	userID   string
	interval time.Duration
	mu       sync.Mutex
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Adopted   []AdoptedContract `json:"adopted,omitempty"`
	Stale     []int64           `json:"stale,omitempty"`
	LockFreed bool              `json:"lock_freed"`
	Clean     bool              `json:"clean"`
}

// AdoptedContract is a broker-side open contract the engine was not
// tracking.
type AdoptedContract struct {
	ContractID int64     `json:"contract_id"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	Stake      float64   `json:"stake"`
	OpenedAt   time.Time `json:"opened_at"`
}

// NewService wires a reconciler for one user's session. A zero interval
// disables the periodic pass; Run can still be called directly.
func NewService(source PortfolioSource, engine *risk.Engine, bus *events.Bus, userID string, interval time.Duration) *Service {
	return &Service{
		source:   source,
		engine:   engine,
		bus:      bus,
		userID:   userID,
		interval: interval,
	}
}

// Start begins the periodic pass. No-op when the interval is zero.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Run(ctx); err != nil {
					log.Printf("[Reconcile] ❌ %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("[Reconcile] service started (interval %v)", s.interval)
}

// Run reconciles once and logs and publishes the outcome.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	report, err := s.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	s.handleReport(report)
	return report, nil
}

// Reconcile fetches the broker portfolio and folds it into the risk engine:
// unknown open contracts are adopted (which seeds the lifecycle lock), and a
// lock bound to a contract nobody tracks anymore is force-released. Tracked
// contracts missing from the portfolio are only reported; their settlement
// belongs to the order monitor, which knows the actual payout.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now()}
	if s.source == nil {
		report.Clean = true
		return report, nil
	}

	open, err := s.source.Portfolio(ctx)
	if err != nil {
		s.publishError(err)
		return nil, fmt.Errorf("portfolio fetch: %w", err)
	}

	tracked := make(map[int64]bool)
	for _, t := range s.engine.ActiveTrades() {
		tracked[t.ContractID] = true
	}

	brokerSide := make(map[int64]bool, len(open))
	for _, c := range open {
		brokerSide[c.ContractID] = true
		if tracked[c.ContractID] {
			continue
		}
		adopted := AdoptedContract{
			ContractID: c.ContractID,
			Symbol:     c.Symbol,
			Direction:  directionOf(c.ContractType),
			Stake:      c.BuyPrice,
			OpenedAt:   time.Unix(c.PurchaseTime, 0),
		}
		s.engine.AdoptOpen(risk.ActiveTrade{
			ContractID: adopted.ContractID,
			Symbol:     adopted.Symbol,
			Direction:  adopted.Direction,
			Stake:      adopted.Stake,
			OpenedAt:   adopted.OpenedAt,
		})
		report.Adopted = append(report.Adopted, adopted)
	}

	for id := range tracked {
		if !brokerSide[id] {
			report.Stale = append(report.Stale, id)
		}
	}
	slices.Sort(report.Stale)

	if s.engine.ReleaseOrphanLock() {
		report.LockFreed = true
	}

	report.Clean = len(report.Adopted) == 0 && len(report.Stale) == 0 && !report.LockFreed
	return report, nil
}

func (s *Service) handleReport(report *Report) {
	if report.Clean {
		log.Printf("[Reconcile] ✅ broker and risk state agree")
		return
	}

	for _, a := range report.Adopted {
		log.Printf("[Reconcile] 🔄 adopted %s %s contract %d (stake %.2f)",
			a.Symbol, a.Direction, a.ContractID, a.Stake)
	}
	if len(report.Stale) > 0 {
		log.Printf("[Reconcile] ⚠️ %d tracked contract(s) missing from broker portfolio: %v",
			len(report.Stale), report.Stale)
	}
	if report.LockFreed {
		log.Printf("[Reconcile] 🔓 released lock with no backing contract")
	}

	if s.bus != nil {
		s.bus.Publish(events.EventNotification, s.userID, events.Notification{
			Level: "warning",
			Title: "Broker state reconciled",
			Message: fmt.Sprintf("adopted %d contract(s), %d stale, lock freed: %v",
				len(report.Adopted), len(report.Stale), report.LockFreed),
		})
	}
}

func (s *Service) publishError(err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventError, s.userID, events.ErrorInfo{
		Scope: "reconciliation",
		Error: err.Error(),
	})
}

// directionOf maps a broker contract type to a signal direction. The
// equal-allowed variants settle the same way as their plain forms.
func directionOf(contractType string) string {
	switch strings.ToUpper(contractType) {
	case "CALL", "CALLE":
		return "CALL"
	case "PUT", "PUTE":
		return "PUT"
	}
	return strings.ToUpper(contractType)
}
