package order

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"bot-core/pkg/deriv"
)

// PaperConfig tunes the simulated broker.
type PaperConfig struct {
	InitialBalance   float64
	PayoutMultiplier float64 // gross payout per unit stake on a win
	WinProbability   float64
	TickInterval     time.Duration // pacing of simulated ticks and stream updates
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		InitialBalance:   10000,
		PayoutMultiplier: 1.95,
		WinProbability:   0.5,
		TickInterval:     2 * time.Second,
	}
}

// PaperBroker is an in-memory stand-in for the live broker. Buys settle
// after their nominal duration with a coin-flip outcome and the update
// stream random-walks the running profit in between. Dry-run sessions plug
// it in behind the same Broker interface the live client satisfies.
type PaperBroker struct {
	cfg PaperConfig

	mu         sync.Mutex
	rng        *rand.Rand
	balance    float64
	seq        int64
	contracts  map[int64]*paperContract
	subscribed int64
	lastPrice  map[string]float64
}

type paperContract struct {
	contract    deriv.Contract
	expiresAt   time.Time
	finalProfit float64
	profit      float64 // running mark fed to the update stream
	settled     bool
	sold        bool
}

func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	def := DefaultPaperConfig()
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = def.InitialBalance
	}
	if cfg.PayoutMultiplier <= 1 {
		cfg.PayoutMultiplier = def.PayoutMultiplier
	}
	if cfg.WinProbability <= 0 || cfg.WinProbability >= 1 {
		cfg.WinProbability = def.WinProbability
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	return &PaperBroker{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		balance:   cfg.InitialBalance,
		contracts: make(map[int64]*paperContract),
		lastPrice: make(map[string]float64),
	}
}

func (b *PaperBroker) EnsureConnected(ctx context.Context) error { return nil }

func (b *PaperBroker) FlushStale(timeout time.Duration) int { return 0 }

// Balance returns the simulated cash position.
func (b *PaperBroker) Balance() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance
}

func (b *PaperBroker) AccountBalance(ctx context.Context) (*deriv.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &deriv.Balance{Amount: b.balance, Currency: "USD", LoginID: "PAPER"}, nil
}

func (b *PaperBroker) Buy(ctx context.Context, p deriv.BuyParams) (*deriv.Contract, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.Stake <= 0 {
		return nil, &deriv.APIError{Code: "InvalidStake", Message: fmt.Sprintf("stake must be positive, got %.2f", p.Stake)}
	}
	if p.Stake > b.balance {
		return nil, &deriv.APIError{Code: "InsufficientBalance", Message: fmt.Sprintf("stake %.2f exceeds balance %.2f", p.Stake, b.balance)}
	}

	b.seq++
	id := b.seq
	payout := p.Stake * b.cfg.PayoutMultiplier
	finalProfit := payout - p.Stake
	if b.rng.Float64() >= b.cfg.WinProbability {
		finalProfit = -p.Stake
	}

	c := deriv.Contract{
		ContractID:   id,
		Symbol:       p.Symbol,
		Direction:    p.ContractType,
		Stake:        p.Stake,
		BuyPrice:     p.Stake,
		Payout:       payout,
		PurchaseTime: time.Now(),
		LongCode:     fmt.Sprintf("paper %s %s stake %.2f", p.Symbol, p.ContractType, p.Stake),
	}
	b.contracts[id] = &paperContract{
		contract:    c,
		expiresAt:   time.Now().Add(b.contractLife(p)),
		finalProfit: finalProfit,
	}
	b.balance -= p.Stake
	log.Printf("DRY-RUN: bought contract %d %s %s stake=%.2f balance=%.2f", id, p.Symbol, p.ContractType, p.Stake, b.balance)

	cc := c
	return &cc, nil
}

// contractLife converts the nominal duration into wall time. Tick-based
// contracts run one TickInterval per tick.
func (b *PaperBroker) contractLife(p deriv.BuyParams) time.Duration {
	d := p.Duration
	if d <= 0 {
		d = 5
	}
	switch p.DurationUnit {
	case "s":
		return time.Duration(d) * time.Second
	case "m":
		return time.Duration(d) * time.Minute
	case "h":
		return time.Duration(d) * time.Hour
	default:
		return time.Duration(d) * b.cfg.TickInterval
	}
}

func (b *PaperBroker) Sell(ctx context.Context, contractID int64, price float64) (*deriv.SellResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pc := b.contracts[contractID]
	if pc == nil {
		return nil, &deriv.APIError{Code: "ContractNotFound", Message: fmt.Sprintf("contract %d is not open", contractID)}
	}
	if pc.settled || !time.Now().Before(pc.expiresAt) {
		return nil, &deriv.APIError{Code: "SellUnavailable", Message: fmt.Sprintf("contract %d already expired", contractID)}
	}

	soldFor := pc.contract.BuyPrice + pc.profit
	if soldFor < 0 {
		soldFor = 0
	}
	pc.settled = true
	pc.sold = true
	pc.finalProfit = soldFor - pc.contract.BuyPrice
	b.balance += soldFor
	b.seq++
	log.Printf("DRY-RUN: sold contract %d for %.2f balance=%.2f", contractID, soldFor, b.balance)

	return &deriv.SellResult{ContractID: contractID, SoldFor: soldFor, TransactionID: b.seq}, nil
}

func (b *PaperBroker) Portfolio(ctx context.Context) ([]deriv.PortfolioContract, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []deriv.PortfolioContract
	for _, pc := range b.contracts {
		if pc.settled {
			continue
		}
		out = append(out, deriv.PortfolioContract{
			ContractID:   pc.contract.ContractID,
			Symbol:       pc.contract.Symbol,
			ContractType: pc.contract.Direction,
			BuyPrice:     pc.contract.BuyPrice,
			Payout:       pc.contract.Payout,
			PurchaseTime: pc.contract.PurchaseTime.Unix(),
			ExpiryTime:   pc.expiresAt.Unix(),
			LongCode:     pc.contract.LongCode,
		})
	}
	return out, nil
}

func (b *PaperBroker) SubscribeContract(ctx context.Context, contractID int64) (*deriv.ContractUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.contracts[contractID] == nil {
		return nil, &deriv.APIError{Code: "ContractNotFound", Message: fmt.Sprintf("contract %d is not open", contractID)}
	}
	b.subscribed = contractID
	u := b.updateLocked(contractID)
	u.SubscriptionID = fmt.Sprintf("paper-%d", contractID)
	return u, nil
}

func (b *PaperBroker) NextContractUpdate(ctx context.Context, wait time.Duration) (*deriv.ContractUpdate, error) {
	b.mu.Lock()
	id := b.subscribed
	b.mu.Unlock()
	if id == 0 {
		return nil, deriv.ErrTimeout
	}

	pace := b.cfg.TickInterval
	if pace > wait {
		pace = wait
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(pace):
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.contracts[id] == nil {
		return nil, deriv.ErrTimeout
	}
	u := b.updateLocked(id)
	u.SubscriptionID = fmt.Sprintf("paper-%d", id)
	return u, nil
}

func (b *PaperBroker) Forget(ctx context.Context, subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subscriptionID == fmt.Sprintf("paper-%d", b.subscribed) {
		b.subscribed = 0
	}
	return nil
}

// updateLocked produces the current stream frame for one contract, settling
// it on first read past expiry.
func (b *PaperBroker) updateLocked(id int64) *deriv.ContractUpdate {
	pc := b.contracts[id]
	u := &deriv.ContractUpdate{
		ContractID:  id,
		Status:      "open",
		BuyPrice:    pc.contract.BuyPrice,
		Payout:      pc.contract.Payout,
		CurrentSpot: b.lastPrice[pc.contract.Symbol],
	}

	if !pc.settled && time.Now().Before(pc.expiresAt) {
		step := (b.rng.Float64()*2 - 1) * 0.25 * pc.contract.Stake
		pc.profit += step
		if pc.profit < -pc.contract.Stake {
			pc.profit = -pc.contract.Stake
		}
		if max := pc.contract.Payout - pc.contract.Stake; pc.profit > max {
			pc.profit = max
		}
		u.Profit = pc.profit
		return u
	}

	if !pc.settled {
		pc.settled = true
		if pc.finalProfit > 0 {
			b.balance += pc.contract.Payout
		}
		log.Printf("DRY-RUN: contract %d settled %+.2f balance=%.2f", id, pc.finalProfit, b.balance)
	}

	u.Profit = pc.finalProfit
	u.SellPrice = pc.contract.BuyPrice + pc.finalProfit
	if u.SellPrice < 0 {
		u.SellPrice = 0
	}
	u.IsSold = 1
	if pc.sold {
		u.Status = "sold"
	} else {
		u.IsExpired = 1
		if pc.finalProfit > 0 {
			u.Status = "won"
		} else {
			u.Status = "lost"
		}
	}
	return u
}

// Candles synthesizes a random-walk history so strategies have something to
// chew on without a live feed.
func (b *PaperBroker) Candles(ctx context.Context, symbol string, granularity, count int) ([]deriv.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if count <= 0 {
		count = 60
	}
	if granularity <= 0 {
		granularity = 60
	}
	price, ok := b.lastPrice[symbol]
	if !ok {
		price = 100 + b.rng.Float64()*900
	}

	now := time.Now().Unix()
	out := make([]deriv.Candle, 0, count)
	for i := count - 1; i >= 0; i-- {
		open := price
		cl := open + open*0.002*(b.rng.Float64()*2-1)
		hi := math.Max(open, cl) * (1 + b.rng.Float64()*0.001)
		lo := math.Min(open, cl) * (1 - b.rng.Float64()*0.001)
		out = append(out, deriv.Candle{
			Epoch: now - int64(i*granularity),
			Open:  open,
			High:  hi,
			Low:   lo,
			Close: cl,
		})
		price = cl
	}
	b.lastPrice[symbol] = price
	return out, nil
}
