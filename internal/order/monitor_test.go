package order

import (
	"context"
	"errors"
	"testing"

	"bot-core/pkg/deriv"
)

func subscribed(id int64, subID string) step {
	return step{u: &deriv.ContractUpdate{ContractID: id, Status: "open", SubscriptionID: subID}}
}

func TestMonitorSettlesOnExpiry(t *testing.T) {
	f := &fakeBroker{
		subs: []step{subscribed(42, "sub-1")},
		steps: []step{
			{u: &deriv.ContractUpdate{ContractID: 42, Status: "open", Profit: 0.4}},
			{u: &deriv.ContractUpdate{ContractID: 42, Status: "won", Profit: 9.5, SellPrice: 19.5, IsExpired: 1, IsSold: 1}},
		},
	}
	e := testExecutor(f)

	s, err := e.Monitor(context.Background(), openContract(), nil)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if s.Outcome != OutcomeWin || s.Profit != 9.5 || s.EarlyClose {
		t.Fatalf("unexpected settlement: %+v", s)
	}
	if len(f.forgot) != 1 || f.forgot[0] != "sub-1" {
		t.Fatalf("subscription not forgotten: %v", f.forgot)
	}
}

func TestMonitorDiscardsForeignUpdates(t *testing.T) {
	f := &fakeBroker{
		subs: []step{subscribed(42, "sub-1")},
		steps: []step{
			{u: &deriv.ContractUpdate{ContractID: 999, Status: "won", Profit: 50, IsExpired: 1}},
			{u: &deriv.ContractUpdate{ContractID: 42, Status: "lost", Profit: -10, IsExpired: 1}},
		},
	}
	e := testExecutor(f)

	s, err := e.Monitor(context.Background(), openContract(), nil)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if s.ContractID != 42 || s.Outcome != OutcomeLoss || s.Profit != -10 {
		t.Fatalf("settled from a foreign update: %+v", s)
	}
}

func TestMonitorEarlyExitSellsAtMarket(t *testing.T) {
	f := &fakeBroker{
		subs:    []step{subscribed(42, "sub-1")},
		steps:   []step{{u: &deriv.ContractUpdate{ContractID: 42, Status: "open", Profit: 1.2}}},
		sellRes: &deriv.SellResult{ContractID: 42, SoldFor: 11.2, TransactionID: 777},
	}
	e := testExecutor(f)

	exitOnProfit := func(u *deriv.ContractUpdate) (bool, string) {
		return u.Profit > 1.0, "trailing profit exit"
	}
	s, err := e.Monitor(context.Background(), openContract(), exitOnProfit)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if !s.EarlyClose || s.ExitReason != "trailing profit exit" {
		t.Fatalf("expected an early close settlement: %+v", s)
	}
	if s.Outcome != OutcomeWin || s.Profit != 11.2-10 {
		t.Fatalf("profit not derived from the sell confirmation: %+v", s)
	}
	if f.sellCalls != 1 {
		t.Fatalf("sell sent %d times", f.sellCalls)
	}
}

func TestMonitorSellRefusalLatches(t *testing.T) {
	f := &fakeBroker{
		subs: []step{subscribed(42, "sub-1")},
		steps: []step{
			{u: &deriv.ContractUpdate{ContractID: 42, Status: "open", Profit: 1.5}},
			{u: &deriv.ContractUpdate{ContractID: 42, Status: "open", Profit: 1.6}},
			{u: &deriv.ContractUpdate{ContractID: 42, Status: "lost", Profit: -10, IsExpired: 1}},
		},
		sellErr: &deriv.APIError{Code: "SellUnavailable", Message: "resale of this contract is not offered"},
	}
	e := testExecutor(f)

	exitAlways := func(u *deriv.ContractUpdate) (bool, string) { return u.Profit > 1.0, "take profit" }
	s, err := e.Monitor(context.Background(), openContract(), exitAlways)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if f.sellCalls != 1 {
		t.Fatalf("refused sell retried %d times, want a single attempt", f.sellCalls)
	}
	if s.EarlyClose || s.Outcome != OutcomeLoss {
		t.Fatalf("expected the contract to ride to expiry: %+v", s)
	}
}

func TestMonitorUnconfirmedSellDefersToStream(t *testing.T) {
	f := &fakeBroker{
		subs: []step{subscribed(42, "sub-1")},
		steps: []step{
			{u: &deriv.ContractUpdate{ContractID: 42, Status: "open", Profit: 1.5}},
			{u: &deriv.ContractUpdate{ContractID: 42, Status: "sold", Profit: 1.1, SellPrice: 11.1, IsSold: 1}},
		},
		sellErr: errors.New("write: broken pipe"),
	}
	e := testExecutor(f)

	exitOnProfit := func(u *deriv.ContractUpdate) (bool, string) { return u.Profit > 1.0, "take profit" }
	s, err := e.Monitor(context.Background(), openContract(), exitOnProfit)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	// the stream reported the position closed even though the sell ack was lost
	if s.EarlyClose || s.Profit != 1.1 || s.Outcome != OutcomeWin {
		t.Fatalf("unexpected settlement: %+v", s)
	}
}

func TestMonitorCeilingReturnsSettlementUnknown(t *testing.T) {
	f := &fakeBroker{subs: []step{subscribed(42, "sub-1")}}
	e := testExecutor(f)

	s, err := e.Monitor(context.Background(), openContract(), nil)
	if s != nil || !errors.Is(err, ErrSettlementUnknown) {
		t.Fatalf("expected settlement unknown, got s=%+v err=%v", s, err)
	}
}

func TestMonitorResubscribesAfterStreamBreak(t *testing.T) {
	f := &fakeBroker{
		subs: []step{
			subscribed(42, "sub-1"),
			{u: &deriv.ContractUpdate{ContractID: 42, Status: "won", Profit: 9.5, IsExpired: 1, SubscriptionID: "sub-2"}},
		},
		steps: []step{{err: errors.New("read: connection reset")}},
	}
	e := testExecutor(f)

	s, err := e.Monitor(context.Background(), openContract(), nil)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if s.Outcome != OutcomeWin {
		t.Fatalf("unexpected settlement: %+v", s)
	}
	if f.ensureCalls != 1 || f.subCalls != 2 {
		t.Fatalf("no reconnect+resubscribe cycle: ensure=%d subs=%d", f.ensureCalls, f.subCalls)
	}
	if len(f.forgot) != 1 || f.forgot[0] != "sub-2" {
		t.Fatalf("latest subscription not forgotten: %v", f.forgot)
	}
}

func TestMonitorDeadSessionGivesUp(t *testing.T) {
	f := &fakeBroker{
		subs:      []step{subscribed(42, "sub-1")},
		steps:     []step{{err: errors.New("read: connection reset")}},
		ensureErr: deriv.ErrConnectionFailed,
	}
	e := testExecutor(f)

	_, err := e.Monitor(context.Background(), openContract(), nil)
	if !errors.Is(err, ErrSettlementUnknown) {
		t.Fatalf("expected settlement unknown after a dead session, got %v", err)
	}
}

func TestMonitorSubscribeErrorPropagates(t *testing.T) {
	f := &fakeBroker{
		subs: []step{{err: &deriv.APIError{Code: "ContractNotFound", Message: "unknown contract"}}},
	}
	e := testExecutor(f)

	if _, err := e.Monitor(context.Background(), openContract(), nil); err == nil {
		t.Fatal("expected subscribe failure to propagate")
	}
}

func TestMonitorHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeBroker{
		subs:  []step{subscribed(42, "sub-1")},
		steps: []step{{err: context.Canceled}},
	}
	cancel()
	e := testExecutor(f)

	_, err := e.Monitor(ctx, openContract(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
