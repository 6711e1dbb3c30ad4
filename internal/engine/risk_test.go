package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeledger/internal/broker"
	"tradeledger/internal/domain"
)

func newTestRisk(t *testing.T, cfg RiskConfig) (*RiskMonitor, *broker.SimulatorBroker) {
	t.Helper()
	s := newTestStore(t)
	sim := broker.NewSimulatorBroker()
	book := NewPositionBook(s, s, nil, discardLogger())
	return NewRiskMonitor(cfg, sim, book, discardLogger()), sim
}

func TestRiskEvaluateHealthy(t *testing.T) {
	m, sim := newTestRisk(t, RiskConfig{MaxDailyLossPct: 0.03, MaxDrawdownPct: 0.10, ConfirmPhrase: "resume trading"})
	sim.SetAccount(domain.AccountInfo{Equity: 101_000, LastEquity: 100_000, Cash: 50_000})

	s, err := m.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if s.KillSwitch {
		t.Fatal("kill switch tripped on a profitable day")
	}
	if s.DailyPnL != 1000 {
		t.Errorf("DailyPnL = %v, want 1000", s.DailyPnL)
	}
	if s.PeakValue != 101_000 {
		t.Errorf("PeakValue = %v, want 101000", s.PeakValue)
	}
}

func TestRiskDailyLossTripsKillSwitch(t *testing.T) {
	m, sim := newTestRisk(t, RiskConfig{MaxDailyLossPct: 0.03, ConfirmPhrase: "resume trading"})
	sim.SetAccount(domain.AccountInfo{Equity: 96_000, LastEquity: 100_000}) // -4% on the day

	s, err := m.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !s.KillSwitch {
		t.Fatal("kill switch not tripped at -4% with a 3% limit")
	}
	halted, reason, since := m.Halted()
	if !halted || reason == "" || since.IsZero() {
		t.Errorf("Halted() = %v, %q, %v", halted, reason, since)
	}
}

func TestRiskDrawdownTripsKillSwitch(t *testing.T) {
	m, sim := newTestRisk(t, RiskConfig{MaxDrawdownPct: 0.10, ConfirmPhrase: "resume trading"})
	ctx := context.Background()

	sim.SetAccount(domain.AccountInfo{Equity: 120_000, LastEquity: 120_000})
	if _, err := m.Evaluate(ctx); err != nil {
		t.Fatalf("Evaluate (peak): %v", err)
	}

	// 12.5% off the 120k peak.
	sim.SetAccount(domain.AccountInfo{Equity: 105_000, LastEquity: 105_000})
	s, err := m.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate (drawdown): %v", err)
	}
	if !s.KillSwitch {
		t.Fatalf("kill switch not tripped at %.1f%% drawdown with a 10%% limit", s.DrawdownPct*100)
	}
}

// Holding exactly the position limit is fine; exceeding it trips the kill
// switch like any other hard limit.
func TestRiskPositionCountTripsKillSwitch(t *testing.T) {
	s := newTestStore(t)
	sim := broker.NewSimulatorBroker()
	book := NewPositionBook(s, s, nil, discardLogger())
	m := NewRiskMonitor(RiskConfig{MaxOpenPositions: 2, ConfirmPhrase: "resume trading"}, sim, book, discardLogger())
	ctx := context.Background()

	for _, sym := range []string{"INFY", "TCS"} {
		sim.SetPrice(sym, 100)
		mustApply(t, book, fill(sym, domain.SideBuy, 10, 100))
	}
	sum, err := m.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate at limit: %v", err)
	}
	if sum.KillSwitch {
		t.Fatal("kill switch tripped while holding exactly the limit")
	}

	sim.SetPrice("HDFC", 100)
	mustApply(t, book, fill("HDFC", domain.SideBuy, 10, 100))
	sum, err = m.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate over limit: %v", err)
	}
	if sum.OpenPositions != 3 {
		t.Errorf("OpenPositions = %d, want 3", sum.OpenPositions)
	}
	if !sum.KillSwitch {
		t.Fatal("kill switch not tripped with 3 open positions over a limit of 2")
	}
}

// Each evaluation marks open positions to market from the broker's last
// traded price.
func TestRiskEvaluateMarksPositions(t *testing.T) {
	s := newTestStore(t)
	sim := broker.NewSimulatorBroker()
	book := NewPositionBook(s, s, nil, discardLogger())
	m := NewRiskMonitor(RiskConfig{}, sim, book, discardLogger())
	ctx := context.Background()

	mustApply(t, book, fill("RELIANCE", domain.SideBuy, 100, 2450))
	sim.SetPrice("RELIANCE", 2470)

	if _, err := m.Evaluate(ctx); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	pos, _ := book.Get("RELIANCE")
	if pos.LastPrice != 2470 {
		t.Errorf("LastPrice = %v, want 2470", pos.LastPrice)
	}
	if pos.UnrealizedPnL != 2000 {
		t.Errorf("UnrealizedPnL = %v, want 2000", pos.UnrealizedPnL)
	}
	if pos.HighWater != 2470 {
		t.Errorf("HighWater = %v, want 2470", pos.HighWater)
	}
}

// The kill switch latches: once tripped, a recovered account does not clear
// it, only an operator with the confirmation phrase does.
func TestRiskKillSwitchLatches(t *testing.T) {
	m, sim := newTestRisk(t, RiskConfig{MaxDailyLossPct: 0.03, ConfirmPhrase: "resume trading"})
	ctx := context.Background()

	sim.SetAccount(domain.AccountInfo{Equity: 96_000, LastEquity: 100_000})
	if _, err := m.Evaluate(ctx); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	sim.SetAccount(domain.AccountInfo{Equity: 100_000, LastEquity: 100_000})
	s, err := m.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Evaluate after recovery: %v", err)
	}
	if !s.KillSwitch {
		t.Fatal("kill switch cleared itself after recovery")
	}

	if err := m.Deactivate("wrong phrase"); err == nil {
		t.Fatal("Deactivate accepted a wrong phrase")
	}
	if halted, _, _ := m.Halted(); !halted {
		t.Fatal("halt cleared by a failed deactivation")
	}

	if err := m.Deactivate("resume trading"); err != nil {
		t.Fatalf("Deactivate with correct phrase: %v", err)
	}
	if halted, _, _ := m.Halted(); halted {
		t.Fatal("halt still active after confirmed deactivation")
	}
}

// Activating an already tripped switch keeps the original cause.
func TestRiskActivateIdempotent(t *testing.T) {
	m, _ := newTestRisk(t, RiskConfig{ConfirmPhrase: "resume trading"})

	m.Activate("first cause")
	m.Activate("second cause")

	_, reason, _ := m.Halted()
	if reason != "first cause" {
		t.Errorf("halt cause = %q, want the original", reason)
	}
}

func TestRiskEvaluateBrokerError(t *testing.T) {
	s := newTestStore(t)
	book := NewPositionBook(s, s, nil, discardLogger())
	m := NewRiskMonitor(RiskConfig{}, &failingBroker{}, book, discardLogger())

	if _, err := m.Evaluate(context.Background()); err == nil {
		t.Fatal("Evaluate with unreachable broker returned nil error")
	}
	if halted, _, _ := m.Halted(); halted {
		t.Fatal("broker outage tripped the kill switch")
	}
}

// failingBroker errors on every call, standing in for a broker outage.
type failingBroker struct{}

func (f *failingBroker) Name() string { return "failing" }
func (f *failingBroker) SubmitOrder(context.Context, *domain.Order) (string, error) {
	return "", errors.New("unreachable")
}
func (f *failingBroker) CancelOrder(context.Context, string) error { return errors.New("unreachable") }
func (f *failingBroker) ModifyOrder(context.Context, string, domain.OrderChanges) error {
	return errors.New("unreachable")
}
func (f *failingBroker) GetOrderStatus(context.Context, string) (*domain.OrderStatusSnapshot, error) {
	return nil, errors.New("unreachable")
}
func (f *failingBroker) GetPositions(context.Context) ([]domain.BrokerPosition, error) {
	return nil, errors.New("unreachable")
}
func (f *failingBroker) GetAccount(context.Context) (*domain.AccountInfo, error) {
	return nil, errors.New("unreachable")
}
func (f *failingBroker) LastTradedPrice(context.Context, string) (float64, error) {
	return 0, errors.New("unreachable")
}

var _ HaltChecker = (*RiskMonitor)(nil)

func TestRiskConfigDefaults(t *testing.T) {
	cfg := RiskConfig{}
	cfg.applyDefaults()
	if cfg.Interval != 2*time.Second {
		t.Errorf("Interval default = %v, want 2s", cfg.Interval)
	}
	if cfg.WarnThresholdPct != 0.8 {
		t.Errorf("WarnThresholdPct default = %v, want 0.8", cfg.WarnThresholdPct)
	}
}
