package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradeledger/internal/broker"
	"tradeledger/internal/domain"
)

// RiskConfig holds the account-level risk limits.
type RiskConfig struct {
	MaxDailyLossPct  float64       // fraction of session-open equity
	MaxDrawdownPct   float64       // fraction of peak equity
	MaxOpenPositions int           // 0 disables the count warning
	WarnThresholdPct float64       // fraction of a limit that triggers a warning
	Interval         time.Duration // evaluation cadence
	ConfirmPhrase    string        // required to deactivate the kill switch
}

func (c *RiskConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.WarnThresholdPct <= 0 {
		c.WarnThresholdPct = 0.8
	}
}

// RiskMonitor marks open positions to market and watches the daily-loss,
// drawdown, and position-count limits, tripping the kill switch when one is
// breached. The kill switch
// only latches: nothing deactivates it automatically, an operator must
// confirm with the configured phrase.
type RiskMonitor struct {
	cfg    RiskConfig
	broker broker.Broker
	book   *PositionBook
	log    *slog.Logger

	mu        sync.Mutex
	peak      float64
	halted    bool
	haltCause string
	haltedAt  time.Time
	last      domain.RiskSummary
}

var _ HaltChecker = (*RiskMonitor)(nil)

// NewRiskMonitor creates a monitor with the given limits.
func NewRiskMonitor(cfg RiskConfig, bk broker.Broker, book *PositionBook, log *slog.Logger) *RiskMonitor {
	cfg.applyDefaults()
	return &RiskMonitor{cfg: cfg, broker: bk, book: book, log: log}
}

// Halted reports the kill-switch state.
func (m *RiskMonitor) Halted() (bool, string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.haltCause, m.haltedAt
}

// Activate trips the kill switch. Idempotent: activating an already halted
// monitor keeps the original cause and timestamp.
func (m *RiskMonitor) Activate(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return
	}
	m.halted = true
	m.haltCause = reason
	m.haltedAt = time.Now().UTC()
	m.log.Error("kill switch activated", "reason", reason)
}

// Deactivate clears the kill switch when phrase matches the configured
// confirmation. A wrong phrase leaves the halt in place.
func (m *RiskMonitor) Deactivate(phrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.halted {
		return nil
	}
	if phrase != m.cfg.ConfirmPhrase {
		m.log.Warn("kill switch deactivation refused", "cause", m.haltCause)
		return fmt.Errorf("confirmation phrase mismatch")
	}
	m.log.Info("kill switch deactivated", "cause", m.haltCause, "halted_for", time.Since(m.haltedAt))
	m.halted = false
	m.haltCause = ""
	m.haltedAt = time.Time{}
	return nil
}

// Summary returns the last computed risk picture with the live kill-switch
// state overlaid, so a halt is visible before the next evaluation tick.
func (m *RiskMonitor) Summary() domain.RiskSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.last
	s.KillSwitch = m.halted
	s.KillSwitchCause = m.haltCause
	s.KillSwitchAt = m.haltedAt
	return s
}

// Evaluate recomputes the risk picture from a fresh account snapshot and
// trips the kill switch if a hard limit is breached.
func (m *RiskMonitor) Evaluate(ctx context.Context) (domain.RiskSummary, error) {
	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		return domain.RiskSummary{}, fmt.Errorf("fetching account: %w", err)
	}

	m.markPositions(ctx)

	m.mu.Lock()
	if account.Equity > m.peak {
		m.peak = account.Equity
	}
	peak := m.peak
	m.mu.Unlock()

	s := domain.RiskSummary{
		CurrentValue:  account.Equity,
		PeakValue:     peak,
		DailyPnL:      account.Equity - account.LastEquity,
		OpenPositions: m.book.OpenCount(),
	}
	if account.LastEquity > 0 {
		s.DailyPnLPct = s.DailyPnL / account.LastEquity
	}
	if peak > 0 {
		s.Drawdown = peak - account.Equity
		s.DrawdownPct = s.Drawdown / peak
	}

	m.check("daily loss", -s.DailyPnLPct, m.cfg.MaxDailyLossPct)
	m.check("drawdown", s.DrawdownPct, m.cfg.MaxDrawdownPct)
	m.checkCount(s.OpenPositions, m.cfg.MaxOpenPositions)

	m.mu.Lock()
	s.KillSwitch = m.halted
	s.KillSwitchCause = m.haltCause
	s.KillSwitchAt = m.haltedAt
	m.last = s
	m.mu.Unlock()
	return s, nil
}

// check compares one metric ratio against its limit: breach trips the kill
// switch, approaching the limit logs with escalating severity.
func (m *RiskMonitor) check(name string, value, limit float64) {
	if limit <= 0 || value <= 0 {
		return
	}
	ratio := value / limit
	switch {
	case ratio >= 1:
		m.Activate(fmt.Sprintf("%s %.2f%% breached limit %.2f%%", name, value*100, limit*100))
	case ratio >= m.cfg.WarnThresholdPct:
		m.log.Warn("risk limit approaching",
			"metric", name, "value_pct", value*100, "limit_pct", limit*100)
	case ratio >= 0.5:
		m.log.Info("risk metric elevated",
			"metric", name, "value_pct", value*100, "limit_pct", limit*100)
	}
}

// checkCount applies the severity ladder to the open-position count. Holding
// exactly the limit is allowed (the validator blocks opening past it);
// exceeding it trips the kill switch.
func (m *RiskMonitor) checkCount(open, limit int) {
	if limit <= 0 || open <= 0 {
		return
	}
	switch ratio := float64(open) / float64(limit); {
	case open > limit:
		m.Activate(fmt.Sprintf("open positions %d breached limit %d", open, limit))
	case ratio >= m.cfg.WarnThresholdPct:
		m.log.Warn("risk limit approaching",
			"metric", "open positions", "value", open, "limit", limit)
	case ratio >= 0.5:
		m.log.Info("risk metric elevated",
			"metric", "open positions", "value", open, "limit", limit)
	}
}

// markPositions refreshes unrealized P&L and the drawdown watermarks of every
// open position from the broker's last traded price. Quote failures skip the
// symbol; the next tick retries.
func (m *RiskMonitor) markPositions(ctx context.Context) {
	for _, pos := range m.book.List() {
		price, err := m.broker.LastTradedPrice(ctx, pos.Symbol)
		if err != nil {
			m.log.Warn("last traded price unavailable", "symbol", pos.Symbol, "error", err)
			continue
		}
		if err := m.book.UpdateMarketPrice(ctx, pos.Symbol, price); err != nil {
			m.log.Warn("marking position to market", "symbol", pos.Symbol, "error", err)
		}
	}
}

// Run evaluates risk on a fixed cadence until the context is cancelled.
// Broker errors are logged and the next tick proceeds.
func (m *RiskMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.log.Info("risk monitor started", "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("risk monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Evaluate(ctx); err != nil {
				m.log.Warn("risk evaluation failed", "error", err)
			}
		}
	}
}
