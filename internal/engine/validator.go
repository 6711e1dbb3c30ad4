package engine

import (
	"fmt"
	"math"

	"tradeledger/internal/domain"
)

// ValidatorConfig holds the pre-trade check limits.
type ValidatorConfig struct {
	EstimatedFeePct  float64 // fraction of notional charged as fees
	MaxOpenPositions int
	MaxRiskPerTrade  float64 // fraction of equity risked between entry and stop
	MaxDailyLossPct  float64 // fraction of equity
	RequireStopLoss  bool
	MinRewardRisk    float64 // 0 disables the check
	PriceBandPct     float64 // max deviation of a limit price from last trade
	MinOrderQty      int64
	MaxOrderQty      int64
}

// ValidationContext is the snapshot of account and ledger state an order
// request is judged against. The validator never mutates it.
type ValidationContext struct {
	Account       domain.AccountInfo
	OpenPositions int
	DailyPnL      float64
	LastPrice     float64 // last traded price for the symbol, 0 when unknown
}

// Validator runs an ordered list of pre-trade checks. Evaluation is
// fail-fast: the first failing check is reported and the rest are skipped,
// so identical inputs always reject on the same check.
type Validator struct {
	cfg    ValidatorConfig
	checks []check
}

type check struct {
	name string
	// fn returns a human-readable reason when the check fails, or "".
	fn func(req *domain.OrderRequest, vc ValidationContext) string
}

// NewValidator creates a Validator with the given limits.
func NewValidator(cfg ValidatorConfig) *Validator {
	v := &Validator{cfg: cfg}
	v.checks = []check{
		{"account_balance", v.checkAccountBalance},
		{"position_limit", v.checkPositionLimit},
		{"per_trade_risk", v.checkPerTradeRisk},
		{"daily_loss_limit", v.checkDailyLossLimit},
		{"stop_loss_required", v.checkStopLossRequired},
		{"reward_risk_ratio", v.checkRewardRisk},
		{"price_band", v.checkPriceBand},
		{"quantity_bounds", v.checkQuantityBounds},
	}
	return v
}

// Evaluate runs the checks in order and returns a ValidationError for the
// first failure, or nil when the request passes all checks.
func (v *Validator) Evaluate(req *domain.OrderRequest, vc ValidationContext) *ValidationError {
	for _, c := range v.checks {
		if reason := c.fn(req, vc); reason != "" {
			return &ValidationError{Check: c.name, Reason: reason}
		}
	}
	return nil
}

// entryPrice is the price the order is expected to execute near: the limit
// price for limit orders, the last traded price otherwise. 0 when unknown.
func entryPrice(req *domain.OrderRequest, vc ValidationContext) float64 {
	if req.Type == domain.OrderTypeLimit && req.LimitPrice > 0 {
		return req.LimitPrice
	}
	return vc.LastPrice
}

func (v *Validator) checkAccountBalance(req *domain.OrderRequest, vc ValidationContext) string {
	if req.Side != domain.SideBuy {
		return ""
	}
	price := entryPrice(req, vc)
	if price <= 0 {
		// No reference price; the broker will enforce buying power.
		return ""
	}
	notional := price * float64(req.Qty)
	cost := notional * (1 + v.cfg.EstimatedFeePct)
	if cost > vc.Account.Cash {
		return fmt.Sprintf("order cost %.2f exceeds available cash %.2f", cost, vc.Account.Cash)
	}
	return ""
}

func (v *Validator) checkPositionLimit(_ *domain.OrderRequest, vc ValidationContext) string {
	if v.cfg.MaxOpenPositions > 0 && vc.OpenPositions >= v.cfg.MaxOpenPositions {
		return fmt.Sprintf("open position count %d at limit %d", vc.OpenPositions, v.cfg.MaxOpenPositions)
	}
	return ""
}

func (v *Validator) checkPerTradeRisk(req *domain.OrderRequest, vc ValidationContext) string {
	if v.cfg.MaxRiskPerTrade <= 0 || req.StopLoss <= 0 {
		return ""
	}
	price := entryPrice(req, vc)
	if price <= 0 {
		return ""
	}
	risk := math.Abs(price-req.StopLoss) * float64(req.Qty)
	limit := v.cfg.MaxRiskPerTrade * vc.Account.Equity
	if risk > limit {
		return fmt.Sprintf("per-trade risk %.2f exceeds limit %.2f", risk, limit)
	}
	return ""
}

func (v *Validator) checkDailyLossLimit(_ *domain.OrderRequest, vc ValidationContext) string {
	if v.cfg.MaxDailyLossPct <= 0 {
		return ""
	}
	limit := v.cfg.MaxDailyLossPct * vc.Account.Equity
	if vc.DailyPnL <= -limit {
		return fmt.Sprintf("daily loss %.2f already at limit %.2f", -vc.DailyPnL, limit)
	}
	return ""
}

func (v *Validator) checkStopLossRequired(req *domain.OrderRequest, _ ValidationContext) string {
	if v.cfg.RequireStopLoss && req.StopLoss <= 0 {
		return "policy requires a stop-loss price"
	}
	return ""
}

func (v *Validator) checkRewardRisk(req *domain.OrderRequest, vc ValidationContext) string {
	if v.cfg.MinRewardRisk <= 0 || req.StopLoss <= 0 || req.TakeProfit <= 0 {
		return ""
	}
	price := entryPrice(req, vc)
	if price <= 0 {
		return ""
	}
	risk := math.Abs(price - req.StopLoss)
	if risk == 0 {
		return "entry equals stop-loss, risk distance is zero"
	}
	reward := math.Abs(req.TakeProfit - price)
	ratio := reward / risk
	if ratio < v.cfg.MinRewardRisk {
		return fmt.Sprintf("reward/risk %.2f below minimum %.2f", ratio, v.cfg.MinRewardRisk)
	}
	return ""
}

func (v *Validator) checkPriceBand(req *domain.OrderRequest, vc ValidationContext) string {
	if v.cfg.PriceBandPct <= 0 || req.Type != domain.OrderTypeLimit || vc.LastPrice <= 0 {
		return ""
	}
	deviation := math.Abs(req.LimitPrice-vc.LastPrice) / vc.LastPrice
	if deviation > v.cfg.PriceBandPct {
		return fmt.Sprintf("limit price %.2f deviates %.1f%% from last trade %.2f (band %.1f%%)",
			req.LimitPrice, deviation*100, vc.LastPrice, v.cfg.PriceBandPct*100)
	}
	return ""
}

func (v *Validator) checkQuantityBounds(req *domain.OrderRequest, _ ValidationContext) string {
	if req.Qty < v.cfg.MinOrderQty {
		return fmt.Sprintf("quantity %d below minimum %d", req.Qty, v.cfg.MinOrderQty)
	}
	if v.cfg.MaxOrderQty > 0 && req.Qty > v.cfg.MaxOrderQty {
		return fmt.Sprintf("quantity %d above maximum %d", req.Qty, v.cfg.MaxOrderQty)
	}
	return ""
}
