// Package domain defines the core types shared across the trading ledger:
// order requests, orders, positions, fills, risk summaries, and the
// reconciliation discrepancy record.
package domain

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls how long an order stays working at the broker.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
)

// ProductType distinguishes cash from margin orders.
type ProductType string

const (
	ProductCash   ProductType = "cash"
	ProductMargin ProductType = "margin"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further transition is possible from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// transitions is the monotonic lifecycle table. A status maps to the set of
// statuses it may move to; terminal statuses map to nothing.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated: {OrderStatusPending},
	OrderStatusPending: {OrderStatusSubmitted, OrderStatusOpen, OrderStatusRejected},
	OrderStatusSubmitted: {
		OrderStatusOpen, OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired,
	},
	OrderStatusOpen: {
		OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCancelled, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled, OrderStatusFilled,
		OrderStatusCancelled, OrderStatusExpired,
	},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// transition.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderRequest is the immutable input to order placement as produced by a
// strategy.
type OrderRequest struct {
	Symbol      string      `json:"symbol"`
	Exchange    string      `json:"exchange"`
	Side        Side        `json:"side"`
	Qty         int64       `json:"qty"`
	Type        OrderType   `json:"type"`
	LimitPrice  float64     `json:"limit_price,omitempty"`
	Product     ProductType `json:"product"`
	TimeInForce TimeInForce `json:"time_in_force"`
	StopLoss    float64     `json:"stop_loss,omitempty"`   // 0 = none
	TakeProfit  float64     `json:"take_profit,omitempty"` // 0 = none
	StrategyID  string      `json:"strategy_id"`
}

// Validate checks the structural invariants that hold for every request
// regardless of account state: positive quantity and, for limit orders, a
// positive limit price.
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order request missing symbol")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("invalid order side %q", r.Side)
	}
	if r.Qty <= 0 {
		return fmt.Errorf("order quantity must be positive, got %d", r.Qty)
	}
	if r.Type == OrderTypeLimit && r.LimitPrice <= 0 {
		return fmt.Errorf("limit order requires a positive limit price")
	}
	return nil
}

// Order is the ledger's record of a single order. It is owned by the order
// manager until it reaches a terminal status, after which it is frozen.
type Order struct {
	ID            string      `json:"id"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	Status        OrderStatus `json:"status"`
	FilledQty     int64       `json:"filled_qty"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	RejectReason  string      `json:"reject_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`

	OrderRequest
}

// ---------------------------------------------------------------------------
// Positions and fills
// ---------------------------------------------------------------------------

// PositionSide describes the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// Position is the ledger's record for one symbol. Qty is signed: positive is
// long, negative is short, zero is flat. AvgPrice is meaningless while flat.
type Position struct {
	Symbol        string    `json:"symbol"`
	Qty           int64     `json:"qty"`
	AvgPrice      float64   `json:"avg_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	LastPrice     float64   `json:"last_price"`
	HighWater     float64   `json:"high_water"` // highest price seen while open
	LowWater      float64   `json:"low_water"`  // lowest price seen while open
	StopLoss      float64   `json:"stop_loss,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
	ClosedAt      time.Time `json:"closed_at,omitempty"` // zero while open
}

// Flat reports whether the position is closed.
func (p *Position) Flat() bool { return p.Qty == 0 }

// Side returns long, short, or flat based on the signed quantity.
func (p *Position) Side() PositionSide {
	switch {
	case p.Qty > 0:
		return PositionSideLong
	case p.Qty < 0:
		return PositionSideShort
	default:
		return PositionSideFlat
	}
}

// Trade is one fill: a partial or complete execution of an order. Trades are
// immutable once recorded.
type Trade struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        int64     `json:"qty"`
	Price      float64   `json:"price"`
	StrategyID string    `json:"strategy_id,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// ---------------------------------------------------------------------------
// Broker snapshots
// ---------------------------------------------------------------------------

// OrderStatusSnapshot is the broker's point-in-time view of one order.
type OrderStatusSnapshot struct {
	Status       OrderStatus
	FilledQty    int64
	AvgFillPrice float64
}

// BrokerPosition is the broker's view of one position.
type BrokerPosition struct {
	Symbol   string
	Qty      int64
	AvgPrice float64
}

// AccountInfo is a snapshot of the account's financial metrics.
type AccountInfo struct {
	Equity      float64 `json:"equity"`
	LastEquity  float64 `json:"last_equity"` // equity at previous session close
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
}

// OrderChanges carries the fields that may be modified on a working order.
// Nil fields are left unchanged.
type OrderChanges struct {
	Qty        *int64   `json:"qty,omitempty"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
	StopPrice  *float64 `json:"stop_price,omitempty"`
}

// Empty reports whether no change is requested.
func (c OrderChanges) Empty() bool {
	return c.Qty == nil && c.LimitPrice == nil && c.StopPrice == nil
}

// ---------------------------------------------------------------------------
// Risk
// ---------------------------------------------------------------------------

// RiskSummary is the account-level risk picture, recomputed on demand.
type RiskSummary struct {
	CurrentValue    float64   `json:"current_value"`
	PeakValue       float64   `json:"peak_value"`
	DailyPnL        float64   `json:"daily_pnl"`
	DailyPnLPct     float64   `json:"daily_pnl_pct"`
	Drawdown        float64   `json:"drawdown"`
	DrawdownPct     float64   `json:"drawdown_pct"`
	OpenPositions   int       `json:"open_positions"`
	KillSwitch      bool      `json:"kill_switch"`
	KillSwitchCause string    `json:"kill_switch_cause,omitempty"`
	KillSwitchAt    time.Time `json:"kill_switch_at,omitempty"`
}

// PositionRisk describes the risk carried by a single open position.
type PositionRisk struct {
	Symbol         string  `json:"symbol"`
	Qty            int64   `json:"qty"`
	DistanceToStop float64 `json:"distance_to_stop"` // 0 when no stop is set
	RiskAmount     float64 `json:"risk_amount"`      // distance * |qty|
	Weight         float64 `json:"weight"`           // |notional| / equity
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// DiscrepancyType classifies a reconciliation finding.
type DiscrepancyType string

const (
	// DiscrepancyUnknownPosition means the broker reports a position the
	// ledger does not have.
	DiscrepancyUnknownPosition DiscrepancyType = "unknown_position"
	// DiscrepancyPhantomPosition means the ledger has an open position the
	// broker does not report.
	DiscrepancyPhantomPosition DiscrepancyType = "phantom_position"
	// DiscrepancyQtyMismatch means both sides report the symbol but disagree
	// on quantity.
	DiscrepancyQtyMismatch DiscrepancyType = "quantity_mismatch"
	// DiscrepancyPriceMismatch means quantities agree but average entry
	// prices diverge.
	DiscrepancyPriceMismatch DiscrepancyType = "price_mismatch"
)

// Discrepancy is one append-only reconciliation log entry. Both the local and
// broker values are retained so the correction can be audited later.
type Discrepancy struct {
	ID             string          `json:"id"`
	Type           DiscrepancyType `json:"type"`
	Symbol         string          `json:"symbol"`
	LocalQty       int64           `json:"local_qty"`
	BrokerQty      int64           `json:"broker_qty"`
	LocalAvgPrice  float64         `json:"local_avg_price"`
	BrokerAvgPrice float64         `json:"broker_avg_price"`
	Resolution     string          `json:"resolution"`
	DetectedAt     time.Time       `json:"detected_at"`
}
