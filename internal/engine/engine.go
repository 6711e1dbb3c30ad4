// Package engine implements the trading ledger core: pre-trade validation,
// order lifecycle management, position accounting, account-level risk
// monitoring, and reconciliation against the broker's view.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeledger/internal/broker"
	"tradeledger/internal/domain"
	"tradeledger/internal/store"
	"tradeledger/internal/util"
)

// HaltChecker is consulted before every order placement. The risk monitor
// implements it.
type HaltChecker interface {
	// Halted reports whether trading is stopped, with the cause and the time
	// the halt began.
	Halted() (bool, string, time.Time)
}

// EngineConfig holds the order manager's tunables.
type EngineConfig struct {
	MonitorInterval time.Duration // polling interval for working orders
	SubmitAttempts  int           // max gateway submission attempts
	SubmitBackoff   time.Duration // initial backoff between attempts
}

func (c *EngineConfig) applyDefaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Second
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = 3
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = 200 * time.Millisecond
	}
}

// Engine is the order manager. It owns the order lifecycle from validation
// through terminal status, feeding every fill into the position book.
type Engine struct {
	cfg       EngineConfig
	broker    broker.Broker
	orders    store.OrderStore
	book      *PositionBook
	validator *Validator
	halt      HaltChecker // nil disables the halt gate
	limiter   *util.RateLimiter
	log       *slog.Logger

	// mu guards the active map and every field of the orders it holds.
	// The monitoring loop, cancel, and modify all touch the same records;
	// single-writer discipline per order means nothing reads or writes an
	// active order's fields without holding mu.
	mu     sync.Mutex
	active map[string]*domain.Order // non-terminal orders by id
}

// NewEngine wires the order manager. halt and limiter may be nil.
func NewEngine(cfg EngineConfig, bk broker.Broker, orders store.OrderStore, book *PositionBook, v *Validator, halt HaltChecker, limiter *util.RateLimiter, log *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		broker:    bk,
		orders:    orders,
		book:      book,
		validator: v,
		halt:      halt,
		limiter:   limiter,
		log:       log,
		active:    make(map[string]*domain.Order),
	}
}

// Restore reloads non-terminal orders from the store into the monitoring set.
// Called once at startup so a restart resumes tracking working orders. An
// order that never received a broker acknowledgment cannot be polled, so it
// is rejected here rather than monitored forever; if the broker did work it,
// reconciliation adopts the resulting position.
func (e *Engine) Restore(ctx context.Context) error {
	open, err := e.orders.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("restoring open orders: %w", err)
	}

	restored := 0
	for i := range open {
		o := open[i]
		if o.BrokerOrderID == "" {
			if err := e.finalize(ctx, &o, domain.OrderStatusRejected, "no broker acknowledgment before restart"); err != nil {
				e.log.Error("resolving unacknowledged order", "order", o.ID, "error", err)
			}
			continue
		}
		e.mu.Lock()
		e.active[o.ID] = &o
		e.mu.Unlock()
		restored++
	}
	if restored > 0 {
		e.log.Info("restored working orders", "count", restored)
	}
	return nil
}

// PlaceOrder validates the request, persists the order, and submits it to
// the broker. On a validation failure nothing reaches the broker. On a
// gateway failure after retries the order is recorded as rejected and a
// SubmissionError is returned.
func (e *Engine) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if e.halt != nil {
		if halted, reason, since := e.halt.Halted(); halted {
			return nil, &TradingHaltedError{Reason: reason, Since: since}
		}
	}

	if err := req.Validate(); err != nil {
		return nil, requestError(&req, err)
	}

	vc, err := e.validationContext(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("building validation context: %w", err)
	}
	if verr := e.validator.Evaluate(&req, vc); verr != nil {
		e.log.Info("order rejected pre-trade",
			"symbol", req.Symbol, "check", verr.Check, "reason", verr.Reason)
		return nil, verr
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:           uuid.NewString(),
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		OrderRequest: req,
	}
	if err := e.orders.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persisting order: %w", err)
	}

	brokerID, err := e.submit(ctx, order)
	if err != nil {
		order.Status = domain.OrderStatusRejected
		order.RejectReason = err.Error()
		order.UpdatedAt = time.Now().UTC()
		if uerr := e.orders.UpdateOrder(ctx, order); uerr != nil {
			e.log.Error("recording submission failure", "order", order.ID, "error", uerr)
		}
		return order, &SubmissionError{Err: err}
	}

	order.BrokerOrderID = brokerID
	order.Status = domain.OrderStatusSubmitted
	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persisting submitted order: %w", err)
	}

	// The monitoring set gets its own copy; the caller's record is never
	// touched by the loops.
	monitored := *order
	e.mu.Lock()
	e.active[order.ID] = &monitored
	e.mu.Unlock()

	e.log.Info("order submitted",
		"order", order.ID, "broker_order", brokerID,
		"symbol", order.Symbol, "side", order.Side, "qty", order.Qty, "type", order.Type)
	return order, nil
}

// submit sends the order to the broker with retries. The order id travels as
// the client order id on every attempt, so a retry after a lost ack cannot
// create a duplicate at the broker.
func (e *Engine) submit(ctx context.Context, order *domain.Order) (string, error) {
	var brokerID string
	err := util.Retry(ctx, e.cfg.SubmitAttempts, e.cfg.SubmitBackoff, func() error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return util.Permanent(err)
			}
		}
		id, err := e.broker.SubmitOrder(ctx, order)
		if err != nil {
			e.log.Warn("order submission attempt failed", "order", order.ID, "error", err)
			return err
		}
		brokerID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return brokerID, nil
}

// validationContext snapshots the state the validator judges a request
// against. A missing market price is passed as zero; price-dependent checks
// then defer to the broker.
func (e *Engine) validationContext(ctx context.Context, symbol string) (ValidationContext, error) {
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return ValidationContext{}, fmt.Errorf("fetching account: %w", err)
	}

	last, err := e.broker.LastTradedPrice(ctx, symbol)
	if err != nil {
		e.log.Warn("last traded price unavailable", "symbol", symbol, "error", err)
		last = 0
	}

	return ValidationContext{
		Account:       *account,
		OpenPositions: e.book.OpenCount(),
		DailyPnL:      account.Equity - account.LastEquity,
		LastPrice:     last,
	}, nil
}

// CancelOrder requests cancellation of a working order. Cancellation of a
// terminal order returns ErrOrderNotCancellable; the final state is whatever
// the monitoring loop later confirms.
func (e *Engine) CancelOrder(ctx context.Context, id string) error {
	e.mu.Lock()
	order, ok := e.active[id]
	var brokerID string
	if ok {
		brokerID = order.BrokerOrderID
	}
	e.mu.Unlock()

	if !ok {
		stored, err := e.orders.GetOrder(ctx, id)
		if err != nil {
			return ErrOrderNotFound
		}
		if stored.Status.IsTerminal() {
			return ErrOrderNotCancellable
		}
		// Never reached the broker: cancel locally.
		if stored.BrokerOrderID == "" {
			return e.finalize(ctx, stored, domain.OrderStatusCancelled, "cancelled before submission")
		}
		brokerID = stored.BrokerOrderID
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := e.broker.CancelOrder(ctx, brokerID); err != nil {
		return fmt.Errorf("cancelling order %s: %w", id, err)
	}
	e.log.Info("cancel requested", "order", id, "broker_order", brokerID)
	return nil
}

// ModifyOrder forwards price/quantity changes for a working order. Orders
// that have not been acknowledged, or are already terminal, cannot be
// modified.
func (e *Engine) ModifyOrder(ctx context.Context, id string, changes domain.OrderChanges) error {
	if changes.Empty() {
		return fmt.Errorf("no changes requested")
	}

	e.mu.Lock()
	order, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		if _, err := e.orders.GetOrder(ctx, id); err != nil {
			return ErrOrderNotFound
		}
		return ErrOrderNotModifiable
	}
	switch order.Status {
	case domain.OrderStatusSubmitted, domain.OrderStatusOpen, domain.OrderStatusPartiallyFilled:
	default:
		e.mu.Unlock()
		return ErrOrderNotModifiable
	}
	brokerID := order.BrokerOrderID
	e.mu.Unlock()
	if brokerID == "" {
		return ErrOrderNotModifiable
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := e.broker.ModifyOrder(ctx, brokerID, changes); err != nil {
		return fmt.Errorf("modifying order %s: %w", id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok = e.active[id]
	if !ok {
		// Went terminal while the modify was in flight; the record is frozen.
		e.log.Warn("order finalized during modify", "order", id)
		return nil
	}
	if changes.Qty != nil {
		order.Qty = *changes.Qty
	}
	if changes.LimitPrice != nil {
		order.LimitPrice = *changes.LimitPrice
	}
	if changes.StopPrice != nil {
		order.StopLoss = *changes.StopPrice
	}
	order.UpdatedAt = time.Now().UTC()

	if err := e.orders.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("persisting modified order: %w", err)
	}
	e.log.Info("order modified", "order", id)
	return nil
}

// GetOrder returns the ledger's record of an order.
func (e *Engine) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := e.orders.GetOrder(ctx, id)
	if err != nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns orders, optionally filtered by status.
func (e *Engine) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return e.orders.ListOrders(ctx, status)
}

// Validate runs the pre-trade checks without placing the order.
func (e *Engine) Validate(ctx context.Context, req domain.OrderRequest) error {
	if err := req.Validate(); err != nil {
		return requestError(&req, err)
	}
	vc, err := e.validationContext(ctx, req.Symbol)
	if err != nil {
		return fmt.Errorf("building validation context: %w", err)
	}
	if verr := e.validator.Evaluate(&req, vc); verr != nil {
		return verr
	}
	return nil
}

// Run polls working orders until the context is cancelled. Gateway errors
// are logged and the next tick proceeds; polling never gives up on an order
// that has not reached a terminal status.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	e.log.Info("order monitor started", "interval", e.cfg.MonitorInterval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("order monitor stopped")
			return
		case <-ticker.C:
			e.pollOnce(ctx)
		}
	}
}

// pollOnce refreshes every working order from the broker.
func (e *Engine) pollOnce(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.refreshOrder(ctx, id); err != nil {
			e.log.Warn("order status refresh failed", "order", id, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// refreshOrder fetches the broker's view of one order and applies any fill
// delta and status change to the ledger. The position book is updated before
// the order record is persisted, so a crash between the two re-applies the
// delta on restart and the deterministic trade id makes the re-apply a no-op.
// All order-record mutation happens under e.mu, so a concurrent modify can
// never interleave with the delta bookkeeping.
func (e *Engine) refreshOrder(ctx context.Context, id string) error {
	e.mu.Lock()
	order, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	brokerID := order.BrokerOrderID
	e.mu.Unlock()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	snap, err := e.broker.GetOrderStatus(ctx, brokerID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok = e.active[id]
	if !ok {
		// Finalized while the status call was in flight.
		return nil
	}

	cum := snap.FilledQty
	if cum > order.Qty {
		// The broker can never fill more than was requested; clamp and flag.
		e.log.Error("broker reports overfill",
			"order", order.ID, "requested", order.Qty, "filled", cum)
		cum = order.Qty
	}

	if delta := cum - order.FilledQty; delta > 0 {
		price := fillDeltaPrice(order.FilledQty, order.AvgFillPrice, cum, snap.AvgFillPrice)
		trade := domain.Trade{
			// Deterministic per cumulative quantity: re-applying the same
			// delta after a crash collides on the trade id and is dropped.
			ID:         fmt.Sprintf("%s-%d", order.ID, cum),
			OrderID:    order.ID,
			Symbol:     order.Symbol,
			Side:       order.Side,
			Qty:        delta,
			Price:      price,
			StrategyID: order.StrategyID,
			ExecutedAt: time.Now().UTC(),
		}
		if err := e.book.ApplyFill(ctx, trade); err != nil {
			return fmt.Errorf("applying fill: %w", err)
		}
		if order.StopLoss > 0 {
			e.book.SetStopLoss(order.Symbol, order.StopLoss)
		}
		order.FilledQty = cum
		order.AvgFillPrice = snap.AvgFillPrice
	}

	if snap.Status != order.Status {
		if !order.Status.CanTransitionTo(snap.Status) {
			// Stale or out-of-order broker update; keep the local status.
			e.log.Warn("ignoring illegal status transition",
				"order", order.ID, "from", order.Status, "to", snap.Status)
			return nil
		}
		e.log.Info("order status changed",
			"order", order.ID, "from", order.Status, "to", snap.Status,
			"filled", order.FilledQty, "of", order.Qty)
		order.Status = snap.Status
	}

	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("persisting order: %w", err)
	}

	if order.Status.IsTerminal() {
		delete(e.active, order.ID)
	}
	return nil
}

// finalize moves an order to a terminal status and drops it from the
// monitoring set.
func (e *Engine) finalize(ctx context.Context, order *domain.Order, status domain.OrderStatus, reason string) error {
	order.Status = status
	if status == domain.OrderStatusRejected {
		order.RejectReason = reason
	}
	order.UpdatedAt = time.Now().UTC()
	if err := e.orders.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("persisting order: %w", err)
	}

	e.mu.Lock()
	delete(e.active, order.ID)
	e.mu.Unlock()

	e.log.Info("order finalized", "order", order.ID, "status", status, "reason", reason)
	return nil
}

// requestError reports a structural request violation in the validator's
// check vocabulary: a non-positive quantity surfaces as quantity_bounds,
// the same check name the ordered evaluation would report.
func requestError(req *domain.OrderRequest, err error) *ValidationError {
	if req.Qty <= 0 {
		return &ValidationError{Check: "quantity_bounds", Reason: err.Error()}
	}
	return &ValidationError{Check: "request", Reason: err.Error()}
}

// fillDeltaPrice recovers the price of the latest fill delta from two
// cumulative average-price snapshots.
func fillDeltaPrice(prevCum int64, prevAvg float64, cum int64, avg float64) float64 {
	delta := cum - prevCum
	if delta <= 0 {
		return avg
	}
	price := (float64(cum)*avg - float64(prevCum)*prevAvg) / float64(delta)
	if price <= 0 {
		// Degenerate snapshot; fall back to the cumulative average.
		return avg
	}
	return price
}
