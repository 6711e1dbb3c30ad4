package broker

import (
	"context"
	"fmt"
	"sync"

	"tradeledger/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

type simOrder struct {
	id           string
	symbol       string
	side         domain.Side
	qty          int64
	limitPrice   float64
	orderType    domain.OrderType
	status       domain.OrderStatus
	filledQty    int64
	avgFillPrice float64
}

// SimulatorBroker implements the Broker interface in memory for paper
// trading and tests. Market orders fill fully at the last set price as soon
// as they are submitted; limit orders rest open until filled explicitly via
// Fill. Error-injection hooks simulate gateway failures.
type SimulatorBroker struct {
	mu        sync.Mutex
	nextID    int
	orders    map[string]*simOrder
	prices    map[string]float64
	positions map[string]*domain.BrokerPosition
	account   domain.AccountInfo

	submitErr error // returned by the next SubmitOrder, then cleared
	statusErr error // returned by every GetOrderStatus until cleared
}

// NewSimulatorBroker creates a SimulatorBroker with a default paper account.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		orders:    make(map[string]*simOrder),
		prices:    make(map[string]float64),
		positions: make(map[string]*domain.BrokerPosition),
		account: domain.AccountInfo{
			Equity:      100_000,
			LastEquity:  100_000,
			Cash:        100_000,
			BuyingPower: 200_000,
		},
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string { return "simulator" }

// SetPrice sets the last traded price for a symbol.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetAccount overrides the simulated account snapshot.
func (b *SimulatorBroker) SetAccount(acct domain.AccountInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account = acct
}

// SetPosition force-sets the broker-side position snapshot for a symbol.
// Passing qty 0 removes the position.
func (b *SimulatorBroker) SetPosition(symbol string, qty int64, avgPrice float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty == 0 {
		delete(b.positions, symbol)
		return
	}
	b.positions[symbol] = &domain.BrokerPosition{Symbol: symbol, Qty: qty, AvgPrice: avgPrice}
}

// FailNextSubmit makes the next SubmitOrder call return err.
func (b *SimulatorBroker) FailNextSubmit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = err
}

// SetStatusErr makes GetOrderStatus fail with err until cleared with nil.
func (b *SimulatorBroker) SetStatusErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusErr = err
}

// SubmitOrder records the order. Market orders execute immediately at the
// last set price (falling back to the limit price, then 100).
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order *domain.Order) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.submitErr != nil {
		err := b.submitErr
		b.submitErr = nil
		return "", err
	}

	// Client-order-id dedup, as a real broker would do.
	for id, o := range b.orders {
		if o.id == order.ID {
			return id, nil
		}
	}

	b.nextID++
	brokerID := fmt.Sprintf("sim-%d", b.nextID)
	so := &simOrder{
		id:         order.ID,
		symbol:     order.Symbol,
		side:       order.OrderRequest.Side,
		qty:        order.Qty,
		limitPrice: order.LimitPrice,
		orderType:  order.Type,
		status:     domain.OrderStatusOpen,
	}
	b.orders[brokerID] = so

	if so.orderType == domain.OrderTypeMarket {
		price := b.prices[so.symbol]
		if price == 0 {
			price = so.limitPrice
		}
		if price == 0 {
			price = 100
		}
		b.executeLocked(so, so.qty, price)
	}

	return brokerID, nil
}

// Fill executes quantity against a resting order at the given price. It is
// the test hook for partial fills on limit orders.
func (b *SimulatorBroker) Fill(brokerOrderID string, qty int64, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	so, ok := b.orders[brokerOrderID]
	if !ok {
		return ErrOrderUnknown
	}
	if so.status.IsTerminal() {
		return fmt.Errorf("order %s already %s", brokerOrderID, so.status)
	}
	if qty <= 0 || so.filledQty+qty > so.qty {
		return fmt.Errorf("invalid fill qty %d for order %s", qty, brokerOrderID)
	}
	b.executeLocked(so, qty, price)
	return nil
}

// executeLocked applies a fill to the order and the broker-side position
// book. Caller holds b.mu.
func (b *SimulatorBroker) executeLocked(so *simOrder, qty int64, price float64) {
	total := float64(so.filledQty)*so.avgFillPrice + float64(qty)*price
	so.filledQty += qty
	so.avgFillPrice = total / float64(so.filledQty)
	if so.filledQty == so.qty {
		so.status = domain.OrderStatusFilled
	} else {
		so.status = domain.OrderStatusPartiallyFilled
	}

	signed := qty
	if so.side == domain.SideSell {
		signed = -qty
	}
	pos := b.positions[so.symbol]
	if pos == nil {
		b.positions[so.symbol] = &domain.BrokerPosition{Symbol: so.symbol, Qty: signed, AvgPrice: price}
		return
	}
	newQty := pos.Qty + signed
	if newQty == 0 {
		delete(b.positions, so.symbol)
		return
	}
	if (pos.Qty > 0) == (newQty > 0) && abs(newQty) > abs(pos.Qty) {
		pos.AvgPrice = (float64(abs(pos.Qty))*pos.AvgPrice + float64(abs(signed))*price) / float64(abs(newQty))
	} else if (pos.Qty > 0) != (newQty > 0) {
		pos.AvgPrice = price
	}
	pos.Qty = newQty
}

// CancelOrder marks a working order cancelled.
func (b *SimulatorBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	so, ok := b.orders[brokerOrderID]
	if !ok {
		return ErrOrderUnknown
	}
	if so.status.IsTerminal() {
		return fmt.Errorf("order %s already %s", brokerOrderID, so.status)
	}
	so.status = domain.OrderStatusCancelled
	return nil
}

// ModifyOrder applies the requested changes to a working order.
func (b *SimulatorBroker) ModifyOrder(_ context.Context, brokerOrderID string, changes domain.OrderChanges) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	so, ok := b.orders[brokerOrderID]
	if !ok {
		return ErrOrderUnknown
	}
	if so.status.IsTerminal() {
		return fmt.Errorf("order %s already %s", brokerOrderID, so.status)
	}
	if changes.Qty != nil {
		so.qty = *changes.Qty
	}
	if changes.LimitPrice != nil {
		so.limitPrice = *changes.LimitPrice
	}
	return nil
}

// GetOrderStatus returns the simulator's view of the order.
func (b *SimulatorBroker) GetOrderStatus(_ context.Context, brokerOrderID string) (*domain.OrderStatusSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.statusErr != nil {
		return nil, b.statusErr
	}
	so, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, ErrOrderUnknown
	}
	return &domain.OrderStatusSnapshot{
		Status:       so.status,
		FilledQty:    so.filledQty,
		AvgFillPrice: so.avgFillPrice,
	}, nil
}

// GetPositions returns a copy of the simulated position snapshot.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

// GetAccount returns the simulated account snapshot.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct := b.account
	return &acct, nil
}

// LastTradedPrice returns the last price set for the symbol.
func (b *SimulatorBroker) LastTradedPrice(_ context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no last trade for %s", symbol)
	}
	return price, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
