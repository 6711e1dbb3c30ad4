// Package broker defines the Broker interface the ledger submits orders
// through, with an Alpaca-backed implementation and an in-memory simulator
// for paper trading and tests.
package broker

import (
	"context"
	"errors"

	"tradeledger/internal/domain"
)

// ErrOrderUnknown is returned by status queries for an order the broker has
// no record of.
var ErrOrderUnknown = errors.New("broker: unknown order")

// Broker abstracts the brokerage. It is treated as an unreliable,
// eventually-consistent remote system: every method may fail transiently,
// and the status/position queries are safe to repeat.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends the order for execution and returns the
	// broker-assigned order id. The local order id is passed along as the
	// client order id so a retried submission cannot create a duplicate.
	SubmitOrder(ctx context.Context, order *domain.Order) (string, error)

	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// ModifyOrder replaces price/quantity/trigger fields of a working order.
	ModifyOrder(ctx context.Context, brokerOrderID string, changes domain.OrderChanges) error

	// GetOrderStatus returns the broker's current view of the order.
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*domain.OrderStatusSnapshot, error)

	// GetPositions returns the broker's authoritative position snapshot.
	GetPositions(ctx context.Context) ([]domain.BrokerPosition, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// LastTradedPrice returns the most recent trade price for the symbol.
	LastTradedPrice(ctx context.Context, symbol string) (float64, error)
}
