// Package store defines storage interfaces for the ledger's persisted state
// (orders, positions, trades, reconciliation log) and provides a SQLite
// implementation plus a Parquet trade journal for offline analysis.
package store

import (
	"context"
	"time"

	"tradeledger/internal/domain"
)

// OrderStore persists order records. A row is mutated in place until the
// order reaches a terminal status, after which it is frozen.
type OrderStore interface {
	// SaveOrder inserts a new order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its local id.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders with the given status, or every order
	// when status is empty.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// ListOpenOrders returns all orders that are not in a terminal status.
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// PositionStore persists position records, one row per symbol. Closed
// positions are retained for history.
type PositionStore interface {
	// SavePosition inserts or updates the position for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves the position for a symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all open (non-flat) positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)
}

// TradeStore persists fill records. Trades are immutable once saved.
type TradeStore interface {
	// SaveTrade appends one fill record.
	SaveTrade(ctx context.Context, trade *domain.Trade) error

	// ListTrades returns trades executed within [start, end], oldest first.
	ListTrades(ctx context.Context, start, end time.Time) ([]domain.Trade, error)
}

// ReconciliationStore persists the append-only discrepancy log.
type ReconciliationStore interface {
	// SaveDiscrepancy appends one discrepancy record.
	SaveDiscrepancy(ctx context.Context, d *domain.Discrepancy) error

	// ListDiscrepancies returns the most recent discrepancies, newest first,
	// up to limit.
	ListDiscrepancies(ctx context.Context, limit int) ([]domain.Discrepancy, error)
}
