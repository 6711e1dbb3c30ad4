package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradeledger/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ TradeStore = (*SQLiteStore)(nil)
var _ ReconciliationStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	broker_order_id TEXT NOT NULL DEFAULT '',
	symbol          TEXT NOT NULL,
	exchange        TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL,
	qty             INTEGER NOT NULL,
	type            TEXT NOT NULL,
	limit_price     REAL NOT NULL DEFAULT 0,
	product         TEXT NOT NULL DEFAULT '',
	time_in_force   TEXT NOT NULL DEFAULT '',
	stop_loss       REAL NOT NULL DEFAULT 0,
	take_profit     REAL NOT NULL DEFAULT 0,
	strategy_id     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	filled_qty      INTEGER NOT NULL DEFAULT 0,
	avg_fill_price  REAL NOT NULL DEFAULT 0,
	reject_reason   TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS positions (
	symbol         TEXT PRIMARY KEY,
	qty            INTEGER NOT NULL,
	avg_price      REAL NOT NULL DEFAULT 0,
	realized_pnl   REAL NOT NULL DEFAULT 0,
	unrealized_pnl REAL NOT NULL DEFAULT 0,
	last_price     REAL NOT NULL DEFAULT 0,
	high_water     REAL NOT NULL DEFAULT 0,
	low_water      REAL NOT NULL DEFAULT 0,
	stop_loss      REAL NOT NULL DEFAULT 0,
	opened_at      INTEGER NOT NULL DEFAULT 0,
	closed_at      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	qty         INTEGER NOT NULL,
	price       REAL NOT NULL,
	strategy_id TEXT NOT NULL DEFAULT '',
	executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_executed ON trades(executed_at);

CREATE TABLE IF NOT EXISTS reconciliation_log (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	local_qty        INTEGER NOT NULL,
	broker_qty       INTEGER NOT NULL,
	local_avg_price  REAL NOT NULL DEFAULT 0,
	broker_avg_price REAL NOT NULL DEFAULT 0,
	resolution       TEXT NOT NULL DEFAULT '',
	detected_at      INTEGER NOT NULL
);
`

// SQLiteStore implements OrderStore, PositionStore, TradeStore, and
// ReconciliationStore backed by a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if missing, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite handles one writer at a time; serialize through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, broker_order_id, symbol, exchange, side, qty, type, limit_price,
			product, time_in_force, stop_loss, take_profit, strategy_id,
			status, filled_qty, avg_fill_price, reject_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BrokerOrderID, o.Symbol, o.Exchange, o.OrderRequest.Side, o.Qty,
		o.Type, o.LimitPrice, o.Product, o.TimeInForce, o.StopLoss, o.TakeProfit,
		o.StrategyID, o.Status, o.FilledQty, o.AvgFillPrice, o.RejectReason,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder persists changes to an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			broker_order_id = ?, status = ?, qty = ?, limit_price = ?,
			filled_qty = ?, avg_fill_price = ?, reject_reason = ?, updated_at = ?
		WHERE id = ?`,
		o.BrokerOrderID, o.Status, o.Qty, o.LimitPrice,
		o.FilledQty, o.AvgFillPrice, o.RejectReason, o.UpdatedAt.UnixMilli(), o.ID,
	)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating order %s: no such row", o.ID)
	}
	return nil
}

const orderColumns = `
	id, broker_order_id, symbol, exchange, side, qty, type, limit_price,
	product, time_in_force, stop_loss, take_profit, strategy_id,
	status, filled_qty, avg_fill_price, reject_reason, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var o domain.Order
	var created, updated int64
	err := row.Scan(
		&o.ID, &o.BrokerOrderID, &o.Symbol, &o.Exchange, &o.OrderRequest.Side,
		&o.Qty, &o.Type, &o.LimitPrice, &o.Product, &o.TimeInForce,
		&o.StopLoss, &o.TakeProfit, &o.StrategyID,
		&o.Status, &o.FilledQty, &o.AvgFillPrice, &o.RejectReason,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	o.CreatedAt = time.UnixMilli(created).UTC()
	o.UpdatedAt = time.UnixMilli(updated).UTC()
	return &o, nil
}

// GetOrder retrieves a single order by its local id. Returns sql.ErrNoRows
// wrapped when the order does not exist.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("fetching order %s: %w", id, err)
	}
	return o, nil
}

// ListOrders returns all orders with the given status, or every order when
// status is empty. Newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + orderColumns + ` FROM orders WHERE status = ? ORDER BY created_at DESC`
		args = append(args, status)
	}
	return s.queryOrders(ctx, query, args...)
}

// ListOpenOrders returns all orders that are not in a terminal status.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN (?, ?, ?, ?)
		ORDER BY created_at`,
		domain.OrderStatusFilled, domain.OrderStatusCancelled,
		domain.OrderStatusRejected, domain.OrderStatusExpired,
	)
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates the position for a symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	var closedAt int64
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (
			symbol, qty, avg_price, realized_pnl, unrealized_pnl,
			last_price, high_water, low_water, stop_loss, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty, avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl, unrealized_pnl = excluded.unrealized_pnl,
			last_price = excluded.last_price, high_water = excluded.high_water,
			low_water = excluded.low_water, stop_loss = excluded.stop_loss,
			opened_at = excluded.opened_at, closed_at = excluded.closed_at`,
		p.Symbol, p.Qty, p.AvgPrice, p.RealizedPnL, p.UnrealizedPnL,
		p.LastPrice, p.HighWater, p.LowWater, p.StopLoss,
		p.OpenedAt.UnixMilli(), closedAt,
	)
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.Symbol, err)
	}
	return nil
}

func scanPosition(row interface{ Scan(...any) error }) (*domain.Position, error) {
	var p domain.Position
	var opened, closed int64
	err := row.Scan(
		&p.Symbol, &p.Qty, &p.AvgPrice, &p.RealizedPnL, &p.UnrealizedPnL,
		&p.LastPrice, &p.HighWater, &p.LowWater, &p.StopLoss, &opened, &closed,
	)
	if err != nil {
		return nil, err
	}
	p.OpenedAt = time.UnixMilli(opened).UTC()
	if closed != 0 {
		p.ClosedAt = time.UnixMilli(closed).UTC()
	}
	return &p, nil
}

// GetPosition retrieves the position for a symbol.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, qty, avg_price, realized_pnl, unrealized_pnl,
		       last_price, high_water, low_water, stop_loss, opened_at, closed_at
		FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("fetching position %s: %w", symbol, err)
	}
	return p, nil
}

// ListPositions returns all open (non-flat) positions.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, qty, avg_price, realized_pnl, unrealized_pnl,
		       last_price, high_water, low_water, stop_loss, opened_at, closed_at
		FROM positions WHERE qty != 0 ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning position row: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// SaveTrade appends one fill record.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, symbol, side, qty, price, strategy_id, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, t.Symbol, t.Side, t.Qty, t.Price, t.StrategyID,
		t.ExecutedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns trades executed within [start, end], oldest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, start, end time.Time) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, qty, price, strategy_id, executed_at
		FROM trades WHERE executed_at BETWEEN ? AND ? ORDER BY executed_at`,
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var executed int64
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Qty,
			&t.Price, &t.StrategyID, &executed); err != nil {
			return nil, fmt.Errorf("scanning trade row: %w", err)
		}
		t.ExecutedAt = time.UnixMilli(executed).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ---------------------------------------------------------------------------
// ReconciliationStore implementation
// ---------------------------------------------------------------------------

// SaveDiscrepancy appends one discrepancy record.
func (s *SQLiteStore) SaveDiscrepancy(ctx context.Context, d *domain.Discrepancy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_log (
			id, type, symbol, local_qty, broker_qty,
			local_avg_price, broker_avg_price, resolution, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Type, d.Symbol, d.LocalQty, d.BrokerQty,
		d.LocalAvgPrice, d.BrokerAvgPrice, d.Resolution, d.DetectedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting discrepancy %s: %w", d.ID, err)
	}
	return nil
}

// ListDiscrepancies returns the most recent discrepancies, newest first.
func (s *SQLiteStore) ListDiscrepancies(ctx context.Context, limit int) ([]domain.Discrepancy, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, symbol, local_qty, broker_qty,
		       local_avg_price, broker_avg_price, resolution, detected_at
		FROM reconciliation_log ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing discrepancies: %w", err)
	}
	defer rows.Close()

	var out []domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		var detected int64
		if err := rows.Scan(&d.ID, &d.Type, &d.Symbol, &d.LocalQty, &d.BrokerQty,
			&d.LocalAvgPrice, &d.BrokerAvgPrice, &d.Resolution, &detected); err != nil {
			return nil, fmt.Errorf("scanning discrepancy row: %w", err)
		}
		d.DetectedAt = time.UnixMilli(detected).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
