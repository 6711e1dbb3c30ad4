package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"tradeledger/internal/domain"
	"tradeledger/internal/store"
)

// TradeJournal archives fills outside the primary store. Optional.
type TradeJournal interface {
	Append(ctx context.Context, trades []domain.Trade) error
}

// PositionBook owns position accounting: open quantity, average price, and
// realized/unrealized P&L per symbol. All mutation goes through ApplyFill and
// ForceSet, serialized by one mutex so a fill and a reconciliation overwrite
// can never interleave.
type PositionBook struct {
	mu        sync.Mutex
	positions map[string]*domain.Position

	store   store.PositionStore
	trades  store.TradeStore
	journal TradeJournal // nil disables archival
	log     *slog.Logger
}

// NewPositionBook creates an empty book persisting through the given stores.
// journal may be nil.
func NewPositionBook(ps store.PositionStore, ts store.TradeStore, journal TradeJournal, log *slog.Logger) *PositionBook {
	return &PositionBook{
		positions: make(map[string]*domain.Position),
		store:     ps,
		trades:    ts,
		journal:   journal,
		log:       log,
	}
}

// Load warms the book from the position store. Called once at startup.
func (b *PositionBook) Load(ctx context.Context) error {
	positions, err := b.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading positions: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range positions {
		p := positions[i]
		b.positions[p.Symbol] = &p
	}
	return nil
}

// ApplyFill is the single mutation entry point for executions. It records
// the trade, classifies the fill against the existing position (open, add,
// reduce, close, reversal), and persists the result. Trade ids are
// deterministic per fill delta, so re-applying an already recorded fill is a
// no-op.
func (b *PositionBook) ApplyFill(ctx context.Context, trade domain.Trade) error {
	if trade.Qty <= 0 {
		return fmt.Errorf("fill quantity must be positive, got %d", trade.Qty)
	}
	if trade.Price <= 0 {
		return fmt.Errorf("fill price must be positive, got %v", trade.Price)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Record the trade first. A duplicate id means this delta was already
	// applied on a previous pass; skip the position mutation.
	if err := b.trades.SaveTrade(ctx, &trade); err != nil {
		if isDuplicate(err) {
			b.log.Warn("fill already applied", "trade", trade.ID)
			return nil
		}
		return fmt.Errorf("recording trade %s: %w", trade.ID, err)
	}

	signed := trade.Qty
	if trade.Side == domain.SideSell {
		signed = -trade.Qty
	}

	pos, ok := b.positions[trade.Symbol]
	if !ok || pos.Qty == 0 {
		pos = b.openLocked(pos, trade, signed)
	} else if sameSign(pos.Qty, signed) {
		// Adding to the position: weighted-average the entry price.
		oldAbs := float64(abs64(pos.Qty))
		fillAbs := float64(trade.Qty)
		pos.AvgPrice = (oldAbs*pos.AvgPrice + fillAbs*trade.Price) / (oldAbs + fillAbs)
		pos.Qty += signed
	} else {
		closed := min64(abs64(signed), abs64(pos.Qty))
		pos.RealizedPnL += closeOutPnL(pos.Qty, pos.AvgPrice, trade.Price, closed)

		switch {
		case abs64(signed) < abs64(pos.Qty):
			// Partial close: magnitude shrinks, average price unchanged.
			pos.Qty += signed
		case abs64(signed) == abs64(pos.Qty):
			// Exact close.
			pos.Qty = 0
			pos.AvgPrice = 0
			pos.ClosedAt = trade.ExecutedAt
		default:
			// Reversal: close the old quantity, then open the residual on
			// the other side at the fill price.
			residual := signed + pos.Qty
			pos.Qty = residual
			pos.AvgPrice = trade.Price
			pos.OpenedAt = trade.ExecutedAt
			pos.ClosedAt = time.Time{}
			pos.HighWater = trade.Price
			pos.LowWater = trade.Price
			pos.StopLoss = 0
		}
	}

	b.markLocked(pos, trade.Price)
	b.positions[trade.Symbol] = pos

	if err := b.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("persisting position %s: %w", trade.Symbol, err)
	}

	if b.journal != nil {
		if err := b.journal.Append(ctx, []domain.Trade{trade}); err != nil {
			// Archival is best-effort; the trades table holds the record.
			b.log.Warn("archiving trade", "trade", trade.ID, "error", err)
		}
	}

	b.log.Info("fill applied",
		"symbol", trade.Symbol, "side", trade.Side, "qty", trade.Qty,
		"price", trade.Price, "position_qty", pos.Qty, "realized_pnl", pos.RealizedPnL)
	return nil
}

// openLocked starts a new position from a fill, carrying forward realized
// P&L history when the symbol traded before.
func (b *PositionBook) openLocked(prev *domain.Position, trade domain.Trade, signed int64) *domain.Position {
	pos := &domain.Position{
		Symbol:    trade.Symbol,
		Qty:       signed,
		AvgPrice:  trade.Price,
		OpenedAt:  trade.ExecutedAt,
		HighWater: trade.Price,
		LowWater:  trade.Price,
	}
	if prev != nil {
		pos.RealizedPnL = prev.RealizedPnL
	}
	return pos
}

// UpdateMarketPrice recomputes unrealized P&L and the drawdown watermarks
// from a new market price. Safe to call for symbols with no position.
func (b *PositionBook) UpdateMarketPrice(ctx context.Context, symbol string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("market price must be positive, got %v", price)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || pos.Qty == 0 {
		return nil
	}

	b.markLocked(pos, price)
	if err := b.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("persisting position %s: %w", symbol, err)
	}
	return nil
}

// markLocked refreshes LastPrice, watermarks, and unrealized P&L. Caller
// holds b.mu.
func (b *PositionBook) markLocked(pos *domain.Position, price float64) {
	pos.LastPrice = price
	if pos.Qty == 0 {
		pos.UnrealizedPnL = 0
		return
	}
	if price > pos.HighWater {
		pos.HighWater = price
	}
	if pos.LowWater == 0 || price < pos.LowWater {
		pos.LowWater = price
	}
	pos.UnrealizedPnL = (price - pos.AvgPrice) * float64(pos.Qty)
}

// ForceSet overwrites quantity and average price from an authoritative
// broker snapshot. Realized P&L history is preserved; only the open state is
// synced (see DESIGN.md on the reconciliation policy).
func (b *PositionBook) ForceSet(ctx context.Context, symbol string, qty int64, avgPrice float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol, OpenedAt: time.Now().UTC()}
		b.positions[symbol] = pos
	}

	wasFlat := pos.Qty == 0
	pos.Qty = qty
	pos.AvgPrice = avgPrice
	if qty == 0 {
		pos.AvgPrice = 0
		pos.UnrealizedPnL = 0
		if pos.ClosedAt.IsZero() {
			pos.ClosedAt = time.Now().UTC()
		}
	} else {
		pos.ClosedAt = time.Time{}
		if wasFlat {
			pos.OpenedAt = time.Now().UTC()
			pos.HighWater = avgPrice
			pos.LowWater = avgPrice
		}
		if pos.LastPrice > 0 {
			pos.UnrealizedPnL = (pos.LastPrice - pos.AvgPrice) * float64(pos.Qty)
		}
	}

	if err := b.store.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("persisting position %s: %w", symbol, err)
	}
	return nil
}

// SetStopLoss attaches a protective stop to an open position, used for
// per-position risk queries.
func (b *PositionBook) SetStopLoss(symbol string, stop float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[symbol]; ok && pos.Qty != 0 {
		pos.StopLoss = stop
	}
}

// Get returns a copy of the position for a symbol.
func (b *PositionBook) Get(symbol string) (domain.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// List returns copies of all open (non-flat) positions.
func (b *PositionBook) List() []domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		if pos.Qty != 0 {
			out = append(out, *pos)
		}
	}
	return out
}

// OpenCount returns the number of open positions.
func (b *PositionBook) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, pos := range b.positions {
		if pos.Qty != 0 {
			n++
		}
	}
	return n
}

// TotalUnrealized sums unrealized P&L across open positions.
func (b *PositionBook) TotalUnrealized() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0.0
	for _, pos := range b.positions {
		if pos.Qty != 0 {
			total += pos.UnrealizedPnL
		}
	}
	return total
}

// PositionRisk derives distance-to-stop and position weight for an open
// position without mutating it.
func (b *PositionBook) PositionRisk(symbol string, equity float64) (domain.PositionRisk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok || pos.Qty == 0 {
		return domain.PositionRisk{}, fmt.Errorf("no open position for %s", symbol)
	}

	risk := domain.PositionRisk{Symbol: symbol, Qty: pos.Qty}
	ref := pos.LastPrice
	if ref == 0 {
		ref = pos.AvgPrice
	}
	if pos.StopLoss > 0 {
		risk.DistanceToStop = math.Abs(ref - pos.StopLoss)
		risk.RiskAmount = risk.DistanceToStop * float64(abs64(pos.Qty))
	}
	if equity > 0 {
		risk.Weight = math.Abs(ref*float64(pos.Qty)) / equity
	}
	return risk, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// closeOutPnL realizes P&L for closing closedQty of a position. Sign-adjusts
// for shorts: a short profits when the exit price is below the entry.
func closeOutPnL(posQty int64, avgPrice, exitPrice float64, closedQty int64) float64 {
	pnl := (exitPrice - avgPrice) * float64(closedQty)
	if posQty < 0 {
		pnl = -pnl
	}
	return pnl
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// isDuplicate reports whether err is a primary-key violation on the trades
// table. Trade ids are deterministic per fill delta, so a duplicate means
// the delta was applied on a previous pass.
func isDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
