package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"tradeledger/internal/broker"
	"tradeledger/internal/domain"
	"tradeledger/internal/store"
)

// priceTolerance is the relative average-price difference treated as noise.
// Brokers round average fill prices differently than the ledger does.
const priceTolerance = 0.0001

// Reconciler periodically compares the ledger's positions against the
// broker's and corrects the ledger. The broker is the source of truth for
// open quantity and average price; every correction is recorded in the
// reconciliation log before it is applied.
type Reconciler struct {
	interval time.Duration
	broker   broker.Broker
	book     *PositionBook
	recs     store.ReconciliationStore
	log      *slog.Logger
}

// NewReconciler creates a reconciler polling at the given interval.
func NewReconciler(interval time.Duration, bk broker.Broker, book *PositionBook, recs store.ReconciliationStore, log *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{interval: interval, broker: bk, book: book, recs: recs, log: log}
}

// Run reconciles on a fixed cadence until the context is cancelled. A failed
// pass is logged and the next tick proceeds; an unreachable broker must not
// stop the loop.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reconciler started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.log.Warn("reconciliation pass failed", "error", err)
			}
		}
	}
}

// ReconcileOnce runs a single pass and returns the discrepancies found.
// After a pass with no errors the ledger's open quantities match the
// broker's exactly.
func (r *Reconciler) ReconcileOnce(ctx context.Context) ([]domain.Discrepancy, error) {
	remote, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching broker positions: %w", err)
	}

	bySymbol := make(map[string]domain.BrokerPosition, len(remote))
	for _, p := range remote {
		bySymbol[p.Symbol] = p
	}

	var found []domain.Discrepancy

	// Local side: quantity/price mismatches and phantom positions.
	for _, local := range r.book.List() {
		rp, ok := bySymbol[local.Symbol]
		delete(bySymbol, local.Symbol)

		switch {
		case !ok:
			d := r.record(ctx, domain.Discrepancy{
				Type:          domain.DiscrepancyPhantomPosition,
				Symbol:        local.Symbol,
				LocalQty:      local.Qty,
				LocalAvgPrice: local.AvgPrice,
				Resolution:    "closed local position absent at broker",
			})
			found = append(found, d)
			if err := r.book.ForceSet(ctx, local.Symbol, 0, 0); err != nil {
				return found, fmt.Errorf("correcting %s: %w", local.Symbol, err)
			}

		case rp.Qty != local.Qty:
			d := r.record(ctx, domain.Discrepancy{
				Type:           domain.DiscrepancyQtyMismatch,
				Symbol:         local.Symbol,
				LocalQty:       local.Qty,
				BrokerQty:      rp.Qty,
				LocalAvgPrice:  local.AvgPrice,
				BrokerAvgPrice: rp.AvgPrice,
				Resolution:     "adopted broker quantity and price",
			})
			found = append(found, d)
			if err := r.book.ForceSet(ctx, local.Symbol, rp.Qty, rp.AvgPrice); err != nil {
				return found, fmt.Errorf("correcting %s: %w", local.Symbol, err)
			}

		case !priceClose(local.AvgPrice, rp.AvgPrice):
			d := r.record(ctx, domain.Discrepancy{
				Type:           domain.DiscrepancyPriceMismatch,
				Symbol:         local.Symbol,
				LocalQty:       local.Qty,
				BrokerQty:      rp.Qty,
				LocalAvgPrice:  local.AvgPrice,
				BrokerAvgPrice: rp.AvgPrice,
				Resolution:     "adopted broker average price",
			})
			found = append(found, d)
			if err := r.book.ForceSet(ctx, local.Symbol, rp.Qty, rp.AvgPrice); err != nil {
				return found, fmt.Errorf("correcting %s: %w", local.Symbol, err)
			}
		}
	}

	// Remaining broker positions are unknown to the ledger.
	for _, rp := range bySymbol {
		d := r.record(ctx, domain.Discrepancy{
			Type:           domain.DiscrepancyUnknownPosition,
			Symbol:         rp.Symbol,
			BrokerQty:      rp.Qty,
			BrokerAvgPrice: rp.AvgPrice,
			Resolution:     "adopted broker position",
		})
		found = append(found, d)
		if err := r.book.ForceSet(ctx, rp.Symbol, rp.Qty, rp.AvgPrice); err != nil {
			return found, fmt.Errorf("adopting %s: %w", rp.Symbol, err)
		}
	}

	if len(found) > 0 {
		r.log.Warn("reconciliation corrected ledger", "discrepancies", len(found))
	}
	return found, nil
}

// record fills in the bookkeeping fields and persists the discrepancy.
// A logging failure is not fatal: the correction still proceeds.
func (r *Reconciler) record(ctx context.Context, d domain.Discrepancy) domain.Discrepancy {
	d.ID = uuid.NewString()
	d.DetectedAt = time.Now().UTC()

	r.log.Warn("position discrepancy",
		"type", d.Type, "symbol", d.Symbol,
		"local_qty", d.LocalQty, "broker_qty", d.BrokerQty,
		"local_avg", d.LocalAvgPrice, "broker_avg", d.BrokerAvgPrice)

	if err := r.recs.SaveDiscrepancy(ctx, &d); err != nil {
		r.log.Error("recording discrepancy", "symbol", d.Symbol, "error", err)
	}
	return d
}

// Discrepancies returns the most recent reconciliation log entries.
func (r *Reconciler) Discrepancies(ctx context.Context, limit int) ([]domain.Discrepancy, error) {
	return r.recs.ListDiscrepancies(ctx, limit)
}

func priceClose(a, b float64) bool {
	if a == b {
		return true
	}
	ref := math.Max(math.Abs(a), math.Abs(b))
	if ref == 0 {
		return true
	}
	return math.Abs(a-b)/ref <= priceTolerance
}
