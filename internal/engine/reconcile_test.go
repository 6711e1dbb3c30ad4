package engine

import (
	"context"
	"testing"
	"time"

	"tradeledger/internal/broker"
	"tradeledger/internal/domain"
	"tradeledger/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *broker.SimulatorBroker, *PositionBook, *store.SQLiteStore) {
	t.Helper()
	s := newTestStore(t)
	sim := broker.NewSimulatorBroker()
	book := NewPositionBook(s, s, nil, discardLogger())
	r := NewReconciler(30*time.Second, sim, book, s, discardLogger())
	return r, sim, book, s
}

func TestReconcileNoDrift(t *testing.T) {
	r, sim, book, _ := newTestReconciler(t)
	ctx := context.Background()

	mustApply(t, book, fill("RELIANCE", domain.SideBuy, 100, 2450))
	sim.SetPosition("RELIANCE", 100, 2450)

	found, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("found %d discrepancies on matching books: %+v", len(found), found)
	}
}

// The broker reports a position the ledger has never seen: adopt it and log.
func TestReconcileUnknownPosition(t *testing.T) {
	r, sim, book, s := newTestReconciler(t)
	ctx := context.Background()

	sim.SetPosition("SYMBOL-X", 50, 310.5)

	found, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if len(found) != 1 || found[0].Type != domain.DiscrepancyUnknownPosition {
		t.Fatalf("found = %+v, want one unknown_position", found)
	}

	pos, ok := book.Get("SYMBOL-X")
	if !ok || pos.Qty != 50 || pos.AvgPrice != 310.5 {
		t.Errorf("adopted position = %+v, want 50 @ 310.5", pos)
	}

	logged, err := s.ListDiscrepancies(ctx, 10)
	if err != nil {
		t.Fatalf("ListDiscrepancies: %v", err)
	}
	if len(logged) != 1 || logged[0].BrokerQty != 50 {
		t.Errorf("logged = %+v, want the adoption recorded", logged)
	}
}

// The ledger has an open position the broker does not: close it locally.
func TestReconcilePhantomPosition(t *testing.T) {
	r, _, book, _ := newTestReconciler(t)
	ctx := context.Background()

	mustApply(t, book, fill("GHOST", domain.SideBuy, 25, 100))

	found, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if len(found) != 1 || found[0].Type != domain.DiscrepancyPhantomPosition {
		t.Fatalf("found = %+v, want one phantom_position", found)
	}

	pos, _ := book.Get("GHOST")
	if !pos.Flat() {
		t.Errorf("phantom position still open: %+v", pos)
	}
}

func TestReconcileQtyMismatch(t *testing.T) {
	r, sim, book, _ := newTestReconciler(t)
	ctx := context.Background()

	mustApply(t, book, fill("RELIANCE", domain.SideBuy, 100, 2450))
	sim.SetPosition("RELIANCE", 60, 2455)

	found, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if len(found) != 1 || found[0].Type != domain.DiscrepancyQtyMismatch {
		t.Fatalf("found = %+v, want one quantity_mismatch", found)
	}

	pos, _ := book.Get("RELIANCE")
	if pos.Qty != 60 || pos.AvgPrice != 2455 {
		t.Errorf("corrected position = %d @ %v, want broker's 60 @ 2455", pos.Qty, pos.AvgPrice)
	}
}

func TestReconcilePriceMismatch(t *testing.T) {
	r, sim, book, _ := newTestReconciler(t)
	ctx := context.Background()

	mustApply(t, book, fill("RELIANCE", domain.SideBuy, 100, 2450))
	sim.SetPosition("RELIANCE", 100, 2460) // quantities agree, prices diverge

	found, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if len(found) != 1 || found[0].Type != domain.DiscrepancyPriceMismatch {
		t.Fatalf("found = %+v, want one price_mismatch", found)
	}

	pos, _ := book.Get("RELIANCE")
	if pos.AvgPrice != 2460 {
		t.Errorf("corrected avg = %v, want broker's 2460", pos.AvgPrice)
	}
}

// Sub-tolerance price differences are broker rounding, not drift.
func TestReconcileIgnoresRounding(t *testing.T) {
	r, sim, book, _ := newTestReconciler(t)
	ctx := context.Background()

	mustApply(t, book, fill("RELIANCE", domain.SideBuy, 100, 2450.0001))
	sim.SetPosition("RELIANCE", 100, 2450.0002)

	found, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("rounding noise reported as drift: %+v", found)
	}
}

// A second pass right after a corrective pass finds nothing: reconciliation
// converges.
func TestReconcileConverges(t *testing.T) {
	r, sim, book, _ := newTestReconciler(t)
	ctx := context.Background()

	mustApply(t, book, fill("A", domain.SideBuy, 10, 50))
	sim.SetPosition("A", 20, 51)
	sim.SetPosition("B", 5, 200)
	mustApply(t, book, fill("C", domain.SideBuy, 7, 10))

	first, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first pass found %d discrepancies, want 3", len(first))
	}

	second, err := r.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second pass still found drift: %+v", second)
	}
}

func TestReconcileBrokerUnreachable(t *testing.T) {
	s := newTestStore(t)
	book := NewPositionBook(s, s, nil, discardLogger())
	r := NewReconciler(time.Second, &failingBroker{}, book, s, discardLogger())

	mustApply(t, book, fill("RELIANCE", domain.SideBuy, 100, 2450))

	if _, err := r.ReconcileOnce(context.Background()); err == nil {
		t.Fatal("ReconcileOnce with unreachable broker returned nil error")
	}

	// The ledger is untouched when the broker cannot be read.
	pos, _ := book.Get("RELIANCE")
	if pos.Qty != 100 {
		t.Errorf("position changed during outage: %+v", pos)
	}
}
