package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"tradeledger/internal/broker"
	"tradeledger/internal/domain"
	"tradeledger/internal/engine"
	"tradeledger/internal/store"
)

type testAPI struct {
	server *httptest.Server
	broker *broker.SimulatorBroker
	engine *engine.Engine
	book   *engine.PositionBook
	risk   *engine.RiskMonitor
	recon  *engine.Reconciler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sim := broker.NewSimulatorBroker()
	sim.SetPrice("RELIANCE", 2450)
	sim.SetAccount(domain.AccountInfo{
		Equity: 1_000_000, LastEquity: 1_000_000,
		Cash: 1_000_000, BuyingPower: 2_000_000,
	})

	book := engine.NewPositionBook(s, s, nil, log)
	risk := engine.NewRiskMonitor(engine.RiskConfig{
		MaxDailyLossPct: 0.03,
		MaxDrawdownPct:  0.10,
		ConfirmPhrase:   "resume trading",
	}, sim, book, log)
	validator := engine.NewValidator(engine.ValidatorConfig{
		MaxOpenPositions: 10,
		MinOrderQty:      1,
		MaxOrderQty:      10_000,
	})
	eng := engine.NewEngine(engine.EngineConfig{
		MonitorInterval: 10 * time.Millisecond,
		SubmitBackoff:   time.Millisecond,
	}, sim, s, book, validator, risk, nil, log)
	recon := engine.NewReconciler(30*time.Second, sim, book, s, log)

	// Run the order monitor for the duration of the test.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	api := NewServer(eng, book, risk, recon, s, log)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testAPI{server: srv, broker: sim, engine: eng, book: book, risk: risk, recon: recon}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

// waitForStatus polls the API until the order reaches the wanted status.
func (a *testAPI) waitForStatus(t *testing.T, orderID string, want domain.OrderStatus) domain.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last domain.Order
	for time.Now().Before(deadline) {
		resp := a.do(t, "GET", "/api/orders/"+orderID, nil)
		last = decode[domain.Order](t, resp)
		if last.Status == want {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("order %s stuck at %s, want %s", orderID, last.Status, want)
	return last
}

func marketBuyBody(qty int64) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:      "RELIANCE",
		Side:        domain.SideBuy,
		Qty:         qty,
		Type:        domain.OrderTypeMarket,
		Product:     domain.ProductCash,
		TimeInForce: domain.TimeInForceDay,
	}
}

func TestPlaceAndGetOrder(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, "POST", "/api/orders", marketBuyBody(10))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /api/orders = %d, want 201", resp.StatusCode)
	}
	placed := decode[domain.Order](t, resp)
	if placed.ID == "" || placed.Status != domain.OrderStatusSubmitted {
		t.Fatalf("placed order = %+v", placed)
	}

	got := api.waitForStatus(t, placed.ID, domain.OrderStatusFilled)
	if got.FilledQty != 10 || got.AvgFillPrice != 2450 {
		t.Errorf("fill = %d @ %v, want 10 @ 2450", got.FilledQty, got.AvgFillPrice)
	}

	resp = api.do(t, "GET", "/api/orders", nil)
	list := decode[OrdersResponse](t, resp)
	if len(list.Orders) != 1 {
		t.Errorf("order list = %+v, want 1 order", list.Orders)
	}
}

func TestPlaceOrderRejections(t *testing.T) {
	api := newTestAPI(t)

	// Malformed body.
	req, _ := http.NewRequest("POST", api.server.URL+"/api/orders", bytes.NewBufferString("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", resp.StatusCode)
	}

	// Pre-trade rejection.
	resp = api.do(t, "POST", "/api/orders", marketBuyBody(0))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("zero qty = %d, want 422", resp.StatusCode)
	}

	// Kill switch active.
	api.risk.Activate("test halt")
	resp = api.do(t, "POST", "/api/orders", marketBuyBody(10))
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("halted = %d, want 423", resp.StatusCode)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(t, "GET", "/api/orders/no-such-id", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET unknown order = %d, want 404", resp.StatusCode)
	}
}

func TestCancelOrder(t *testing.T) {
	api := newTestAPI(t)

	req := marketBuyBody(100)
	req.Type = domain.OrderTypeLimit
	req.LimitPrice = 2400 // rests below market

	resp := api.do(t, "POST", "/api/orders", req)
	placed := decode[domain.Order](t, resp)

	resp = api.do(t, "DELETE", "/api/orders/"+placed.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE = %d, want 204", resp.StatusCode)
	}
	api.waitForStatus(t, placed.ID, domain.OrderStatusCancelled)

	// Cancelling again conflicts; cancelling an unknown order is a 404.
	resp = api.do(t, "DELETE", "/api/orders/"+placed.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat DELETE = %d, want 409", resp.StatusCode)
	}
	resp = api.do(t, "DELETE", "/api/orders/no-such-id", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE unknown = %d, want 404", resp.StatusCode)
	}
}

func TestModifyOrder(t *testing.T) {
	api := newTestAPI(t)

	req := marketBuyBody(100)
	req.Type = domain.OrderTypeLimit
	req.LimitPrice = 2400

	resp := api.do(t, "POST", "/api/orders", req)
	placed := decode[domain.Order](t, resp)

	newPrice := 2420.0
	resp = api.do(t, "PATCH", "/api/orders/"+placed.ID, domain.OrderChanges{LimitPrice: &newPrice})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PATCH = %d, want 200", resp.StatusCode)
	}
	got := decode[domain.Order](t, resp)
	if got.LimitPrice != 2420 {
		t.Errorf("LimitPrice after modify = %v, want 2420", got.LimitPrice)
	}

	resp = api.do(t, "PATCH", "/api/orders/"+placed.ID, domain.OrderChanges{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty changes = %d, want 400", resp.StatusCode)
	}
}

func TestValidateEndpoint(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, "POST", "/api/validate", marketBuyBody(10))
	v := decode[ValidateResponse](t, resp)
	if !v.Valid {
		t.Errorf("clean order invalid: %+v", v)
	}

	// A sell avoids the cash check, so the oversize quantity is what fails.
	oversize := marketBuyBody(20_000)
	oversize.Side = domain.SideSell
	resp = api.do(t, "POST", "/api/validate", oversize)
	v = decode[ValidateResponse](t, resp)
	if v.Valid || v.Check != "quantity_bounds" {
		t.Errorf("oversize order = %+v, want quantity_bounds failure", v)
	}

	// A zero quantity reports the same check the ordered evaluation uses.
	resp = api.do(t, "POST", "/api/validate", marketBuyBody(0))
	v = decode[ValidateResponse](t, resp)
	if v.Valid || v.Check != "quantity_bounds" {
		t.Errorf("zero qty = %+v, want quantity_bounds failure", v)
	}

	// Validation is a dry run: nothing was placed.
	resp = api.do(t, "GET", "/api/orders", nil)
	list := decode[OrdersResponse](t, resp)
	if len(list.Orders) != 0 {
		t.Errorf("validate persisted orders: %+v", list.Orders)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, "POST", "/api/orders", marketBuyBody(10))
	placed := decode[domain.Order](t, resp)
	api.waitForStatus(t, placed.ID, domain.OrderStatusFilled)

	resp = api.do(t, "GET", "/api/positions", nil)
	positions := decode[PositionsResponse](t, resp)
	if len(positions.Positions) != 1 || positions.Positions[0].Qty != 10 {
		t.Fatalf("positions = %+v, want one 10-share position", positions.Positions)
	}

	resp = api.do(t, "GET", "/api/positions/RELIANCE", nil)
	pos := decode[domain.Position](t, resp)
	if pos.Qty != 10 || pos.AvgPrice != 2450 {
		t.Errorf("position = %+v", pos)
	}

	resp = api.do(t, "GET", "/api/positions/UNKNOWN", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown position = %d, want 404", resp.StatusCode)
	}
}

func TestPositionRiskEndpoint(t *testing.T) {
	api := newTestAPI(t)

	req := marketBuyBody(10)
	req.StopLoss = 2400
	resp := api.do(t, "POST", "/api/orders", req)
	placed := decode[domain.Order](t, resp)
	api.waitForStatus(t, placed.ID, domain.OrderStatusFilled)

	resp = api.do(t, "GET", "/api/positions/RELIANCE/risk", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET position risk = %d, want 200", resp.StatusCode)
	}
	risk := decode[domain.PositionRisk](t, resp)
	if risk.DistanceToStop != 50 || risk.RiskAmount != 500 {
		t.Errorf("risk = %+v, want stop distance 50 and amount 500", risk)
	}

	resp = api.do(t, "GET", "/api/positions/UNKNOWN/risk", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown symbol = %d, want 404", resp.StatusCode)
	}
}

func TestRiskEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.risk.Activate("manual halt")

	resp := api.do(t, "GET", "/api/risk", nil)
	summary := decode[domain.RiskSummary](t, resp)
	if !summary.KillSwitch || summary.KillSwitchCause != "manual halt" {
		t.Fatalf("risk summary = %+v, want active kill switch", summary)
	}

	resp = api.do(t, "POST", "/api/risk/killswitch/deactivate", DeactivateRequest{Confirm: "wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong phrase = %d, want 403", resp.StatusCode)
	}
	if halted, _, _ := api.risk.Halted(); !halted {
		t.Fatal("halt cleared by a failed deactivation")
	}

	resp = api.do(t, "POST", "/api/risk/killswitch/deactivate", DeactivateRequest{Confirm: "resume trading"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("correct phrase = %d, want 200", resp.StatusCode)
	}
	if halted, _, _ := api.risk.Halted(); halted {
		t.Error("kill switch still active after confirmed deactivation")
	}
}

func TestTradesEndpoint(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, "POST", "/api/orders", marketBuyBody(10))
	placed := decode[domain.Order](t, resp)
	api.waitForStatus(t, placed.ID, domain.OrderStatusFilled)

	resp = api.do(t, "GET", "/api/trades", nil)
	trades := decode[TradesResponse](t, resp)
	if len(trades.Trades) != 1 || trades.Trades[0].Qty != 10 {
		t.Errorf("trades = %+v, want one 10-share fill", trades.Trades)
	}

	resp = api.do(t, "GET", "/api/trades?start=not-a-time", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad start param = %d, want 400", resp.StatusCode)
	}
}

func TestReconciliationEndpoint(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(t, "GET", "/api/reconciliation?limit=bogus", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", resp.StatusCode)
	}

	resp = api.do(t, "GET", "/api/reconciliation", nil)
	recs := decode[ReconciliationResponse](t, resp)
	if len(recs.Discrepancies) != 0 {
		t.Errorf("fresh ledger has discrepancies: %+v", recs.Discrepancies)
	}

	// Surface a broker position the ledger has never seen.
	api.broker.SetPosition("SYMBOL-X", 50, 310.5)
	if _, err := api.recon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}

	resp = api.do(t, "GET", "/api/reconciliation", nil)
	recs = decode[ReconciliationResponse](t, resp)
	if len(recs.Discrepancies) != 1 || recs.Discrepancies[0].Type != domain.DiscrepancyUnknownPosition {
		t.Errorf("discrepancies = %+v, want one unknown_position", recs.Discrepancies)
	}
}
