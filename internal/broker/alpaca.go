package broker

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradeledger/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface using the Alpaca trading and
// market-data APIs.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoints. Empty URLs fall back to the SDK defaults.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL string) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}

	return &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(dataOpts),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// SubmitOrder places the order via POST /v2/orders. The local order id is
// used as the client order id, which Alpaca deduplicates server-side.
func (b *AlpacaBroker) SubmitOrder(_ context.Context, order *domain.Order) (string, error) {
	qty := decimal.NewFromInt(order.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          toAlpacaSide(order.OrderRequest.Side),
		Type:          toAlpacaType(order.Type),
		TimeInForce:   toAlpacaTIF(order.TimeInForce),
		ClientOrderID: order.ID,
	}
	if order.Type == domain.OrderTypeLimit {
		limit := decimal.NewFromFloat(order.LimitPrice)
		req.LimitPrice = &limit
	}

	placed, err := b.trading.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("placing order %s: %w", order.ID, err)
	}
	return placed.ID, nil
}

// CancelOrder requests cancellation via DELETE /v2/orders/{id}.
func (b *AlpacaBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	if err := b.trading.CancelOrder(brokerOrderID); err != nil {
		return fmt.Errorf("cancelling order %s: %w", brokerOrderID, err)
	}
	return nil
}

// ModifyOrder replaces the order via PATCH /v2/orders/{id}.
func (b *AlpacaBroker) ModifyOrder(_ context.Context, brokerOrderID string, changes domain.OrderChanges) error {
	req := alpaca.ReplaceOrderRequest{}
	if changes.Qty != nil {
		qty := decimal.NewFromInt(*changes.Qty)
		req.Qty = &qty
	}
	if changes.LimitPrice != nil {
		limit := decimal.NewFromFloat(*changes.LimitPrice)
		req.LimitPrice = &limit
	}
	if changes.StopPrice != nil {
		stop := decimal.NewFromFloat(*changes.StopPrice)
		req.StopPrice = &stop
	}

	if _, err := b.trading.ReplaceOrder(brokerOrderID, req); err != nil {
		return fmt.Errorf("replacing order %s: %w", brokerOrderID, err)
	}
	return nil
}

// GetOrderStatus fetches the order and maps it to a status snapshot.
func (b *AlpacaBroker) GetOrderStatus(_ context.Context, brokerOrderID string) (*domain.OrderStatusSnapshot, error) {
	o, err := b.trading.GetOrder(brokerOrderID)
	if err != nil {
		return nil, fmt.Errorf("fetching order %s: %w", brokerOrderID, err)
	}

	snap := &domain.OrderStatusSnapshot{
		Status:    fromAlpacaStatus(o.Status),
		FilledQty: o.FilledQty.IntPart(),
	}
	if o.FilledAvgPrice != nil {
		snap.AvgFillPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return snap, nil
}

// GetPositions returns the broker's open positions. Alpaca reports short
// positions with a negative quantity, matching the ledger's convention.
func (b *AlpacaBroker) GetPositions(_ context.Context) ([]domain.BrokerPosition, error) {
	positions, err := b.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	out := make([]domain.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.BrokerPosition{
			Symbol:   p.Symbol,
			Qty:      p.Qty.IntPart(),
			AvgPrice: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	return out, nil
}

// GetAccount returns the current account snapshot.
func (b *AlpacaBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	acct, err := b.trading.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	return &domain.AccountInfo{
		Equity:      acct.Equity.InexactFloat64(),
		LastEquity:  acct.LastEquity.InexactFloat64(),
		Cash:        acct.Cash.InexactFloat64(),
		BuyingPower: acct.BuyingPower.InexactFloat64(),
	}, nil
}

// LastTradedPrice returns the latest trade price from the market-data API.
func (b *AlpacaBroker) LastTradedPrice(_ context.Context, symbol string) (float64, error) {
	trade, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("fetching latest trade for %s: %w", symbol, err)
	}
	return trade.Price, nil
}

// ---------------------------------------------------------------------------
// Enum mapping
// ---------------------------------------------------------------------------

func toAlpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func toAlpacaType(t domain.OrderType) alpaca.OrderType {
	if t == domain.OrderTypeLimit {
		return alpaca.Limit
	}
	return alpaca.Market
}

func toAlpacaTIF(tif domain.TimeInForce) alpaca.TimeInForce {
	switch tif {
	case domain.TimeInForceGTC:
		return alpaca.GTC
	case domain.TimeInForceIOC:
		return alpaca.IOC
	default:
		return alpaca.Day
	}
}

// fromAlpacaStatus maps Alpaca order statuses onto the ledger lifecycle.
func fromAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "new", "accepted", "pending_new", "accepted_for_bidding",
		"pending_cancel", "pending_replace", "replaced", "stopped", "calculated":
		return domain.OrderStatusOpen
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled":
		return domain.OrderStatusCancelled
	case "expired", "done_for_day":
		return domain.OrderStatusExpired
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusOpen
	}
}
