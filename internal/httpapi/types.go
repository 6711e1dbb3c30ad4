package httpapi

import (
	"tradeledger/internal/domain"
)

// OrdersResponse wraps an order listing.
type OrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// PositionsResponse wraps the open position listing.
type PositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// TradesResponse wraps a fill listing.
type TradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

// ValidateResponse reports the outcome of a dry-run validation.
type ValidateResponse struct {
	Valid  bool   `json:"valid"`
	Check  string `json:"check,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// DeactivateRequest carries the operator confirmation for lifting the kill
// switch.
type DeactivateRequest struct {
	Confirm string `json:"confirm"`
}

// ReconciliationResponse wraps the discrepancy log listing.
type ReconciliationResponse struct {
	Discrepancies []domain.Discrepancy `json:"discrepancies"`
}
