package common

import (
	"github.com/shopspring/decimal"
)

// Side represents order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide selects one leg of a hedge-mode position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderType represents order type. Only market orders are submitted by the
// controller; limit is kept for drivers that need to express it.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the normalized exchange order status.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Final reports whether no further fills can arrive for the order.
func (s OrderStatus) Final() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest is the unified order input.
type OrderRequest struct {
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Qty          decimal.Decimal
	Price        decimal.Decimal
	ReduceOnly   bool
	ClientID     string
}

// OrderResult is the unified order response. FilledQty below Qty with status
// PARTIALLY_FILLED means the order is still outstanding on the exchange.
type OrderResult struct {
	OrderID   string
	ClientID  string
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Position is one leg as the exchange reports it. Qty is always non-negative.
type Position struct {
	Symbol   string
	Side     PositionSide
	Qty      decimal.Decimal
	AvgPrice decimal.Decimal
}

// NormalizeStatus maps exchange status strings onto OrderStatus.
func NormalizeStatus(s string) OrderStatus {
	switch s {
	case "NEW", "new", "INIT":
		return StatusNew
	case "PARTIALLY_FILLED", "PART_FILLED", "partial":
		return StatusPartial
	case "FILLED", "filled":
		return StatusFilled
	case "CANCELED", "CANCELLED", "canceled":
		return StatusCanceled
	case "REJECTED", "rejected":
		return StatusRejected
	case "EXPIRED", "expired":
		return StatusExpired
	default:
		return StatusUnknown
	}
}
