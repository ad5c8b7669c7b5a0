package exchange

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the current status of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is the adapter-level view of an order on a venue. IDs are the
// venue's own identifiers rendered as strings.
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"` // limit price; zero for market orders
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Status       OrderStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FilledAt     *time.Time      `json:"filled_at,omitempty"`
}

// Balance is one asset's holdings on a venue.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Ticker is a venue-reported last price.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// PlaceOrderRequest describes an order submission.
type PlaceOrderRequest struct {
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Type     OrderType       `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price,omitempty"` // required for limit orders
}

// Validate checks order parameters before they reach a venue.
func (r PlaceOrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != OrderSideBuy && r.Side != OrderSideSell {
		return fmt.Errorf("invalid order side: %s", r.Side)
	}
	if r.Type != OrderTypeMarket && r.Type != OrderTypeLimit {
		return fmt.Errorf("invalid order type: %s", r.Type)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if r.Type == OrderTypeLimit && !r.Price.IsPositive() {
		return fmt.Errorf("limit orders must have a positive price")
	}
	return nil
}
