// Package exchange provides adapters for trading venues behind one
// interface. Each adapter translates its venue's failure modes into
// the shared error taxonomy, serializes calls per connection and
// retries transient faults with backoff.
package exchange

import (
	"context"

	"github.com/neontrader/backend/internal/market"
)

// Exchange is the uniform adapter surface every venue implements.
// Implementations serialize concurrent calls on a single connection,
// return *Error for upstream failures and never log credentials.
type Exchange interface {
	// Name returns the venue identifier (binance, bybit, okx, paper).
	Name() string

	// Test verifies connectivity and credentials with a cheap
	// authenticated call.
	Test(ctx context.Context) error

	// Balances returns all non-zero asset balances.
	Balances(ctx context.Context) ([]Balance, error)

	// Ticker returns the venue's current price for a symbol.
	Ticker(ctx context.Context, symbol string) (*Ticker, error)

	// PlaceOrder submits an order and returns the venue's view of it.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error)

	// CancelOrder cancels an open order. Venues key orders by id and
	// symbol together.
	CancelOrder(ctx context.Context, orderID, symbol string) (*Order, error)

	// OrderStatus fetches the current state of an order.
	OrderStatus(ctx context.Context, orderID, symbol string) (*Order, error)
}

// QuoteSource prices paper fills. *market.Aggregator satisfies it.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (market.Quote, error)
}
