package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Paper simulates a venue for paper trading. Market orders fill
// immediately at the aggregator's current quote with zero slippage;
// limit orders stay open and fill when a later quote crosses their
// price. Balances are virtual and never gate an order; portfolio
// accounting owns funds enforcement.
type Paper struct {
	quotes QuoteSource

	mu       sync.Mutex
	orders   map[string]*Order
	balances map[string]decimal.Decimal
}

// paperSeedBalance is the virtual quote-asset balance a fresh paper
// venue starts with.
var paperSeedBalance = decimal.NewFromInt(10000)

// NewPaper creates a paper venue priced by the given quote source.
func NewPaper(quotes QuoteSource) *Paper {
	return &Paper{
		quotes: quotes,
		orders: make(map[string]*Order),
		balances: map[string]decimal.Decimal{
			"USDT": paperSeedBalance,
			"USD":  paperSeedBalance,
		},
	}
}

// Name returns the venue identifier.
func (p *Paper) Name() string {
	return VenuePaper
}

// Test always succeeds; a paper venue has nothing to connect to.
func (p *Paper) Test(ctx context.Context) error {
	return nil
}

// Balances returns the virtual balances, sorted by asset.
func (p *Paper) Balances(ctx context.Context) ([]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	balances := make([]Balance, 0, len(p.balances))
	for asset, free := range p.balances {
		if free.IsZero() {
			continue
		}
		balances = append(balances, Balance{Asset: asset, Free: free})
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })
	return balances, nil
}

// SetBalance overrides one virtual balance, e.g. to mirror a user's
// portfolio seed.
func (p *Paper) SetBalance(asset string, free decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[strings.ToUpper(asset)] = free
}

// Ticker prices the symbol from the aggregator.
func (p *Paper) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	q, err := p.quotes.Quote(ctx, symbol)
	if err != nil {
		return nil, WrapError(KindNetwork, VenuePaper, "quote unavailable", err)
	}
	return &Ticker{Symbol: q.Symbol, Price: q.Price, At: q.FetchedAt}, nil
}

// PlaceOrder accepts an order. Market orders fill at the current
// aggregator quote; limit orders queue until ProcessQuote crosses them.
func (p *Paper) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, NewError(KindUnknown, VenuePaper, err.Error())
	}

	now := time.Now().UTC()
	order := &Order{
		ID:        uuid.New().String(),
		Symbol:    strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.Type == OrderTypeMarket {
		q, err := p.quotes.Quote(ctx, order.Symbol)
		if err != nil {
			return nil, WrapError(KindNetwork, VenuePaper, "quote unavailable", err)
		}
		p.mu.Lock()
		p.orders[order.ID] = order
		p.fill(order, q.Price)
		placed := *order
		p.mu.Unlock()
		return &placed, nil
	}

	order.Status = OrderStatusOpen
	p.mu.Lock()
	p.orders[order.ID] = order
	placed := *order
	p.mu.Unlock()

	log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("limit_price", order.Price.String()).
		Msg("Paper limit order queued")

	return &placed, nil
}

// CancelOrder cancels an open or pending order.
func (p *Paper) CancelOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, exists := p.orders[orderID]
	if !exists {
		return nil, NewError(KindUnknown, VenuePaper, fmt.Sprintf("order not found: %s", orderID))
	}
	if order.Status != OrderStatusOpen && order.Status != OrderStatusPending {
		return nil, NewError(KindUnknown, VenuePaper, fmt.Sprintf("cannot cancel order in status: %s", order.Status))
	}

	order.Status = OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()

	log.Info().Str("order_id", orderID).Msg("Paper order cancelled")

	cancelled := *order
	return &cancelled, nil
}

// OrderStatus returns the current state of an order.
func (p *Paper) OrderStatus(ctx context.Context, orderID, symbol string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, exists := p.orders[orderID]
	if !exists {
		return nil, NewError(KindUnknown, VenuePaper, fmt.Sprintf("order not found: %s", orderID))
	}
	current := *order
	return &current, nil
}

// ProcessQuote sweeps queued limit orders against a new quote and
// returns the orders it filled. Buys cross when the quote falls to
// the limit, sells when it rises to it; fills execute at the limit
// price. The trading layer drives this from bus price ticks.
func (p *Paper) ProcessQuote(symbol string, price decimal.Decimal) []Order {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	p.mu.Lock()
	defer p.mu.Unlock()

	var filled []Order
	for _, order := range p.orders {
		if order.Symbol != symbol || order.Status != OrderStatusOpen || order.Type != OrderTypeLimit {
			continue
		}
		crossed := (order.Side == OrderSideBuy && price.LessThanOrEqual(order.Price)) ||
			(order.Side == OrderSideSell && price.GreaterThanOrEqual(order.Price))
		if !crossed {
			continue
		}
		p.fill(order, order.Price)
		filled = append(filled, *order)
	}
	return filled
}

// fill marks an order fully executed at the given price and settles
// the virtual balances. Callers hold p.mu.
func (p *Paper) fill(order *Order, price decimal.Decimal) {
	now := time.Now().UTC()
	order.FilledQty = order.Quantity
	order.AvgFillPrice = price
	order.Status = OrderStatusFilled
	order.UpdatedAt = now
	order.FilledAt = &now

	p.settle(order, price)

	log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("quantity", order.Quantity.String()).
		Str("fill_price", price.String()).
		Msg("Paper order filled")
}

// settle moves virtual balances for a fill. Balances floor at zero
// rather than rejecting; funds enforcement is the portfolio's job.
func (p *Paper) settle(order *Order, price decimal.Decimal) {
	base, quote := splitSymbol(order.Symbol)
	cost := order.Quantity.Mul(price)

	if order.Side == OrderSideBuy {
		p.balances[quote] = decimal.Max(p.balances[quote].Sub(cost), decimal.Zero)
		p.balances[base] = p.balances[base].Add(order.Quantity)
		return
	}
	p.balances[base] = decimal.Max(p.balances[base].Sub(order.Quantity), decimal.Zero)
	p.balances[quote] = p.balances[quote].Add(cost)
}

// splitSymbol separates a pair into base and quote assets. Symbols
// without a recognized quote suffix (stocks, indices) settle against
// USD.
func splitSymbol(symbol string) (base, quote string) {
	for _, suffix := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(symbol, suffix) && len(symbol) > len(suffix) {
			return symbol[:len(symbol)-len(suffix)], suffix
		}
	}
	return symbol, "USD"
}
