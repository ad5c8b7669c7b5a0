package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/exchange"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/portfolio"
)

// queuedPollInterval is how often resting live orders are polled for
// fills. Paper orders settle on ticks instead.
const queuedPollInterval = 15 * time.Second

// tickTimeout bounds the work triggered by one price tick.
const tickTimeout = 30 * time.Second

// Monitor watches the price stream and acts on crossings: it settles
// resting paper orders, closes positions whose protective levels were
// hit, and polls live venues for fills on resting orders. Ticks are
// applied monotonically per symbol; a late replay never rewinds
// anything.
type Monitor struct {
	router *Router
	db     *db.DB
	paper  *exchange.Paper

	mu       sync.Mutex
	lastTick map[string]time.Time

	sub  *bus.Subscription
	stop chan struct{}
	done sync.WaitGroup
}

// NewMonitor creates the monitor over the router's venues and books.
func NewMonitor(router *Router, database *db.DB, paper *exchange.Paper) *Monitor {
	return &Monitor{
		router:   router,
		db:       database,
		paper:    paper,
		lastTick: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
}

// Start subscribes to the price stream and begins the resting-order
// poll loop.
func (m *Monitor) Start(b *bus.Bus) error {
	sub, err := b.SubscribePrices(func(ev *bus.Event) error {
		var q market.Quote
		if err := json.Unmarshal(ev.Payload, &q); err != nil {
			return fmt.Errorf("malformed price event: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		defer cancel()
		m.HandleQuote(ctx, q)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to prices: %w", err)
	}
	m.sub = sub

	m.done.Add(1)
	go m.pollLoop()

	log.Info().Msg("Price monitor started")
	return nil
}

// Stop unsubscribes and waits for the poll loop to drain.
func (m *Monitor) Stop() {
	close(m.stop)
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	m.done.Wait()
}

// HandleQuote applies one tick: stale and synthetic ticks are
// ignored, fresh ones settle paper orders and trigger protective
// exits.
func (m *Monitor) HandleQuote(ctx context.Context, q market.Quote) {
	if q.Symbol == "" || !q.Price.IsPositive() {
		return
	}
	if !m.advance(q.Symbol, q.FetchedAt) {
		return
	}
	// Synthetic prices are placeholders minted during source outages;
	// triggering stops on them would realize fictional losses.
	if q.Synthetic {
		return
	}

	fills := m.paper.ProcessQuote(q.Symbol, q.Price)
	for i := range fills {
		m.settlePaperFill(ctx, &fills[i])
	}

	m.checkProtectiveExits(ctx, q.Symbol, q.Price)
}

// advance records the tick time for a symbol and reports whether it
// moved forward.
func (m *Monitor) advance(symbol string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastTick[symbol]; ok && !at.After(last) {
		return false
	}
	m.lastTick[symbol] = at
	return true
}

// settlePaperFill books a paper limit order the venue just crossed.
func (m *Monitor) settlePaperFill(ctx context.Context, order *exchange.Order) {
	trade, err := m.db.GetTradeByExchangeOrderID(ctx, exchange.VenuePaper, order.ID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to resolve paper fill to a trade")
		}
		return
	}
	m.applyRestingFill(ctx, trade, order)
}

// applyRestingFill applies a fill reported for a queued trade. The
// owner's submission lock serializes it with everything else touching
// the portfolio.
func (m *Monitor) applyRestingFill(ctx context.Context, trade *db.Trade, order *exchange.Order) {
	if trade.Status != db.TradeStatusQueued {
		return
	}

	mu := m.router.userLock(trade.UserID)
	mu.Lock()
	defer mu.Unlock()

	fillPrice := order.AvgFillPrice
	if !fillPrice.IsPositive() && trade.LimitPrice != nil {
		fillPrice = *trade.LimitPrice
	}
	quantity := order.FilledQty
	if !quantity.IsPositive() {
		quantity = trade.Quantity
	}

	_, err := m.router.accounts.ApplyFill(ctx, trade.UserID, portfolio.Fill{
		TradeID:    trade.ID,
		Symbol:     trade.Symbol,
		Exchange:   trade.Exchange,
		Side:       trade.Side,
		Quantity:   quantity,
		Price:      fillPrice,
		StopLoss:   trade.StopLoss,
		TakeProfit: trade.TakeProfit,
	})
	if err != nil {
		detail := "resting order filled but could not be booked"
		if errors.Is(err, portfolio.ErrInsufficientCash) {
			detail = "resting order filled but cash no longer covers it"
		}
		log.Error().Err(err).Str("trade_id", trade.ID.String()).Msg(detail)
		if uerr := m.db.UpdateTradeStatus(ctx, trade.ID, db.TradeStatusRejected, &detail); uerr != nil {
			log.Error().Err(uerr).Str("trade_id", trade.ID.String()).Msg("Failed to mark resting trade rejected")
		}
		return
	}

	updated, err := m.db.GetTrade(ctx, trade.ID)
	if err != nil {
		return
	}
	m.router.notify(ctx, trade.UserID, db.NotificationTypeTrade,
		"Resting order filled",
		fmt.Sprintf("%s %s %s filled at %s on %s", trade.Side, quantity, trade.Symbol, fillPrice, trade.Exchange),
		"trade:"+trade.ID.String()+":filled",
		map[string]interface{}{"trade_id": trade.ID.String(), "fill_price": fillPrice.String()})
	m.router.publishTrade(ctx, bus.EventTradeFilled, updated)
}

// checkProtectiveExits closes positions whose stop-loss or
// take-profit the tick crossed. Failures are logged and the scan
// continues; the next tick retries.
func (m *Monitor) checkProtectiveExits(ctx context.Context, symbol string, price decimal.Decimal) {
	positions, err := m.db.ListOpenPositionsBySymbol(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to list positions for protective scan")
		return
	}

	for _, pos := range positions {
		cause, hit := crossedProtection(pos, price)
		if !hit {
			continue
		}
		if _, err := m.router.closePositionByOwner(ctx, pos, cause); err != nil {
			if apperr.IsKind(err, apperr.KindConflict) {
				// Lost a race with another close; nothing to do.
				continue
			}
			log.Error().Err(err).
				Str("position_id", pos.ID.String()).
				Str("symbol", symbol).
				Str("cause", string(cause)).
				Msg("Protective exit failed; will retry on next tick")
		}
	}
}

// crossedProtection reports which protective level a price crossed,
// if any. Stops win over targets when a gap crosses both.
func crossedProtection(pos *db.Position, price decimal.Decimal) (CloseCause, bool) {
	long := pos.Side == db.PositionSideLong
	if pos.StopLoss != nil {
		if (long && price.LessThanOrEqual(*pos.StopLoss)) ||
			(!long && price.GreaterThanOrEqual(*pos.StopLoss)) {
			return CauseStopLoss, true
		}
	}
	if pos.TakeProfit != nil {
		if (long && price.GreaterThanOrEqual(*pos.TakeProfit)) ||
			(!long && price.LessThanOrEqual(*pos.TakeProfit)) {
			return CauseTakeProfit, true
		}
	}
	return "", false
}

// pollLoop checks resting live orders for fills the venue reported
// out of band.
func (m *Monitor) pollLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(queuedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), queuedPollInterval)
			m.pollQueued(ctx)
			cancel()
		}
	}
}

// pollQueued asks each venue about resting live orders. Paper orders
// are skipped; ProcessQuote already settles them on ticks. Queued
// rows with no venue order id are approval placeholders and are
// skipped too.
func (m *Monitor) pollQueued(ctx context.Context) {
	trades, err := m.db.ListQueuedTrades(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list queued trades for polling")
		return
	}

	for _, trade := range trades {
		if trade.ExchangeOrderID == nil || trade.Exchange == exchange.VenuePaper || trade.Exchange == "" {
			continue
		}
		venue, _, err := m.router.platforms.ForVenue(ctx, trade.UserID, trade.Exchange)
		if err != nil {
			continue
		}
		order, err := venue.OrderStatus(ctx, *trade.ExchangeOrderID, trade.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("trade_id", trade.ID.String()).Msg("Order status poll failed")
			continue
		}
		switch order.Status {
		case exchange.OrderStatusFilled:
			m.applyRestingFill(ctx, trade, order)
		case exchange.OrderStatusCancelled, exchange.OrderStatusRejected:
			detail := fmt.Sprintf("venue reports order %s", order.Status)
			if err := m.db.UpdateTradeStatus(ctx, trade.ID, db.TradeStatusCanceled, &detail); err != nil {
				log.Error().Err(err).Str("trade_id", trade.ID.String()).Msg("Failed to cancel trade after venue cancellation")
			}
		}
	}
}
