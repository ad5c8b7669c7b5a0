package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/audit"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/exchange"
	"github.com/neontrader/backend/internal/metrics"
	"github.com/neontrader/backend/internal/risk"
)

// CloseCause says why a position is being closed. It picks the trade
// type recorded on the closing row.
type CloseCause string

const (
	CauseManual     CloseCause = "manual"
	CauseStopLoss   CloseCause = "stop_loss"
	CauseTakeProfit CloseCause = "take_profit"
	CauseKillSwitch CloseCause = "kill_switch"
)

func (c CloseCause) tradeType() db.TradeType {
	switch c {
	case CauseStopLoss:
		return db.TradeTypeStopLoss
	case CauseTakeProfit:
		return db.TradeTypeTakeProfit
	default:
		return db.TradeTypeMarket
	}
}

// CloseTrade closes the position a filled trade opened, at market.
// Closes run while frozen or halted; shedding exposure is always
// allowed.
func (r *Router) CloseTrade(ctx context.Context, userID, tradeID uuid.UUID) (*Result, error) {
	trade, err := r.db.GetTrade(ctx, tradeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "trade not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load trade", err)
	}
	if trade.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "trade not found")
	}
	if trade.Status == db.TradeStatusQueued {
		return r.cancelQueued(ctx, trade)
	}
	if trade.PositionID == nil {
		return nil, apperr.New(apperr.KindConflict, "trade has no position to close")
	}
	return r.ClosePosition(ctx, userID, *trade.PositionID)
}

// cancelQueued pulls a resting order off its venue. A queued row with
// no venue order id is an approval placeholder; deciding the approval
// is the only way to resolve it.
func (r *Router) cancelQueued(ctx context.Context, trade *db.Trade) (*Result, error) {
	if trade.ExchangeOrderID == nil {
		return nil, apperr.New(apperr.KindConflict, "order is awaiting approval; reject the approval instead")
	}

	mu := r.userLock(trade.UserID)
	mu.Lock()
	defer mu.Unlock()

	venue, _, err := r.platforms.ForVenue(ctx, trade.UserID, trade.Exchange)
	if err != nil {
		return nil, err
	}
	if _, err := venue.CancelOrder(ctx, *trade.ExchangeOrderID, trade.Symbol); err != nil {
		return nil, r.rejectToCancel(ctx, trade, err)
	}

	detail := "cancelled by user"
	if err := r.db.UpdateTradeStatus(ctx, trade.ID, db.TradeStatusCanceled, &detail); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "venue cancelled but trade row update failed", err)
	}
	trade.Status = db.TradeStatusCanceled
	trade.ErrorMessage = &detail

	r.notify(ctx, trade.UserID, db.NotificationTypeTrade,
		"Order cancelled",
		fmt.Sprintf("Resting %s %s %s order cancelled", trade.Side, trade.Quantity, trade.Symbol),
		"trade:"+trade.ID.String()+":canceled",
		map[string]interface{}{"trade_id": trade.ID.String()})
	r.publishTrade(ctx, bus.EventTradeRejected, trade)
	return &Result{Trade: trade}, nil
}

// rejectToCancel translates a venue cancel failure. A fill racing the
// cancel is a conflict the poller will settle shortly.
func (r *Router) rejectToCancel(ctx context.Context, trade *db.Trade, err error) error {
	classified := exchange.Classify(trade.Exchange, err)
	if classified.Kind == exchange.KindUnknown {
		// Venues report "not found" for already-settled orders.
		return apperr.Wrap(apperr.KindConflict, "order already settled on the venue", err)
	}
	return exchange.ToAppError(classified)
}

// ClosePosition closes an open position by id, at market.
func (r *Router) ClosePosition(ctx context.Context, userID, positionID uuid.UUID) (*Result, error) {
	pos, err := r.db.GetPosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "position not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load position", err)
	}
	if pos.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "position not found")
	}
	return r.closePositionByOwner(ctx, pos, CauseManual)
}

// closePositionByOwner serializes the close with the owner's other
// submissions, then runs it.
func (r *Router) closePositionByOwner(ctx context.Context, pos *db.Position, cause CloseCause) (*Result, error) {
	mu := r.userLock(pos.UserID)
	mu.Lock()
	defer mu.Unlock()
	return r.closePositionLocked(ctx, pos, cause)
}

// closePositionLocked is the close pipeline. The caller holds the
// owner's lock. The closing trade row is written before the venue is
// touched so even a failed close leaves a record.
func (r *Router) closePositionLocked(ctx context.Context, pos *db.Position, cause CloseCause) (*Result, error) {
	if pos.Status != db.PositionStatusOpen {
		return nil, apperr.New(apperr.KindConflict, "position already closed")
	}
	// Reload under the lock: a protective exit and a manual close can
	// race to this point.
	current, err := r.db.GetPosition(ctx, pos.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "position not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load position", err)
	}
	if current.Status != db.PositionStatusOpen {
		return nil, apperr.New(apperr.KindConflict, "position already closed")
	}
	pos = current

	user, err := r.db.GetUserByID(ctx, pos.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load user", err)
	}

	quote, quoteErr := r.quotes.Quote(ctx, pos.Symbol)
	if quoteErr != nil {
		log.Warn().Err(quoteErr).Str("symbol", pos.Symbol).Msg("Closing without a quote; venue price will settle it")
	}

	venue, execKind, err := r.platforms.ForVenue(ctx, pos.UserID, pos.Exchange)
	if err != nil {
		return nil, err
	}
	venueName := venue.Name()
	side := closingSide(pos.Side)

	now := time.Now().UTC()
	trade := &db.Trade{
		UserID:           pos.UserID,
		PortfolioID:      pos.PortfolioID,
		Symbol:           pos.Symbol,
		Exchange:         venueName,
		ExecutionKind:    execKind,
		Side:             side,
		Type:             cause.tradeType(),
		Status:           db.TradeStatusPending,
		Quantity:         pos.Quantity,
		Mode:             user.TradingMode,
		ClosesPositionID: &pos.ID,
		PlacedAt:         now,
	}
	if quoteErr == nil {
		trade.QuotePrice = &quote.Price
		trade.QuoteSource = quote.Source
		trade.QuoteAt = &quote.FetchedAt
	}
	if err := r.db.InsertTrade(ctx, trade); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to record closing trade", err)
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adapterTimeout)
	defer cancel()

	var order *exchange.Order
	placeErr := r.breakers.Execute(risk.BreakerExchangeAPI, func() error {
		return r.breakers.Execute(risk.BreakerTradeExecution, func() error {
			placed, perr := venue.PlaceOrder(execCtx, exchange.PlaceOrderRequest{
				Symbol:   pos.Symbol,
				Side:     exchange.OrderSide(side),
				Type:     exchange.OrderTypeMarket,
				Quantity: pos.Quantity,
			})
			if perr != nil {
				return exchange.Classify(venueName, perr)
			}
			order = placed
			return nil
		})
	})
	if placeErr != nil {
		return nil, r.rejectPlaced(execCtx, trade, venueName, placeErr)
	}
	if order.ID != "" {
		trade.ExchangeOrderID = &order.ID
		if err := r.db.SetTradeExchangeOrderID(execCtx, trade.ID, order.ID); err != nil {
			log.Warn().Err(err).Str("trade_id", trade.ID.String()).Msg("Failed to stamp exchange order id")
		}
	}

	fillPrice := order.AvgFillPrice
	if !fillPrice.IsPositive() && quoteErr == nil {
		fillPrice = quote.Price
	}
	if !fillPrice.IsPositive() {
		fillPrice = pos.AvgEntryPrice
	}

	res, err := r.accounts.CloseAt(execCtx, pos.UserID, pos.ID, fillPrice, trade.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "close filled by venue but portfolio update failed", err)
	}

	updated, err := r.db.GetTrade(execCtx, trade.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to reload trade", err)
	}

	metrics.RecordTrade(venueName, string(side), string(updated.Status))
	r.auditTrade(execCtx, audit.EventTypeTradeClosed, pos.UserID, trade.ID, map[string]interface{}{
		"symbol":       pos.Symbol,
		"cause":        string(cause),
		"fill_price":   fillPrice.String(),
		"realized_pnl": res.RealizedPnL.String(),
	}, true, "")
	r.notify(execCtx, pos.UserID, db.NotificationTypeTrade,
		closeTitle(cause),
		fmt.Sprintf("Closed %s %s %s at %s (realized P&L %s)", pos.Side, pos.Quantity, pos.Symbol, fillPrice, res.RealizedPnL),
		"trade:"+trade.ID.String()+":closed",
		map[string]interface{}{
			"trade_id":     trade.ID.String(),
			"position_id":  pos.ID.String(),
			"cause":        string(cause),
			"realized_pnl": res.RealizedPnL.String(),
		})
	r.publishTrade(execCtx, bus.EventTradeClosed, updated)

	return &Result{Trade: updated}, nil
}

func closeTitle(cause CloseCause) string {
	switch cause {
	case CauseStopLoss:
		return "Stop loss triggered"
	case CauseTakeProfit:
		return "Take profit triggered"
	case CauseKillSwitch:
		return "Position closed by kill switch"
	default:
		return "Position closed"
	}
}

// closingSide is the order side that exits a position.
func closingSide(side db.PositionSide) db.TradeSide {
	if side == db.PositionSideShort {
		return db.TradeSideBuy
	}
	return db.TradeSideSell
}
