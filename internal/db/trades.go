package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// TradeSide represents buy or sell (database enum).
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// TradeType represents order type (database enum). Stop-loss and
// take-profit orders attach protective exit levels to an open
// position; the price monitor closes the position when a quote
// crosses them.
type TradeType string

const (
	TradeTypeMarket     TradeType = "market"
	TradeTypeLimit      TradeType = "limit"
	TradeTypeStopLoss   TradeType = "stop_loss"
	TradeTypeTakeProfit TradeType = "take_profit"
)

// ExecutionKind records whether a fill hit a live venue or the paper
// simulator (database enum).
type ExecutionKind string

const (
	ExecutionPaper ExecutionKind = "paper"
	ExecutionLive  ExecutionKind = "live"
)

// TradeStatus represents trade lifecycle state (database enum).
type TradeStatus string

const (
	TradeStatusPending  TradeStatus = "pending"
	TradeStatusQueued   TradeStatus = "queued"
	TradeStatusFilled   TradeStatus = "filled"
	TradeStatusRejected TradeStatus = "rejected"
	TradeStatusCanceled TradeStatus = "canceled"
)

// Trade is one order submission and its outcome.
type Trade struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	PortfolioID uuid.UUID
	PositionID  *uuid.UUID
	Symbol      string
	Exchange    string
	// ExecutionKind is paper unless a connected live platform handled
	// the order.
	ExecutionKind ExecutionKind
	Side          TradeSide
	Type          TradeType
	Status        TradeStatus
	Quantity      decimal.Decimal
	// LimitPrice is set for limit orders, StopPrice for stop orders.
	LimitPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
	// StopLoss and TakeProfit are protective levels attached to the
	// position this trade opens.
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	FillPrice  *decimal.Decimal
	// QuotePrice and QuoteSource record the aggregator quote the order
	// was validated against, for audit.
	QuotePrice      *decimal.Decimal
	QuoteSource     string
	QuoteAt         *time.Time
	Mode            string
	IdempotencyKey  *string
	ExchangeOrderID *string
	// ClosesPositionID links a closing trade to the position it exits.
	ClosesPositionID *uuid.UUID
	RealizedPnL      *decimal.Decimal
	ErrorMessage     *string
	PlacedAt         time.Time
	FilledAt         *time.Time
	CanceledAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InsertTrade inserts a new trade record.
func (db *DB) InsertTrade(ctx context.Context, trade *Trade) error {
	query := `
		INSERT INTO trades (
			id, user_id, portfolio_id, position_id, symbol, exchange,
			execution_kind, side, type, status, quantity, limit_price,
			stop_price, stop_loss, take_profit, fill_price, quote_price,
			quote_source, quote_at, mode, idempotency_key, exchange_order_id,
			closes_position_id, realized_pnl, error_message, placed_at,
			filled_at, canceled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28,
			$29, $30
		)
	`

	now := time.Now()
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	if trade.ExecutionKind == "" {
		trade.ExecutionKind = ExecutionPaper
	}
	trade.CreatedAt = now
	trade.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query,
		trade.ID, trade.UserID, trade.PortfolioID, trade.PositionID,
		trade.Symbol, trade.Exchange, trade.ExecutionKind, trade.Side,
		trade.Type, trade.Status, trade.Quantity, trade.LimitPrice,
		trade.StopPrice, trade.StopLoss, trade.TakeProfit, trade.FillPrice,
		trade.QuotePrice, trade.QuoteSource, trade.QuoteAt, trade.Mode,
		trade.IdempotencyKey, trade.ExchangeOrderID, trade.ClosesPositionID,
		trade.RealizedPnL, trade.ErrorMessage, trade.PlacedAt, trade.FilledAt,
		trade.CanceledAt, trade.CreatedAt, trade.UpdatedAt,
	)

	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("failed to insert trade: %w", err)
		}
		log.Error().Err(err).
			Str("trade_id", trade.ID.String()).
			Str("symbol", trade.Symbol).
			Msg("Failed to insert trade")
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	log.Debug().
		Str("trade_id", trade.ID.String()).
		Str("symbol", trade.Symbol).
		Str("status", string(trade.Status)).
		Msg("Trade inserted")
	return nil
}

// UpdateTradeFill records a fill inside a transaction.
func (db *DB) UpdateTradeFill(ctx context.Context, tx pgx.Tx, tradeID uuid.UUID, positionID uuid.UUID, fillPrice decimal.Decimal, realizedPnL *decimal.Decimal, filledAt time.Time) error {
	query := `
		UPDATE trades
		SET status = 'filled', position_id = $1, fill_price = $2,
		    realized_pnl = $3, filled_at = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := tx.Exec(ctx, query, positionID, fillPrice, realizedPnL, filledAt, tradeID)
	if err != nil {
		return fmt.Errorf("failed to record trade fill: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateTradeStatus moves a trade to a terminal or queued state.
func (db *DB) UpdateTradeStatus(ctx context.Context, tradeID uuid.UUID, status TradeStatus, errorMsg *string) error {
	query := `
		UPDATE trades
		SET status = $1, error_message = $2,
		    canceled_at = CASE WHEN $1 = 'canceled' THEN NOW() ELSE canceled_at END,
		    updated_at = NOW()
		WHERE id = $3
	`

	result, err := db.pool.Exec(ctx, query, status, errorMsg, tradeID)
	if err != nil {
		return fmt.Errorf("failed to update trade status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	log.Debug().
		Str("trade_id", tradeID.String()).
		Str("status", string(status)).
		Msg("Trade status updated")
	return nil
}

// GetTrade retrieves a trade by ID.
func (db *DB) GetTrade(ctx context.Context, tradeID uuid.UUID) (*Trade, error) {
	query := selectTrades + ` WHERE id = $1`

	var trade Trade
	err := db.pool.QueryRow(ctx, query, tradeID).Scan(tradeFields(&trade)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}

	return &trade, nil
}

// GetTradeByIdempotencyKey finds a prior submission with the same key
// for the same user.
func (db *DB) GetTradeByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*Trade, error) {
	query := selectTrades + ` WHERE user_id = $1 AND idempotency_key = $2`

	var trade Trade
	err := db.pool.QueryRow(ctx, query, userID, key).Scan(tradeFields(&trade)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade by idempotency key: %w", err)
	}

	return &trade, nil
}

// GetTradeByExchangeOrderID resolves a venue's order id back to the
// trade row it belongs to. The price monitor uses it to settle paper
// limit orders reported by ProcessQuote.
func (db *DB) GetTradeByExchangeOrderID(ctx context.Context, exchange, orderID string) (*Trade, error) {
	query := selectTrades + ` WHERE exchange = $1 AND exchange_order_id = $2`

	var trade Trade
	err := db.pool.QueryRow(ctx, query, exchange, orderID).Scan(tradeFields(&trade)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade by exchange order id: %w", err)
	}

	return &trade, nil
}

// SetTradeExchangeOrderID stamps the venue's order id on a trade as
// soon as the venue acknowledges it.
func (db *DB) SetTradeExchangeOrderID(ctx context.Context, tradeID uuid.UUID, orderID string) error {
	query := `UPDATE trades SET exchange_order_id = $1, updated_at = NOW() WHERE id = $2`

	result, err := db.pool.Exec(ctx, query, orderID, tradeID)
	if err != nil {
		return fmt.Errorf("failed to set exchange order id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// RouteTrade stamps the routing decision on a trade that was queued
// before a platform was chosen, as approval-gated orders are. The
// quote columns record the price the order was validated against.
func (db *DB) RouteTrade(ctx context.Context, tradeID uuid.UUID, exchange string, kind ExecutionKind, quotePrice decimal.Decimal, quoteSource string, quoteAt time.Time) error {
	query := `
		UPDATE trades
		SET exchange = $1, execution_kind = $2, quote_price = $3,
		    quote_source = $4, quote_at = $5, updated_at = NOW()
		WHERE id = $6
	`

	result, err := db.pool.Exec(ctx, query, exchange, kind, quotePrice, quoteSource, quoteAt, tradeID)
	if err != nil {
		return fmt.Errorf("failed to route trade: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListTradesByUser returns a user's trades, newest first.
func (db *DB) ListTradesByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Trade, error) {
	query := selectTrades + ` WHERE user_id = $1 ORDER BY placed_at DESC LIMIT $2 OFFSET $3`

	rows, err := db.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// ListQueuedTrades returns limit orders waiting for a price cross.
func (db *DB) ListQueuedTrades(ctx context.Context) ([]*Trade, error) {
	query := selectTrades + ` WHERE status = 'queued' ORDER BY placed_at ASC`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

const selectTrades = `
	SELECT id, user_id, portfolio_id, position_id, symbol, exchange,
	       execution_kind, side, type, status, quantity, limit_price,
	       stop_price, stop_loss, take_profit, fill_price, quote_price,
	       quote_source, quote_at, mode, idempotency_key, exchange_order_id,
	       closes_position_id, realized_pnl, error_message, placed_at,
	       filled_at, canceled_at, created_at, updated_at
	FROM trades`

func tradeFields(trade *Trade) []interface{} {
	return []interface{}{
		&trade.ID, &trade.UserID, &trade.PortfolioID, &trade.PositionID,
		&trade.Symbol, &trade.Exchange, &trade.ExecutionKind, &trade.Side,
		&trade.Type, &trade.Status, &trade.Quantity, &trade.LimitPrice,
		&trade.StopPrice, &trade.StopLoss, &trade.TakeProfit, &trade.FillPrice,
		&trade.QuotePrice, &trade.QuoteSource, &trade.QuoteAt, &trade.Mode,
		&trade.IdempotencyKey, &trade.ExchangeOrderID, &trade.ClosesPositionID,
		&trade.RealizedPnL, &trade.ErrorMessage, &trade.PlacedAt, &trade.FilledAt,
		&trade.CanceledAt, &trade.CreatedAt, &trade.UpdatedAt,
	}
}

func scanTrades(rows pgx.Rows) ([]*Trade, error) {
	var trades []*Trade
	for rows.Next() {
		var trade Trade
		if err := rows.Scan(tradeFields(&trade)...); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, &trade)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}
