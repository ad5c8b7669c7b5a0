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

// PositionSide represents long or short exposure (database enum).
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// PositionStatus represents position lifecycle state (database enum).
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Portfolio is a user's paper trading account. Money columns are
// NUMERIC(28,10); arithmetic happens in decimal, never float.
type Portfolio struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	CashBalance decimal.Decimal
	// Equity is cash plus marked position value, updated by the
	// accounting writer.
	Equity decimal.Decimal
	// DayStartEquity anchors daily drawdown checks; reset by the
	// snapshot scheduler at midnight UTC.
	DayStartEquity decimal.Decimal
	// PeakEquity anchors total drawdown checks.
	PeakEquity decimal.Decimal
	// FrozenUntil, when in the future, blocks new order submission
	// for this user. Set by the hard daily-drawdown stop.
	FrozenUntil  *time.Time
	FrozenReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Frozen reports whether the portfolio is under a per-user trading
// freeze at the given instant.
func (p *Portfolio) Frozen(now time.Time) bool {
	return p.FrozenUntil != nil && p.FrozenUntil.After(now)
}

// Position is an open or closed holding inside a portfolio.
type Position struct {
	ID            uuid.UUID
	PortfolioID   uuid.UUID
	UserID        uuid.UUID
	Symbol        string
	Exchange      string
	Side          PositionSide
	Status        PositionStatus
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	// StopLoss and TakeProfit are protective exit levels. The price
	// monitor closes the position when a fresh quote crosses them.
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	OpenedAt   time.Time
	ClosedAt   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreatePortfolio seeds a new portfolio for a user.
func (db *DB) CreatePortfolio(ctx context.Context, userID uuid.UUID, seedBalance decimal.Decimal) (*Portfolio, error) {
	query := `
		INSERT INTO portfolios (
			id, user_id, cash_balance, equity, day_start_equity, peak_equity,
			created_at, updated_at
		) VALUES ($1, $2, $3, $3, $3, $3, $4, $4)
		RETURNING id, user_id, cash_balance, equity, day_start_equity, peak_equity,
		          frozen_until, frozen_reason, created_at, updated_at
	`

	var p Portfolio
	err := db.pool.QueryRow(ctx, query, uuid.New(), userID, seedBalance, time.Now()).Scan(
		&p.ID, &p.UserID, &p.CashBalance, &p.Equity, &p.DayStartEquity, &p.PeakEquity,
		&p.FrozenUntil, &p.FrozenReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create portfolio: %w", err)
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("seed_balance", seedBalance.String()).
		Msg("Portfolio created")
	return &p, nil
}

// SeedPortfolio creates a portfolio and its opening journal entry in
// one transaction, so the journal always replays to the seed balance.
func (db *DB) SeedPortfolio(ctx context.Context, userID uuid.UUID, seedBalance decimal.Decimal) (*Portfolio, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO portfolios (
			id, user_id, cash_balance, equity, day_start_equity, peak_equity,
			created_at, updated_at
		) VALUES ($1, $2, $3, $3, $3, $3, $4, $4)
		RETURNING id, user_id, cash_balance, equity, day_start_equity, peak_equity,
		          frozen_until, frozen_reason, created_at, updated_at
	`

	var p Portfolio
	err = tx.QueryRow(ctx, query, uuid.New(), userID, seedBalance, time.Now()).Scan(
		&p.ID, &p.UserID, &p.CashBalance, &p.Equity, &p.DayStartEquity, &p.PeakEquity,
		&p.FrozenUntil, &p.FrozenReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create portfolio: %w", err)
	}

	entry := &JournalEntry{
		PortfolioID:  p.ID,
		UserID:       userID,
		EntryType:    JournalEntrySeed,
		Amount:       seedBalance,
		BalanceAfter: seedBalance,
		EquityAfter:  seedBalance,
	}
	if err := db.AppendJournalEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit portfolio seed: %w", err)
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("seed_balance", seedBalance.String()).
		Msg("Portfolio seeded")
	return &p, nil
}

// GetPortfolioByUserID retrieves a user's portfolio.
func (db *DB) GetPortfolioByUserID(ctx context.Context, userID uuid.UUID) (*Portfolio, error) {
	query := `
		SELECT id, user_id, cash_balance, equity, day_start_equity, peak_equity,
		       frozen_until, frozen_reason, created_at, updated_at
		FROM portfolios
		WHERE user_id = $1
	`

	var p Portfolio
	err := db.pool.QueryRow(ctx, query, userID).Scan(
		&p.ID, &p.UserID, &p.CashBalance, &p.Equity, &p.DayStartEquity, &p.PeakEquity,
		&p.FrozenUntil, &p.FrozenReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}

	return &p, nil
}

// UpdatePortfolioBalances writes new cash and equity figures inside a
// transaction so the journal append and the balance change commit
// together.
func (db *DB) UpdatePortfolioBalances(ctx context.Context, tx pgx.Tx, portfolioID uuid.UUID, cash, equity, peak decimal.Decimal) error {
	query := `
		UPDATE portfolios
		SET cash_balance = $1, equity = $2, peak_equity = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := tx.Exec(ctx, query, cash, equity, peak, portfolioID)
	if err != nil {
		return fmt.Errorf("failed to update portfolio balances: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ResetAllDayStartEquity anchors every portfolio's daily drawdown
// baseline at the day boundary and returns how many rows changed.
func (db *DB) ResetAllDayStartEquity(ctx context.Context) (int64, error) {
	query := `UPDATE portfolios SET day_start_equity = equity, updated_at = NOW()`

	result, err := db.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reset day start equity: %w", err)
	}

	return result.RowsAffected(), nil
}

// ReleaseExpiredFreezes lifts per-user freezes whose window has passed
// and returns how many were released.
func (db *DB) ReleaseExpiredFreezes(ctx context.Context) (int64, error) {
	query := `
		UPDATE portfolios
		SET frozen_until = NULL, frozen_reason = '', updated_at = NOW()
		WHERE frozen_until IS NOT NULL AND frozen_until <= NOW()
	`

	result, err := db.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired freezes: %w", err)
	}

	return result.RowsAffected(), nil
}

// FreezePortfolio blocks new order submission for a user until the
// given time. Used by the hard daily-drawdown stop.
func (db *DB) FreezePortfolio(ctx context.Context, portfolioID uuid.UUID, until time.Time, reason string) error {
	query := `
		UPDATE portfolios
		SET frozen_until = $1, frozen_reason = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := db.pool.Exec(ctx, query, until, reason, portfolioID)
	if err != nil {
		return fmt.Errorf("failed to freeze portfolio: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	log.Warn().
		Str("portfolio_id", portfolioID.String()).
		Time("frozen_until", until).
		Str("reason", reason).
		Msg("Portfolio frozen")
	return nil
}

// UnfreezePortfolio lifts a trading freeze. Run by the snapshot
// scheduler at day boundaries and by admin release.
func (db *DB) UnfreezePortfolio(ctx context.Context, portfolioID uuid.UUID) error {
	query := `
		UPDATE portfolios
		SET frozen_until = NULL, frozen_reason = '', updated_at = NOW()
		WHERE id = $1
	`

	result, err := db.pool.Exec(ctx, query, portfolioID)
	if err != nil {
		return fmt.Errorf("failed to unfreeze portfolio: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// GetPosition retrieves one position by ID.
func (db *DB) GetPosition(ctx context.Context, positionID uuid.UUID) (*Position, error) {
	query := selectPositions + ` WHERE id = $1`

	var pos Position
	err := db.pool.QueryRow(ctx, query, positionID).Scan(positionFields(&pos)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}

	return &pos, nil
}

// GetOpenPosition finds the open position for a symbol in a portfolio,
// if any.
func (db *DB) GetOpenPosition(ctx context.Context, portfolioID uuid.UUID, symbol string) (*Position, error) {
	query := selectPositions + ` WHERE portfolio_id = $1 AND symbol = $2 AND status = 'open'`

	var pos Position
	err := db.pool.QueryRow(ctx, query, portfolioID, symbol).Scan(positionFields(&pos)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position: %w", err)
	}

	return &pos, nil
}

// ListOpenPositions returns a user's open positions ordered oldest
// first, which is the mass-close order for the kill switch.
func (db *DB) ListOpenPositions(ctx context.Context, userID uuid.UUID) ([]*Position, error) {
	query := selectPositions + ` WHERE user_id = $1 AND status = 'open' ORDER BY opened_at ASC`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// ListOpenPositionsBySymbol returns every open position on a symbol
// across all users, oldest first. The price monitor scans these for
// crossed protective levels on each tick.
func (db *DB) ListOpenPositionsBySymbol(ctx context.Context, symbol string) ([]*Position, error) {
	query := selectPositions + ` WHERE symbol = $1 AND status = 'open' ORDER BY opened_at ASC`

	rows, err := db.pool.Query(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions by symbol: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// ListAllOpenPositions returns every open position in the system,
// oldest first. Used by the kill switch mass close.
func (db *DB) ListAllOpenPositions(ctx context.Context) ([]*Position, error) {
	query := selectPositions + ` WHERE status = 'open' ORDER BY opened_at ASC`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// InsertPosition creates a position inside a transaction.
func (db *DB) InsertPosition(ctx context.Context, tx pgx.Tx, pos *Position) error {
	query := `
		INSERT INTO positions (
			id, portfolio_id, user_id, symbol, exchange, side, status,
			quantity, avg_entry_price, realized_pnl, stop_loss, take_profit,
			opened_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`

	if pos.ID == uuid.Nil {
		pos.ID = uuid.New()
	}
	now := time.Now()

	_, err := tx.Exec(ctx, query,
		pos.ID, pos.PortfolioID, pos.UserID, pos.Symbol, pos.Exchange,
		pos.Side, pos.Status, pos.Quantity, pos.AvgEntryPrice, pos.RealizedPnL,
		pos.StopLoss, pos.TakeProfit, pos.OpenedAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}

	return nil
}

// UpdatePositionQuantity adjusts size and average entry after a fill,
// inside a transaction.
func (db *DB) UpdatePositionQuantity(ctx context.Context, tx pgx.Tx, positionID uuid.UUID, quantity, avgEntry, realizedPnL decimal.Decimal) error {
	query := `
		UPDATE positions
		SET quantity = $1, avg_entry_price = $2, realized_pnl = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := tx.Exec(ctx, query, quantity, avgEntry, realizedPnL, positionID)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SumRealizedPnL totals realized P&L across all of a portfolio's
// positions, open and closed. Feeds the daily snapshot row.
func (db *DB) SumRealizedPnL(ctx context.Context, portfolioID uuid.UUID) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(realized_pnl), 0) FROM positions WHERE portfolio_id = $1`

	var total decimal.Decimal
	if err := db.pool.QueryRow(ctx, query, portfolioID).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum realized pnl: %w", err)
	}

	return total, nil
}

// SetPositionProtection updates the protective exit levels on an open
// position. Nil clears a level.
func (db *DB) SetPositionProtection(ctx context.Context, positionID, userID uuid.UUID, stopLoss, takeProfit *decimal.Decimal) error {
	query := `
		UPDATE positions
		SET stop_loss = $1, take_profit = $2, updated_at = NOW()
		WHERE id = $3 AND user_id = $4 AND status = 'open'
	`

	result, err := db.pool.Exec(ctx, query, stopLoss, takeProfit, positionID, userID)
	if err != nil {
		return fmt.Errorf("failed to set position protection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ClosePosition marks a position closed inside a transaction.
func (db *DB) ClosePosition(ctx context.Context, tx pgx.Tx, positionID uuid.UUID, realizedPnL decimal.Decimal) error {
	query := `
		UPDATE positions
		SET status = 'closed', quantity = 0, realized_pnl = $1,
		    closed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = 'open'
	`

	result, err := tx.Exec(ctx, query, realizedPnL, positionID)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

const selectPositions = `
	SELECT id, portfolio_id, user_id, symbol, exchange, side, status,
	       quantity, avg_entry_price, realized_pnl, stop_loss, take_profit,
	       opened_at, closed_at, created_at, updated_at
	FROM positions`

func positionFields(pos *Position) []interface{} {
	return []interface{}{
		&pos.ID, &pos.PortfolioID, &pos.UserID, &pos.Symbol, &pos.Exchange,
		&pos.Side, &pos.Status, &pos.Quantity, &pos.AvgEntryPrice, &pos.RealizedPnL,
		&pos.StopLoss, &pos.TakeProfit, &pos.OpenedAt, &pos.ClosedAt,
		&pos.CreatedAt, &pos.UpdatedAt,
	}
}

func scanPositions(rows pgx.Rows) ([]*Position, error) {
	var positions []*Position
	for rows.Next() {
		var pos Position
		if err := rows.Scan(positionFields(&pos)...); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, &pos)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}
