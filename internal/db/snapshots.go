package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PortfolioSnapshot is a point-in-time record of portfolio value,
// written by the daily scheduler and used for performance history.
type PortfolioSnapshot struct {
	ID            uuid.UUID
	PortfolioID   uuid.UUID
	UserID        uuid.UUID
	CashBalance   decimal.Decimal
	Equity        decimal.Decimal
	OpenPositions int
	RealizedPnL   decimal.Decimal
	TakenAt       time.Time
}

// InsertSnapshot records a portfolio snapshot.
func (db *DB) InsertSnapshot(ctx context.Context, snap *PortfolioSnapshot) error {
	query := `
		INSERT INTO portfolio_snapshots (
			id, portfolio_id, user_id, cash_balance, equity,
			open_positions, realized_pnl, taken_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}

	_, err := db.pool.Exec(ctx, query,
		snap.ID, snap.PortfolioID, snap.UserID, snap.CashBalance,
		snap.Equity, snap.OpenPositions, snap.RealizedPnL, snap.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert portfolio snapshot: %w", err)
	}

	return nil
}

// GetLatestSnapshot returns the most recent snapshot for a portfolio.
func (db *DB) GetLatestSnapshot(ctx context.Context, portfolioID uuid.UUID) (*PortfolioSnapshot, error) {
	query := `
		SELECT id, portfolio_id, user_id, cash_balance, equity,
		       open_positions, realized_pnl, taken_at
		FROM portfolio_snapshots
		WHERE portfolio_id = $1
		ORDER BY taken_at DESC
		LIMIT 1
	`

	var snap PortfolioSnapshot
	err := db.pool.QueryRow(ctx, query, portfolioID).Scan(
		&snap.ID, &snap.PortfolioID, &snap.UserID, &snap.CashBalance,
		&snap.Equity, &snap.OpenPositions, &snap.RealizedPnL, &snap.TakenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	return &snap, nil
}

// ListSnapshots returns snapshots for a portfolio within a time range,
// oldest first, for equity-curve rendering.
func (db *DB) ListSnapshots(ctx context.Context, portfolioID uuid.UUID, since time.Time, limit int) ([]*PortfolioSnapshot, error) {
	query := `
		SELECT id, portfolio_id, user_id, cash_balance, equity,
		       open_positions, realized_pnl, taken_at
		FROM portfolio_snapshots
		WHERE portfolio_id = $1 AND taken_at >= $2
		ORDER BY taken_at ASC
		LIMIT $3
	`

	rows, err := db.pool.Query(ctx, query, portfolioID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*PortfolioSnapshot
	for rows.Next() {
		var snap PortfolioSnapshot
		err := rows.Scan(
			&snap.ID, &snap.PortfolioID, &snap.UserID, &snap.CashBalance,
			&snap.Equity, &snap.OpenPositions, &snap.RealizedPnL, &snap.TakenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snaps, nil
}
