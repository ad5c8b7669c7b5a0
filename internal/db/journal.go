package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/metrics"
)

// JournalEntryType classifies portfolio journal entries (database enum).
type JournalEntryType string

const (
	JournalEntrySeed       JournalEntryType = "seed"
	JournalEntryTradeOpen  JournalEntryType = "trade_open"
	JournalEntryTradeClose JournalEntryType = "trade_close"
	JournalEntryFee        JournalEntryType = "fee"
	JournalEntryAdjustment JournalEntryType = "adjustment"
)

// JournalEntry is one immutable row in the portfolio journal. Seq is
// assigned by the database and is strictly increasing per portfolio,
// so replaying entries in seq order reconstructs the balance history.
type JournalEntry struct {
	Seq          int64
	ID           uuid.UUID
	PortfolioID  uuid.UUID
	UserID       uuid.UUID
	TradeID      *uuid.UUID
	EntryType    JournalEntryType
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	EquityAfter  decimal.Decimal
	Details      map[string]interface{}
	CreatedAt    time.Time
}

// AppendJournalEntry appends inside the caller's transaction so the
// entry commits atomically with the balance update it describes.
// Entries are never updated or deleted.
func (db *DB) AppendJournalEntry(ctx context.Context, tx pgx.Tx, entry *JournalEntry) error {
	query := `
		INSERT INTO portfolio_journal (
			id, portfolio_id, user_id, trade_id, entry_type, amount,
			balance_after, equity_after, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	err := tx.QueryRow(ctx, query,
		entry.ID, entry.PortfolioID, entry.UserID, entry.TradeID,
		entry.EntryType, entry.Amount, entry.BalanceAfter, entry.EquityAfter,
		entry.Details, entry.CreatedAt,
	).Scan(&entry.Seq)

	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	metrics.RecordJournalAppend(string(entry.EntryType))
	return nil
}

// GetJournalEntries returns a portfolio's journal in seq order.
func (db *DB) GetJournalEntries(ctx context.Context, portfolioID uuid.UUID, limit, offset int) ([]*JournalEntry, error) {
	query := `
		SELECT seq, id, portfolio_id, user_id, trade_id, entry_type, amount,
		       balance_after, equity_after, details, created_at
		FROM portfolio_journal
		WHERE portfolio_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := db.pool.Query(ctx, query, portfolioID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var entry JournalEntry
		err := rows.Scan(
			&entry.Seq, &entry.ID, &entry.PortfolioID, &entry.UserID,
			&entry.TradeID, &entry.EntryType, &entry.Amount,
			&entry.BalanceAfter, &entry.EquityAfter, &entry.Details,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}

	return entries, nil
}

// GetLastJournalSeq returns the latest seq for a portfolio, 0 when the
// journal is empty.
func (db *DB) GetLastJournalSeq(ctx context.Context, portfolioID uuid.UUID) (int64, error) {
	query := `SELECT COALESCE(MAX(seq), 0) FROM portfolio_journal WHERE portfolio_id = $1`

	var seq int64
	if err := db.pool.QueryRow(ctx, query, portfolioID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to get last journal seq: %w", err)
	}

	return seq, nil
}
