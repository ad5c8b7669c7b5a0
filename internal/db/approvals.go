package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ApprovalStatus represents pending-approval lifecycle (database enum).
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Approval holds a trade intent awaiting user confirmation in assisted
// mode. Intent is the serialized order request, re-validated at
// approval time rather than trusted as-is.
type Approval struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Intent    map[string]interface{}
	Status    ApprovalStatus
	Reason    *string
	TradeID   *uuid.UUID
	ExpiresAt time.Time
	DecidedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateApproval stores a new pending approval.
func (db *DB) CreateApproval(ctx context.Context, approval *Approval) error {
	query := `
		INSERT INTO trade_approvals (
			id, user_id, intent, status, reason, trade_id,
			expires_at, decided_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	now := time.Now()
	if approval.ID == uuid.Nil {
		approval.ID = uuid.New()
	}
	if approval.Status == "" {
		approval.Status = ApprovalStatusPending
	}
	approval.CreatedAt = now
	approval.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query,
		approval.ID, approval.UserID, approval.Intent, approval.Status,
		approval.Reason, approval.TradeID, approval.ExpiresAt,
		approval.DecidedAt, approval.CreatedAt, approval.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}

	log.Debug().
		Str("approval_id", approval.ID.String()).
		Time("expires_at", approval.ExpiresAt).
		Msg("Trade approval created")
	return nil
}

// GetApproval retrieves an approval by ID.
func (db *DB) GetApproval(ctx context.Context, approvalID uuid.UUID) (*Approval, error) {
	query := selectApprovals + ` WHERE id = $1`

	var approval Approval
	err := db.pool.QueryRow(ctx, query, approvalID).Scan(approvalFields(&approval)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	return &approval, nil
}

// ListPendingApprovals returns a user's pending approvals, oldest first.
func (db *DB) ListPendingApprovals(ctx context.Context, userID uuid.UUID) ([]*Approval, error) {
	query := selectApprovals + ` WHERE user_id = $1 AND status = 'pending' ORDER BY created_at ASC`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	defer rows.Close()

	return scanApprovals(rows)
}

// DecideApproval transitions a pending approval to approved or
// rejected. The status guard means a concurrent decision or the
// expiry sweep wins exactly once; losers get ErrNotFound.
func (db *DB) DecideApproval(ctx context.Context, approvalID uuid.UUID, status ApprovalStatus, reason *string) error {
	query := `
		UPDATE trade_approvals
		SET status = $1, reason = $2, decided_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = 'pending'
	`

	result, err := db.pool.Exec(ctx, query, status, reason, approvalID)
	if err != nil {
		return fmt.Errorf("failed to decide approval: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ExpireStaleApprovals marks pending approvals past their deadline as
// expired and returns them so callers can notify the owners.
func (db *DB) ExpireStaleApprovals(ctx context.Context) ([]*Approval, error) {
	query := `
		UPDATE trade_approvals
		SET status = 'expired', decided_at = NOW(), updated_at = NOW()
		WHERE status = 'pending' AND expires_at <= NOW()
		RETURNING id, user_id, intent, status, reason, trade_id,
		          expires_at, decided_at, created_at, updated_at
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale approvals: %w", err)
	}
	defer rows.Close()

	expired, err := scanApprovals(rows)
	if err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("Expired stale trade approvals")
	}
	return expired, nil
}

const selectApprovals = `
	SELECT id, user_id, intent, status, reason, trade_id,
	       expires_at, decided_at, created_at, updated_at
	FROM trade_approvals`

func approvalFields(approval *Approval) []interface{} {
	return []interface{}{
		&approval.ID, &approval.UserID, &approval.Intent, &approval.Status,
		&approval.Reason, &approval.TradeID, &approval.ExpiresAt,
		&approval.DecidedAt, &approval.CreatedAt, &approval.UpdatedAt,
	}
}

func scanApprovals(rows pgx.Rows) ([]*Approval, error) {
	var approvals []*Approval
	for rows.Next() {
		var approval Approval
		if err := rows.Scan(approvalFields(&approval)...); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, &approval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return approvals, nil
}
