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

// AlertCondition represents what a smart alert watches (database enum).
type AlertCondition string

const (
	AlertPriceAbove  AlertCondition = "price_above"
	AlertPriceBelow  AlertCondition = "price_below"
	AlertRSIAbove    AlertCondition = "rsi_above"
	AlertRSIBelow    AlertCondition = "rsi_below"
	AlertVolumeSpike AlertCondition = "volume_spike"
)

// AlertState is the alert lifecycle (database enum). Armed alerts are
// evaluated on every price tick; a trigger fires exactly once per
// arming and moves the alert to triggered until the owner re-arms or
// dismisses it.
type AlertState string

const (
	AlertArmed     AlertState = "armed"
	AlertTriggered AlertState = "triggered"
	AlertDismissed AlertState = "dismissed"
)

// Alert is a user-defined smart alert. Fingerprint is a stable hash of
// {owner, symbol, condition, bucketised threshold}; a partial unique
// index guarantees at most one armed alert per (owner, fingerprint).
type Alert struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Symbol      string
	Condition   AlertCondition
	Threshold   decimal.Decimal
	Fingerprint string
	State       AlertState
	TriggeredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateAlert stores a new alert in armed state. A second armed alert
// with the same fingerprint for the same owner violates the partial
// unique index; callers map that to a conflict.
func (db *DB) CreateAlert(ctx context.Context, alert *Alert) error {
	query := `
		INSERT INTO alerts (
			id, user_id, symbol, condition, threshold, fingerprint, state,
			triggered_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	now := time.Now()
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	alert.State = AlertArmed
	alert.CreatedAt = now
	alert.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query,
		alert.ID, alert.UserID, alert.Symbol, alert.Condition,
		alert.Threshold, alert.Fingerprint, alert.State, alert.TriggeredAt,
		alert.CreatedAt, alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// GetAlert retrieves an alert scoped to its owner.
func (db *DB) GetAlert(ctx context.Context, alertID, userID uuid.UUID) (*Alert, error) {
	query := selectAlerts + ` WHERE id = $1 AND user_id = $2`

	var alert Alert
	err := db.pool.QueryRow(ctx, query, alertID, userID).Scan(alertFields(&alert)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return &alert, nil
}

// ListAlertsByUser returns all of a user's alerts.
func (db *DB) ListAlertsByUser(ctx context.Context, userID uuid.UUID) ([]*Alert, error) {
	query := selectAlerts + ` WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// ListArmedAlerts returns every armed alert across users for the
// evaluation loop, grouped by symbol.
func (db *DB) ListArmedAlerts(ctx context.Context) ([]*Alert, error) {
	query := selectAlerts + ` WHERE state = 'armed' ORDER BY symbol ASC`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query armed alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// TriggerAlert transitions an alert from armed to triggered. The state
// guard makes the transition fire exactly once even when concurrent
// ticks evaluate the same alert; only the winner gets true.
func (db *DB) TriggerAlert(ctx context.Context, alertID uuid.UUID) (bool, error) {
	query := `
		UPDATE alerts
		SET state = 'triggered', triggered_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'armed'
	`

	result, err := db.pool.Exec(ctx, query, alertID)
	if err != nil {
		return false, fmt.Errorf("failed to trigger alert: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// RearmAlert moves a triggered or dismissed alert back to armed so it
// can fire again. Re-arming fails with a unique violation if another
// armed alert with the same fingerprint appeared in the meantime.
func (db *DB) RearmAlert(ctx context.Context, alertID, userID uuid.UUID) error {
	query := `
		UPDATE alerts
		SET state = 'armed', triggered_at = NULL, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND state <> 'armed'
	`

	result, err := db.pool.Exec(ctx, query, alertID, userID)
	if err != nil {
		return fmt.Errorf("failed to rearm alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DismissAlert retires an alert without deleting its history.
func (db *DB) DismissAlert(ctx context.Context, alertID, userID uuid.UUID) error {
	query := `
		UPDATE alerts
		SET state = 'dismissed', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND state <> 'dismissed'
	`

	result, err := db.pool.Exec(ctx, query, alertID, userID)
	if err != nil {
		return fmt.Errorf("failed to dismiss alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteAlert removes an alert owned by the given user.
func (db *DB) DeleteAlert(ctx context.Context, alertID, userID uuid.UUID) error {
	query := `DELETE FROM alerts WHERE id = $1 AND user_id = $2`

	result, err := db.pool.Exec(ctx, query, alertID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

const selectAlerts = `
	SELECT id, user_id, symbol, condition, threshold, fingerprint, state,
	       triggered_at, created_at, updated_at
	FROM alerts`

func alertFields(alert *Alert) []interface{} {
	return []interface{}{
		&alert.ID, &alert.UserID, &alert.Symbol, &alert.Condition,
		&alert.Threshold, &alert.Fingerprint, &alert.State,
		&alert.TriggeredAt, &alert.CreatedAt, &alert.UpdatedAt,
	}
}

func scanAlerts(rows pgx.Rows) ([]*Alert, error) {
	var alerts []*Alert
	for rows.Next() {
		var alert Alert
		if err := rows.Scan(alertFields(&alert)...); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, nil
}
