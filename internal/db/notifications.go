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

// NotificationType classifies notifications (database enum).
type NotificationType string

const (
	NotificationTypeAlert       NotificationType = "alert"
	NotificationTypeTrade       NotificationType = "trade"
	NotificationTypeApproval    NotificationType = "approval"
	NotificationTypeKillSwitch  NotificationType = "kill_switch"
	NotificationTypeBreaker     NotificationType = "breaker"
	NotificationTypeSystem      NotificationType = "system"
	NotificationTypeOpportunity NotificationType = "opportunity"
)

// Notification is a user-facing message. Fingerprint is a stable hash
// of the triggering event; a unique index on (user_id, fingerprint)
// makes delivery idempotent across scanner re-runs and restarts.
type Notification struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Type        NotificationType
	Title       string
	Body        string
	Fingerprint string
	Metadata    map[string]interface{}
	ReadAt      *time.Time
	CreatedAt   time.Time
}

// InsertNotification inserts a notification unless the same
// fingerprint was already delivered to the user. Returns true when
// the row was inserted, false when the fingerprint deduped it.
func (db *DB) InsertNotification(ctx context.Context, notif *Notification) (bool, error) {
	query := `
		INSERT INTO notifications (
			id, user_id, type, title, body, fingerprint, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, fingerprint) DO NOTHING
	`

	if notif.ID == uuid.Nil {
		notif.ID = uuid.New()
	}
	if notif.CreatedAt.IsZero() {
		notif.CreatedAt = time.Now()
	}

	result, err := db.pool.Exec(ctx, query,
		notif.ID, notif.UserID, notif.Type, notif.Title, notif.Body,
		notif.Fingerprint, notif.Metadata, notif.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}

	inserted := result.RowsAffected() > 0
	if !inserted {
		log.Debug().
			Str("user_id", notif.UserID.String()).
			Str("fingerprint", notif.Fingerprint).
			Msg("Notification deduped by fingerprint")
	}
	return inserted, nil
}

// ListNotifications returns a user's notifications, newest first.
func (db *DB) ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT id, user_id, type, title, body, fingerprint, metadata, read_at, created_at
		FROM notifications
		WHERE user_id = $1 AND ($2 = FALSE OR read_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := db.pool.Query(ctx, query, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifs []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID, &notif.UserID, &notif.Type, &notif.Title, &notif.Body,
			&notif.Fingerprint, &notif.Metadata, &notif.ReadAt, &notif.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifs = append(notifs, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifs, nil
}

// MarkNotificationRead stamps read_at for a user's notification.
func (db *DB) MarkNotificationRead(ctx context.Context, notifID, userID uuid.UUID) error {
	query := `
		UPDATE notifications SET read_at = NOW()
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL
	`

	result, err := db.pool.Exec(ctx, query, notifID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DeviceToken is an FCM registration token for push delivery.
type DeviceToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Token     string
	Platform  string
	CreatedAt time.Time
	LastSeen  time.Time
}

// UpsertDeviceToken registers or refreshes a device token.
func (db *DB) UpsertDeviceToken(ctx context.Context, userID uuid.UUID, token, platform string) error {
	query := `
		INSERT INTO device_tokens (id, user_id, token, platform, created_at, last_seen)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			last_seen = NOW()
	`

	_, err := db.pool.Exec(ctx, query, uuid.New(), userID, token, platform)
	if err != nil {
		return fmt.Errorf("failed to upsert device token: %w", err)
	}

	return nil
}

// ListDeviceTokens returns a user's registered device tokens.
func (db *DB) ListDeviceTokens(ctx context.Context, userID uuid.UUID) ([]*DeviceToken, error) {
	query := `
		SELECT id, user_id, token, platform, created_at, last_seen
		FROM device_tokens
		WHERE user_id = $1
		ORDER BY last_seen DESC
	`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*DeviceToken
	for rows.Next() {
		var tok DeviceToken
		err := rows.Scan(&tok.ID, &tok.UserID, &tok.Token, &tok.Platform, &tok.CreatedAt, &tok.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, &tok)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device tokens: %w", err)
	}

	return tokens, nil
}

// DeleteDeviceToken removes a stale or invalidated token.
func (db *DB) DeleteDeviceToken(ctx context.Context, token string) error {
	query := `DELETE FROM device_tokens WHERE token = $1`

	result, err := db.pool.Exec(ctx, query, token)
	if err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// NotificationPrefs holds a user's delivery toggles. Safety notices
// (kill switch, breaker, approvals, system) bypass these entirely.
type NotificationPrefs struct {
	UserID             uuid.UUID
	TradeNotices       bool
	AlertNotices       bool
	OpportunityNotices bool
	PushEnabled        bool
	UpdatedAt          time.Time
}

// DefaultNotificationPrefs returns the everything-on default used
// when a user has never saved preferences.
func DefaultNotificationPrefs(userID uuid.UUID) *NotificationPrefs {
	return &NotificationPrefs{
		UserID:             userID,
		TradeNotices:       true,
		AlertNotices:       true,
		OpportunityNotices: true,
		PushEnabled:        true,
	}
}

// GetNotificationPrefs returns the user's preferences, falling back
// to defaults when no row exists.
func (db *DB) GetNotificationPrefs(ctx context.Context, userID uuid.UUID) (*NotificationPrefs, error) {
	query := `
		SELECT user_id, trade_notices, alert_notices, opportunity_notices, push_enabled, updated_at
		FROM notification_prefs
		WHERE user_id = $1
	`

	var prefs NotificationPrefs
	err := db.pool.QueryRow(ctx, query, userID).Scan(
		&prefs.UserID, &prefs.TradeNotices, &prefs.AlertNotices,
		&prefs.OpportunityNotices, &prefs.PushEnabled, &prefs.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultNotificationPrefs(userID), nil
		}
		return nil, fmt.Errorf("failed to query notification prefs: %w", err)
	}

	return &prefs, nil
}

// UpsertNotificationPrefs saves the user's preferences.
func (db *DB) UpsertNotificationPrefs(ctx context.Context, prefs *NotificationPrefs) error {
	query := `
		INSERT INTO notification_prefs (
			user_id, trade_notices, alert_notices, opportunity_notices, push_enabled, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			trade_notices = EXCLUDED.trade_notices,
			alert_notices = EXCLUDED.alert_notices,
			opportunity_notices = EXCLUDED.opportunity_notices,
			push_enabled = EXCLUDED.push_enabled,
			updated_at = NOW()
	`

	_, err := db.pool.Exec(ctx, query,
		prefs.UserID, prefs.TradeNotices, prefs.AlertNotices,
		prefs.OpportunityNotices, prefs.PushEnabled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert notification prefs: %w", err)
	}

	return nil
}
