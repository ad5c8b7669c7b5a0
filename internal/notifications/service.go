// Package notifications persists user-facing notices and fans them out:
// every accepted notice is written to the feed (deduped by fingerprint),
// published on the bus for the streaming bridge, and pushed to the
// user's registered devices. Producers fire and forget; a dropped push
// never blocks an order or an alert.
package notifications

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/metrics"
)

// Backend delivers a notification to a single device. Implementations
// wrap a push provider (FCM in production, a recorder in tests).
type Backend interface {
	Send(ctx context.Context, deviceToken string, n *db.Notification) error
	Name() string
	Close() error
}

// ErrUnregistered marks a device token the push provider no longer
// recognizes. The service deletes such tokens instead of retrying.
var ErrUnregistered = errors.New("device token unregistered")

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var validPlatforms = map[string]bool{
	"ios":     true,
	"android": true,
	"web":     true,
}

// Service is the single delivery point for user notifications.
type Service struct {
	db      *db.DB
	bus     *bus.Bus
	backend Backend
}

// NewService creates the notification service. The bus and backend may
// be nil; delivery then stops at the persisted feed.
func NewService(database *db.DB, b *bus.Bus, backend Backend) *Service {
	return &Service{
		db:      database,
		bus:     b,
		backend: backend,
	}
}

// Close shuts down the push backend.
func (s *Service) Close() error {
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}

// Notify persists and delivers one notification. It never reports
// failure to the caller: producers must not block on delivery, so
// errors are logged and counted here.
//
// Safety notices (kill switch, breaker, approvals, system) are always
// delivered. Trade, alert and opportunity notices honor the user's
// preference toggles.
func (s *Service) Notify(ctx context.Context, n *db.Notification) {
	if n == nil || n.UserID == uuid.Nil {
		log.Warn().Msg("Dropped notification without a recipient")
		return
	}

	prefs, err := s.db.GetNotificationPrefs(ctx, n.UserID)
	if err != nil {
		// Fail open: a prefs read outage must not swallow notices.
		log.Warn().Err(err).
			Str("user_id", n.UserID.String()).
			Msg("Failed to load notification prefs, delivering anyway")
		prefs = db.DefaultNotificationPrefs(n.UserID)
	}

	if !typeEnabled(prefs, n.Type) {
		log.Debug().
			Str("user_id", n.UserID.String()).
			Str("type", string(n.Type)).
			Msg("Notification type disabled by user prefs")
		return
	}

	inserted, err := s.db.InsertNotification(ctx, n)
	if err != nil {
		log.Error().Err(err).
			Str("user_id", n.UserID.String()).
			Str("type", string(n.Type)).
			Msg("Failed to persist notification")
		return
	}
	if !inserted {
		metrics.RecordNotificationDeduped()
		return
	}
	metrics.RecordNotification("feed", string(n.Type))

	s.publish(ctx, n)

	if s.backend != nil && prefs.PushEnabled {
		s.push(ctx, n)
	}
}

// typeEnabled reports whether the user's prefs allow this type.
// Types without a toggle are always on.
func typeEnabled(prefs *db.NotificationPrefs, typ db.NotificationType) bool {
	switch typ {
	case db.NotificationTypeTrade:
		return prefs.TradeNotices
	case db.NotificationTypeAlert:
		return prefs.AlertNotices
	case db.NotificationTypeOpportunity:
		return prefs.OpportunityNotices
	default:
		return true
	}
}

// notice is the bus wire shape for a notification. The stream bridge
// forwards the payload to WebSocket clients verbatim, so storage
// structs stay out of it.
type notice struct {
	ID        uuid.UUID              `json:"id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func (s *Service) publish(ctx context.Context, n *db.Notification) {
	if s.bus == nil {
		return
	}

	ev, err := bus.NewEvent(bus.EventNotification, notice{
		ID:        n.ID,
		Type:      string(n.Type),
		Title:     n.Title,
		Body:      n.Body,
		Metadata:  n.Metadata,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build notification event")
		return
	}
	if err := s.bus.PublishNotification(ctx, n.UserID.String(), ev); err != nil {
		log.Warn().Err(err).
			Str("user_id", n.UserID.String()).
			Msg("Failed to publish notification to bus")
		return
	}
	metrics.RecordNotification("stream", string(n.Type))
}

func (s *Service) push(ctx context.Context, n *db.Notification) {
	tokens, err := s.db.ListDeviceTokens(ctx, n.UserID)
	if err != nil {
		log.Warn().Err(err).
			Str("user_id", n.UserID.String()).
			Msg("Failed to list device tokens")
		return
	}
	if len(tokens) == 0 {
		return
	}

	sent := 0
	for _, tok := range tokens {
		err := s.backend.Send(ctx, tok.Token, n)
		switch {
		case err == nil:
			sent++
			metrics.RecordNotification("push", string(n.Type))
		case errors.Is(err, ErrUnregistered):
			if delErr := s.db.DeleteDeviceToken(ctx, tok.Token); delErr != nil && !errors.Is(delErr, db.ErrNotFound) {
				log.Warn().Err(delErr).Msg("Failed to remove unregistered device token")
			} else {
				log.Info().
					Str("user_id", n.UserID.String()).
					Str("device_token", maskToken(tok.Token)).
					Msg("Removed unregistered device token")
			}
		default:
			log.Warn().Err(err).
				Str("user_id", n.UserID.String()).
				Str("device_token", maskToken(tok.Token)).
				Msg("Push delivery failed")
		}
	}

	if sent > 0 {
		log.Debug().
			Str("user_id", n.UserID.String()).
			Int("sent", sent).
			Int("devices", len(tokens)).
			Str("type", string(n.Type)).
			Msg("Pushed notification to devices")
	}
}

// List returns a page of the user's feed, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*db.Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	notifs, err := s.db.ListNotifications(ctx, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list notifications", err)
	}
	return notifs, nil
}

// MarkRead stamps one of the user's notifications as read.
func (s *Service) MarkRead(ctx context.Context, userID, notifID uuid.UUID) error {
	err := s.db.MarkNotificationRead(ctx, notifID, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "notification not found")
		}
		return apperr.Wrap(apperr.KindInternal, "failed to mark notification read", err)
	}
	return nil
}

// RegisterDevice stores a push token for the user. Re-registering an
// existing token moves it to this user and refreshes its platform.
func (s *Service) RegisterDevice(ctx context.Context, userID uuid.UUID, token, platform string) error {
	token = strings.TrimSpace(token)
	if !ValidateToken(token) {
		return apperr.New(apperr.KindValidation, "invalid device token")
	}

	platform = strings.ToLower(strings.TrimSpace(platform))
	if !validPlatforms[platform] {
		return apperr.Newf(apperr.KindValidation, "unknown platform %q", platform)
	}

	if err := s.db.UpsertDeviceToken(ctx, userID, token, platform); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to register device", err)
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("platform", platform).
		Str("device_token", maskToken(token)).
		Msg("Registered device for push")

	return nil
}

// UnregisterDevice removes one of the user's push tokens. Tokens owned
// by other users are invisible here.
func (s *Service) UnregisterDevice(ctx context.Context, userID uuid.UUID, token string) error {
	tokens, err := s.db.ListDeviceTokens(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to list device tokens", err)
	}

	for _, tok := range tokens {
		if tok.Token != token {
			continue
		}
		if err := s.db.DeleteDeviceToken(ctx, token); err != nil && !errors.Is(err, db.ErrNotFound) {
			return apperr.Wrap(apperr.KindInternal, "failed to unregister device", err)
		}
		log.Info().
			Str("user_id", userID.String()).
			Str("device_token", maskToken(token)).
			Msg("Unregistered device")
		return nil
	}

	return apperr.New(apperr.KindNotFound, "device token not found")
}

// Preferences returns the user's toggles, defaulting to everything on.
func (s *Service) Preferences(ctx context.Context, userID uuid.UUID) (*db.NotificationPrefs, error) {
	prefs, err := s.db.GetNotificationPrefs(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load notification prefs", err)
	}
	return prefs, nil
}

// UpdatePreferences saves the user's toggles.
func (s *Service) UpdatePreferences(ctx context.Context, userID uuid.UUID, prefs *db.NotificationPrefs) error {
	prefs.UserID = userID
	if err := s.db.UpsertNotificationPrefs(ctx, prefs); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to save notification prefs", err)
	}

	log.Info().Str("user_id", userID.String()).Msg("Updated notification prefs")
	return nil
}

// maskToken hides most of a device token for logging.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
