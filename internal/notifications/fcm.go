package notifications

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/neontrader/backend/internal/db"
)

// FCMBackend implements Backend using Firebase Cloud Messaging.
type FCMBackend struct {
	client *messaging.Client
	mock   bool
}

// NewFCMBackend creates an FCM backend. When credentialsPath is empty
// or missing the backend runs in mock mode and only logs sends, so
// development environments work without Firebase credentials.
func NewFCMBackend(ctx context.Context, credentialsPath string) (*FCMBackend, error) {
	if credentialsPath == "" {
		log.Warn().Msg("No FCM credentials configured, push runs in mock mode")
		return &FCMBackend{mock: true}, nil
	}

	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		log.Warn().
			Str("credentials_path", credentialsPath).
			Msg("FCM credentials file not found, push runs in mock mode")
		return &FCMBackend{mock: true}, nil
	}

	opt := option.WithCredentialsFile(credentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	log.Info().Msg("Initialized FCM backend")

	return &FCMBackend{client: client}, nil
}

// Send pushes one notification to one device. Tokens FCM reports as
// unregistered surface as ErrUnregistered so the caller can drop them.
func (f *FCMBackend) Send(ctx context.Context, deviceToken string, n *db.Notification) error {
	if f.mock {
		return f.sendMock(deviceToken, n)
	}

	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: pushData(n),
	}

	if highPriority(n.Type) {
		msg.Android = &messaging.AndroidConfig{
			Priority: "high",
		}
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
		}
	}

	response, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return ErrUnregistered
		}
		return fmt.Errorf("failed to send FCM message: %w", err)
	}

	log.Debug().
		Str("message_id", response).
		Str("device_token", maskToken(deviceToken)).
		Str("type", string(n.Type)).
		Msg("Sent FCM notification")

	return nil
}

// sendMock logs the notification instead of sending it.
func (f *FCMBackend) sendMock(deviceToken string, n *db.Notification) error {
	log.Info().
		Str("backend", "fcm_mock").
		Str("device_token", maskToken(deviceToken)).
		Str("type", string(n.Type)).
		Str("title", n.Title).
		Str("body", n.Body).
		Msg("Mock FCM notification (not actually sent)")

	return nil
}

// Name returns the backend name.
func (f *FCMBackend) Name() string {
	if f.mock {
		return "fcm_mock"
	}
	return "fcm"
}

// Close closes the FCM backend. The messaging client holds no
// connection state that needs releasing.
func (f *FCMBackend) Close() error {
	log.Debug().Str("backend", f.Name()).Msg("Closed FCM backend")
	return nil
}

// IsMock reports whether sends are logged rather than delivered.
func (f *FCMBackend) IsMock() bool {
	return f.mock
}

// highPriority marks types that should wake the device immediately.
func highPriority(typ db.NotificationType) bool {
	switch typ {
	case db.NotificationTypeKillSwitch, db.NotificationTypeBreaker, db.NotificationTypeApproval:
		return true
	default:
		return false
	}
}

// pushData flattens a notification into the string map FCM requires.
// Clients use it to deep-link without parsing the body text.
func pushData(n *db.Notification) map[string]string {
	data := map[string]string{
		"type":            string(n.Type),
		"notification_id": n.ID.String(),
	}
	for key, value := range n.Metadata {
		data[key] = fmt.Sprint(value)
	}
	return data
}

// ValidateToken checks the shape of an FCM registration token before
// it is stored. Real validation happens on first send.
func ValidateToken(token string) bool {
	// FCM registration tokens run 100 to 200 characters.
	if len(token) < 100 || len(token) > 200 {
		return false
	}

	for _, ch := range token {
		valid := (ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_' || ch == ':'
		if !valid {
			return false
		}
	}

	return true
}
