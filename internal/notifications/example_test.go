package notifications_test

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/notifications"
)

// Example_wiring shows how the service is assembled at startup. The
// FCM backend falls back to mock mode without credentials, so this
// runs anywhere.
func Example_wiring() {
	ctx := context.Background()

	backend, _ := notifications.NewFCMBackend(ctx, "")

	// In production the database and bus come from config:
	//   database, _ := db.New(ctx, cfg.DatabaseURL())
	//   eventBus, _ := bus.New(bus.Config{URL: cfg.NATS.URL})
	//   service := notifications.NewService(database, eventBus, backend)
	service := notifications.NewService(nil, nil, backend)
	defer service.Close()

	fmt.Println("backend:", backend.Name())
	// Output:
	// backend: fcm_mock
}

// Example_notify shows the shape producers hand to Notify. The
// fingerprint makes redelivery idempotent: the same event reaching
// Notify twice writes one feed row and pushes once.
func Example_notify() {
	notice := &db.Notification{
		UserID:      uuid.MustParse("7d5f0a52-3c1e-4e8a-9be1-000000000001"),
		Type:        db.NotificationTypeAlert,
		Title:       "Alert triggered: BTCUSDT",
		Body:        "BTCUSDT rose to 45100, at or above your 45000 threshold",
		Fingerprint: "alert:9f2c:1756100000",
		Metadata:    map[string]interface{}{"symbol": "BTCUSDT"},
	}

	fmt.Println(notice.Type)
	fmt.Println(notice.Title)
	// Output:
	// alert
	// Alert triggered: BTCUSDT
}
