package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/db/testhelpers"
)

// recordingBackend captures pushes in memory. Tokens added to
// unregistered are rejected the way FCM rejects stale registrations.
type recordingBackend struct {
	mu           sync.Mutex
	sends        []pushRecord
	unregistered map[string]bool
}

type pushRecord struct {
	Token        string
	Notification *db.Notification
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{unregistered: make(map[string]bool)}
}

func (b *recordingBackend) Send(_ context.Context, deviceToken string, n *db.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unregistered[deviceToken] {
		return ErrUnregistered
	}
	b.sends = append(b.sends, pushRecord{Token: deviceToken, Notification: n})
	return nil
}

func (b *recordingBackend) Name() string { return "recorder" }
func (b *recordingBackend) Close() error { return nil }

func (b *recordingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sends)
}

func (b *recordingBackend) sentTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := make([]string, 0, len(b.sends))
	for _, rec := range b.sends {
		tokens = append(tokens, rec.Token)
	}
	return tokens
}

// validToken pads a seed out to FCM registration token length.
func validToken(seed string) string {
	return seed + strings.Repeat("x", 140-len(seed))
}

func newNotice(userID uuid.UUID, typ db.NotificationType, fingerprint string) *db.Notification {
	return &db.Notification{
		UserID:      userID,
		Type:        typ,
		Title:       "Test notice",
		Body:        "something happened",
		Fingerprint: fingerprint,
	}
}

func newNotifTestUser(t *testing.T, tc *testhelpers.PostgresContainer, email, username string) uuid.UUID {
	t.Helper()
	user := &db.User{
		Email:        email,
		Username:     username,
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuv",
		TradingMode:  "learning_only",
	}
	require.NoError(t, tc.DB.CreateUser(context.Background(), user))
	return user.ID
}

func TestTypeEnabled(t *testing.T) {
	userID := uuid.New()

	t.Run("DefaultsAllowEverything", func(t *testing.T) {
		prefs := db.DefaultNotificationPrefs(userID)
		for _, typ := range []db.NotificationType{
			db.NotificationTypeAlert, db.NotificationTypeTrade,
			db.NotificationTypeOpportunity, db.NotificationTypeKillSwitch,
			db.NotificationTypeBreaker, db.NotificationTypeApproval,
			db.NotificationTypeSystem,
		} {
			assert.True(t, typeEnabled(prefs, typ), "type %s", typ)
		}
	})

	t.Run("TogglesGateTheirTypeOnly", func(t *testing.T) {
		prefs := db.DefaultNotificationPrefs(userID)
		prefs.TradeNotices = false
		assert.False(t, typeEnabled(prefs, db.NotificationTypeTrade))
		assert.True(t, typeEnabled(prefs, db.NotificationTypeAlert))
		assert.True(t, typeEnabled(prefs, db.NotificationTypeOpportunity))
	})

	t.Run("SafetyTypesHaveNoToggle", func(t *testing.T) {
		prefs := db.DefaultNotificationPrefs(userID)
		prefs.TradeNotices = false
		prefs.AlertNotices = false
		prefs.OpportunityNotices = false
		for _, typ := range []db.NotificationType{
			db.NotificationTypeKillSwitch, db.NotificationTypeBreaker,
			db.NotificationTypeApproval, db.NotificationTypeSystem,
		} {
			assert.True(t, typeEnabled(prefs, typ), "type %s must bypass prefs", typ)
		}
	})
}

func TestNotificationDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()

	t.Run("PersistsToFeed", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "feed@example.com", "feed")
		svc := NewService(tc.DB, nil, nil)

		svc.Notify(ctx, &db.Notification{
			UserID:      userID,
			Type:        db.NotificationTypeAlert,
			Title:       "Alert triggered: BTCUSDT",
			Body:        "BTCUSDT rose to 45100",
			Fingerprint: "alert:feed:1",
			Metadata:    map[string]interface{}{"symbol": "BTCUSDT"},
		})

		notifs, err := svc.List(ctx, userID, false, 0, 0)
		require.NoError(t, err)
		require.Len(t, notifs, 1)
		assert.Equal(t, db.NotificationTypeAlert, notifs[0].Type)
		assert.Equal(t, "Alert triggered: BTCUSDT", notifs[0].Title)
		assert.Nil(t, notifs[0].ReadAt)
	})

	t.Run("DedupesByFingerprint", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "dedupe@example.com", "dedupe")
		backend := newRecordingBackend()
		svc := NewService(tc.DB, nil, backend)
		require.NoError(t, svc.RegisterDevice(ctx, userID, validToken("dedupe"), "ios"))

		notice := newNotice(userID, db.NotificationTypeAlert, "alert:dedupe:1")
		svc.Notify(ctx, notice)
		svc.Notify(ctx, newNotice(userID, db.NotificationTypeAlert, "alert:dedupe:1"))

		notifs, err := svc.List(ctx, userID, false, 0, 0)
		require.NoError(t, err)
		assert.Len(t, notifs, 1, "duplicate fingerprint must not add a row")
		assert.Equal(t, 1, backend.count(), "duplicate must not push again")
	})

	t.Run("PushesToEveryDevice", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "push@example.com", "push")
		backend := newRecordingBackend()
		svc := NewService(tc.DB, nil, backend)
		require.NoError(t, svc.RegisterDevice(ctx, userID, validToken("phone"), "ios"))
		require.NoError(t, svc.RegisterDevice(ctx, userID, validToken("tablet"), "android"))

		svc.Notify(ctx, newNotice(userID, db.NotificationTypeTrade, "trade:push:1"))

		assert.Equal(t, 2, backend.count())
		assert.ElementsMatch(t, []string{validToken("phone"), validToken("tablet")}, backend.sentTokens())
	})

	t.Run("DropsUnregisteredTokens", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "stale@example.com", "stale")
		backend := newRecordingBackend()
		svc := NewService(tc.DB, nil, backend)

		staleToken := validToken("stale")
		require.NoError(t, svc.RegisterDevice(ctx, userID, staleToken, "ios"))
		require.NoError(t, svc.RegisterDevice(ctx, userID, validToken("alive"), "android"))
		backend.unregistered[staleToken] = true

		svc.Notify(ctx, newNotice(userID, db.NotificationTypeTrade, "trade:stale:1"))

		assert.Equal(t, []string{validToken("alive")}, backend.sentTokens())

		tokens, err := tc.DB.ListDeviceTokens(ctx, userID)
		require.NoError(t, err)
		require.Len(t, tokens, 1, "stale token must be removed")
		assert.Equal(t, validToken("alive"), tokens[0].Token)
	})

	t.Run("PushDisabledStopsPushOnly", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "nopush@example.com", "nopush")
		backend := newRecordingBackend()
		svc := NewService(tc.DB, nil, backend)
		require.NoError(t, svc.RegisterDevice(ctx, userID, validToken("nopush"), "web"))

		prefs := db.DefaultNotificationPrefs(userID)
		prefs.PushEnabled = false
		require.NoError(t, svc.UpdatePreferences(ctx, userID, prefs))

		svc.Notify(ctx, newNotice(userID, db.NotificationTypeTrade, "trade:nopush:1"))

		assert.Zero(t, backend.count())
		notifs, err := svc.List(ctx, userID, false, 0, 0)
		require.NoError(t, err)
		assert.Len(t, notifs, 1, "feed row must still be written")
	})

	t.Run("MutedTypeIsDropped", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "muted@example.com", "muted")
		svc := NewService(tc.DB, nil, nil)

		prefs := db.DefaultNotificationPrefs(userID)
		prefs.TradeNotices = false
		require.NoError(t, svc.UpdatePreferences(ctx, userID, prefs))

		svc.Notify(ctx, newNotice(userID, db.NotificationTypeTrade, "trade:muted:1"))

		notifs, err := svc.List(ctx, userID, false, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, notifs)
	})

	t.Run("SafetyNoticesIgnoreMutes", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "safety@example.com", "safety")
		svc := NewService(tc.DB, nil, nil)

		prefs := db.DefaultNotificationPrefs(userID)
		prefs.TradeNotices = false
		prefs.AlertNotices = false
		prefs.OpportunityNotices = false
		require.NoError(t, svc.UpdatePreferences(ctx, userID, prefs))

		svc.Notify(ctx, newNotice(userID, db.NotificationTypeKillSwitch, "killswitch:safety:1"))
		svc.Notify(ctx, newNotice(userID, db.NotificationTypeBreaker, "breaker:safety:1"))

		notifs, err := svc.List(ctx, userID, false, 0, 0)
		require.NoError(t, err)
		assert.Len(t, notifs, 2, "safety notices must bypass mutes")
	})

	t.Run("MarkReadFiltersFromUnread", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "read@example.com", "read")
		svc := NewService(tc.DB, nil, nil)

		svc.Notify(ctx, newNotice(userID, db.NotificationTypeSystem, "system:read:1"))
		notifs, err := svc.List(ctx, userID, true, 0, 0)
		require.NoError(t, err)
		require.Len(t, notifs, 1)

		require.NoError(t, svc.MarkRead(ctx, userID, notifs[0].ID))

		unread, err := svc.List(ctx, userID, true, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, unread)

		all, err := svc.List(ctx, userID, false, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.NotNil(t, all[0].ReadAt)
	})

	t.Run("MarkReadForeignNotificationHidden", func(t *testing.T) {
		owner := newNotifTestUser(t, tc, "owner@example.com", "owner")
		other := newNotifTestUser(t, tc, "other@example.com", "other")
		svc := NewService(tc.DB, nil, nil)

		svc.Notify(ctx, newNotice(owner, db.NotificationTypeSystem, "system:foreign:1"))
		notifs, err := svc.List(ctx, owner, false, 0, 0)
		require.NoError(t, err)
		require.Len(t, notifs, 1)

		err = svc.MarkRead(ctx, other, notifs[0].ID)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("ListPaginates", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "pages@example.com", "pages")
		svc := NewService(tc.DB, nil, nil)

		for i := 0; i < 5; i++ {
			svc.Notify(ctx, newNotice(userID, db.NotificationTypeSystem, fmt.Sprintf("system:pages:%d", i)))
		}

		page, err := svc.List(ctx, userID, false, 2, 0)
		require.NoError(t, err)
		assert.Len(t, page, 2)

		rest, err := svc.List(ctx, userID, false, 10, 2)
		require.NoError(t, err)
		assert.Len(t, rest, 3)
	})
}

func TestDeviceRegistration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	svc := NewService(tc.DB, nil, nil)

	t.Run("RejectsMalformedToken", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "badtoken@example.com", "badtoken")

		err := svc.RegisterDevice(ctx, userID, "too-short", "ios")
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))

		err = svc.RegisterDevice(ctx, userID, validToken("bad")+"!!", "ios")
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("RejectsUnknownPlatform", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "badplatform@example.com", "badplatform")

		err := svc.RegisterDevice(ctx, userID, validToken("plat"), "blackberry")
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("ReRegisterMovesTokenBetweenUsers", func(t *testing.T) {
		alice := newNotifTestUser(t, tc, "alice@example.com", "alice")
		bob := newNotifTestUser(t, tc, "bob@example.com", "bob")
		shared := validToken("shared")

		require.NoError(t, svc.RegisterDevice(ctx, alice, shared, "ios"))
		require.NoError(t, svc.RegisterDevice(ctx, bob, shared, "ios"))

		aliceTokens, err := tc.DB.ListDeviceTokens(ctx, alice)
		require.NoError(t, err)
		assert.Empty(t, aliceTokens, "token must follow its latest registration")

		bobTokens, err := tc.DB.ListDeviceTokens(ctx, bob)
		require.NoError(t, err)
		require.Len(t, bobTokens, 1)
		assert.Equal(t, shared, bobTokens[0].Token)
	})

	t.Run("UnregisterRemovesOwnToken", func(t *testing.T) {
		userID := newNotifTestUser(t, tc, "unreg@example.com", "unreg")
		token := validToken("unreg")
		require.NoError(t, svc.RegisterDevice(ctx, userID, token, "android"))

		require.NoError(t, svc.UnregisterDevice(ctx, userID, token))

		err := svc.UnregisterDevice(ctx, userID, token)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("UnregisterForeignTokenHidden", func(t *testing.T) {
		owner := newNotifTestUser(t, tc, "tokowner@example.com", "tokowner")
		intruder := newNotifTestUser(t, tc, "intruder@example.com", "intruder")
		token := validToken("guarded")
		require.NoError(t, svc.RegisterDevice(ctx, owner, token, "ios"))

		err := svc.UnregisterDevice(ctx, intruder, token)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

		tokens, err := tc.DB.ListDeviceTokens(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, tokens, 1, "owner's token must survive")
	})
}

func TestPreferencesRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	svc := NewService(tc.DB, nil, nil)
	userID := newNotifTestUser(t, tc, "prefs@example.com", "prefs")

	t.Run("DefaultsWhenUnset", func(t *testing.T) {
		prefs, err := svc.Preferences(ctx, userID)
		require.NoError(t, err)
		assert.True(t, prefs.TradeNotices)
		assert.True(t, prefs.AlertNotices)
		assert.True(t, prefs.OpportunityNotices)
		assert.True(t, prefs.PushEnabled)
	})

	t.Run("UpsertPersists", func(t *testing.T) {
		prefs := db.DefaultNotificationPrefs(userID)
		prefs.AlertNotices = false
		prefs.PushEnabled = false
		require.NoError(t, svc.UpdatePreferences(ctx, userID, prefs))

		got, err := svc.Preferences(ctx, userID)
		require.NoError(t, err)
		assert.False(t, got.AlertNotices)
		assert.False(t, got.PushEnabled)
		assert.True(t, got.TradeNotices)
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("UpsertOverwrites", func(t *testing.T) {
		prefs := db.DefaultNotificationPrefs(userID)
		require.NoError(t, svc.UpdatePreferences(ctx, userID, prefs))

		got, err := svc.Preferences(ctx, userID)
		require.NoError(t, err)
		assert.True(t, got.AlertNotices)
		assert.True(t, got.PushEnabled)
	})
}

func TestNotifyPublishesToBus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	eventBus, err := bus.New(bus.Config{URL: ns.ClientURL(), Prefix: "test."})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eventBus.Close() })

	ctx := context.Background()
	svc := NewService(tc.DB, eventBus, nil)
	userID := newNotifTestUser(t, tc, "busnotify@example.com", "busnotify")

	events := make(chan *bus.Event, 4)
	sub, err := eventBus.SubscribeAllNotifications(func(ev *bus.Event) error {
		events <- ev
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	svc.Notify(ctx, &db.Notification{
		UserID:      userID,
		Type:        db.NotificationTypeAlert,
		Title:       "Alert triggered: ETHUSDT",
		Body:        "ETHUSDT fell to 2400",
		Fingerprint: "alert:bus:1",
	})

	select {
	case ev := <-events:
		assert.Equal(t, bus.EventNotification, ev.Type)
		assert.Equal(t, userID.String(), ev.UserID)
		var delivered struct {
			ID    uuid.UUID `json:"id"`
			Type  string    `json:"type"`
			Title string    `json:"title"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &delivered))
		assert.NotEqual(t, uuid.Nil, delivered.ID)
		assert.Equal(t, "alert", delivered.Type)
		assert.Equal(t, "Alert triggered: ETHUSDT", delivered.Title)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification event")
	}

	// A deduped notice must not reach the stream a second time.
	svc.Notify(ctx, &db.Notification{
		UserID:      userID,
		Type:        db.NotificationTypeAlert,
		Title:       "Alert triggered: ETHUSDT",
		Body:        "ETHUSDT fell to 2400",
		Fingerprint: "alert:bus:1",
	})

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for deduped notice: %s", ev.ID)
	case <-time.After(300 * time.Millisecond):
	}
}
