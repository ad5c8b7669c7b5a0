package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/db/testhelpers"
	"github.com/neontrader/backend/internal/market"
)

func TestFingerprint(t *testing.T) {
	owner := uuid.New()

	t.Run("Deterministic", func(t *testing.T) {
		a := Fingerprint(owner, "BTCUSDT", db.AlertPriceAbove, decimal.RequireFromString("45000"))
		b := Fingerprint(owner, "BTCUSDT", db.AlertPriceAbove, decimal.RequireFromString("45000"))
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("ThresholdBucketsBelowFourDecimals", func(t *testing.T) {
		a := Fingerprint(owner, "BTCUSDT", db.AlertPriceAbove, decimal.RequireFromString("45000"))
		b := Fingerprint(owner, "BTCUSDT", db.AlertPriceAbove, decimal.RequireFromString("45000.00001"))
		assert.Equal(t, a, b, "sub-bucket threshold difference must collapse")

		c := Fingerprint(owner, "BTCUSDT", db.AlertPriceAbove, decimal.RequireFromString("45000.5"))
		assert.NotEqual(t, a, c)
	})

	t.Run("DistinctPerDimension", func(t *testing.T) {
		threshold := decimal.RequireFromString("45000")
		base := Fingerprint(owner, "BTCUSDT", db.AlertPriceAbove, threshold)
		assert.NotEqual(t, base, Fingerprint(uuid.New(), "BTCUSDT", db.AlertPriceAbove, threshold))
		assert.NotEqual(t, base, Fingerprint(owner, "ETHUSDT", db.AlertPriceAbove, threshold))
		assert.NotEqual(t, base, Fingerprint(owner, "BTCUSDT", db.AlertPriceBelow, threshold))
	})
}

func TestValidateCondition(t *testing.T) {
	cases := []struct {
		name      string
		condition db.AlertCondition
		threshold string
		wantErr   bool
	}{
		{"PriceAbovePositive", db.AlertPriceAbove, "45000", false},
		{"PriceBelowZeroRejected", db.AlertPriceBelow, "0", true},
		{"PriceNegativeRejected", db.AlertPriceAbove, "-5", true},
		{"RSIInRange", db.AlertRSIBelow, "30", false},
		{"RSIHundredRejected", db.AlertRSIAbove, "100", true},
		{"RSIZeroRejected", db.AlertRSIBelow, "0", true},
		{"VolumeMultiplierAboveOne", db.AlertVolumeSpike, "2.5", false},
		{"VolumeMultiplierOneRejected", db.AlertVolumeSpike, "1", true},
		{"UnknownConditionRejected", db.AlertCondition("macd_cross"), "1", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateCondition(tc.condition, decimal.RequireFromString(tc.threshold))
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.IsKind(err, apperr.KindValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func newAlertTestUser(t *testing.T, tc *testhelpers.PostgresContainer, email, username string) uuid.UUID {
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

func newTestService(t *testing.T, tc *testhelpers.PostgresContainer) *Service {
	t.Helper()
	catalog, err := market.LoadCatalog()
	require.NoError(t, err)
	return NewService(tc.DB, catalog, nil)
}

func TestAlertLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	svc := newTestService(t, tc)
	userID := newAlertTestUser(t, tc, "alerts@example.com", "alerts")

	t.Run("UnknownSymbolRejected", func(t *testing.T) {
		_, err := svc.Create(ctx, userID, CreateRequest{
			Symbol:    "NOTREAL",
			Condition: db.AlertPriceAbove,
			Threshold: decimal.RequireFromString("10"),
		})
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("BlankSymbolRejected", func(t *testing.T) {
		_, err := svc.Create(ctx, userID, CreateRequest{
			Condition: db.AlertPriceAbove,
			Threshold: decimal.RequireFromString("10"),
		})
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	})

	t.Run("CreateArmsAlert", func(t *testing.T) {
		alert, err := svc.Create(ctx, userID, CreateRequest{
			Symbol:    "btcusdt",
			Condition: db.AlertPriceAbove,
			Threshold: decimal.RequireFromString("45000"),
		})
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", alert.Symbol, "symbol must be normalized")
		assert.Equal(t, db.AlertArmed, alert.State)
		assert.NotEmpty(t, alert.Fingerprint)
	})

	t.Run("DuplicateArmedConflicts", func(t *testing.T) {
		_, err := svc.Create(ctx, userID, CreateRequest{
			Symbol:    "BTCUSDT",
			Condition: db.AlertPriceAbove,
			Threshold: decimal.RequireFromString("45000.00001"),
		})
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict),
			"bucketised threshold must collide with the armed alert")
	})

	t.Run("ListReturnsOwn", func(t *testing.T) {
		alerts, err := svc.List(ctx, userID)
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, "BTCUSDT", alerts[0].Symbol)
	})

	t.Run("DismissThenRearm", func(t *testing.T) {
		alerts, err := svc.List(ctx, userID)
		require.NoError(t, err)
		require.NotEmpty(t, alerts)
		alertID := alerts[0].ID

		require.NoError(t, svc.Dismiss(ctx, userID, alertID))
		got, err := svc.Get(ctx, userID, alertID)
		require.NoError(t, err)
		assert.Equal(t, db.AlertDismissed, got.State)

		require.NoError(t, svc.Rearm(ctx, userID, alertID))
		got, err = svc.Get(ctx, userID, alertID)
		require.NoError(t, err)
		assert.Equal(t, db.AlertArmed, got.State)
		assert.Nil(t, got.TriggeredAt)
	})

	t.Run("RearmConflictsWithNewerTwin", func(t *testing.T) {
		alerts, err := svc.List(ctx, userID)
		require.NoError(t, err)
		require.NotEmpty(t, alerts)
		original := alerts[0]

		require.NoError(t, svc.Dismiss(ctx, userID, original.ID))
		twin, err := svc.Create(ctx, userID, CreateRequest{
			Symbol:    original.Symbol,
			Condition: original.Condition,
			Threshold: original.Threshold,
		})
		require.NoError(t, err)

		err = svc.Rearm(ctx, userID, original.ID)
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))

		require.NoError(t, svc.Delete(ctx, userID, twin.ID))
		require.NoError(t, svc.Rearm(ctx, userID, original.ID))
	})

	t.Run("ForeignAlertHidden", func(t *testing.T) {
		otherID := newAlertTestUser(t, tc, "other-alerts@example.com", "other-alerts")
		alerts, err := svc.List(ctx, userID)
		require.NoError(t, err)
		require.NotEmpty(t, alerts)

		_, err = svc.Get(ctx, otherID, alerts[0].ID)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
		assert.True(t, apperr.IsKind(svc.Dismiss(ctx, otherID, alerts[0].ID), apperr.KindNotFound))
		assert.True(t, apperr.IsKind(svc.Delete(ctx, otherID, alerts[0].ID), apperr.KindNotFound))
	})

	t.Run("DeleteRemoves", func(t *testing.T) {
		alerts, err := svc.List(ctx, userID)
		require.NoError(t, err)
		require.NotEmpty(t, alerts)

		require.NoError(t, svc.Delete(ctx, userID, alerts[0].ID))
		err = svc.Delete(ctx, userID, alerts[0].ID)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})
}

// recordingAlerter captures operator alerts for assertions.
type recordingAlerter struct {
	sent []OperatorAlert
}

func (r *recordingAlerter) Send(_ context.Context, alert OperatorAlert) error {
	r.sent = append(r.sent, alert)
	return nil
}

// failingAlerter always errors.
type failingAlerter struct{}

func (f *failingAlerter) Send(context.Context, OperatorAlert) error {
	return errors.New("channel down")
}

func TestOperatorManager(t *testing.T) {
	ctx := context.Background()

	t.Run("DeliversToAllChannels", func(t *testing.T) {
		first := &recordingAlerter{}
		second := &recordingAlerter{}
		mgr := NewManager(first, second)

		require.NoError(t, mgr.SendCritical(ctx, "Kill switch engaged", "manual stop", map[string]interface{}{"actor": "admin"}))
		require.Len(t, first.sent, 1)
		require.Len(t, second.sent, 1)
		assert.Equal(t, SeverityCritical, first.sent[0].Severity)
		assert.False(t, first.sent[0].Timestamp.IsZero(), "timestamp must be stamped")
	})

	t.Run("OneChannelFailingDoesNotStopOthers", func(t *testing.T) {
		healthy := &recordingAlerter{}
		mgr := NewManager(&failingAlerter{}, healthy)

		err := mgr.SendWarning(ctx, "Breaker tripped", "market_data:binance open", nil)
		require.Error(t, err)
		assert.Len(t, healthy.sent, 1, "healthy channel still delivers")
		assert.Equal(t, SeverityWarning, healthy.sent[0].Severity)
	})

	t.Run("SeverityHelpers", func(t *testing.T) {
		rec := &recordingAlerter{}
		mgr := NewManager(rec)

		require.NoError(t, mgr.SendInfo(ctx, "Probe", "breaker half-open", nil))
		require.Len(t, rec.sent, 1)
		assert.Equal(t, SeverityInfo, rec.sent[0].Severity)
	})
}

func TestLogAlerterNeverFails(t *testing.T) {
	alerter := NewLogAlerter()
	err := alerter.Send(context.Background(), OperatorAlert{
		Title:     "Upstream outage",
		Message:   "coingecko unreachable",
		Severity:  SeverityWarning,
		Timestamp: time.Now(),
		Metadata:  map[string]interface{}{"source": "coingecko"},
	})
	assert.NoError(t, err)
}
