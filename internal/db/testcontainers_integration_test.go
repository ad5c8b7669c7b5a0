package db_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/db/testhelpers"
)

// TestDatabaseConnectionWithTestcontainers tests basic database connectivity using testcontainers
func TestDatabaseConnectionWithTestcontainers(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	err := tc.ApplyMigrations("../../migrations")
	require.NoError(t, err)

	ctx := context.Background()

	err = tc.DB.Ping(ctx)
	assert.NoError(t, err)

	err = tc.DB.Health(ctx)
	assert.NoError(t, err)

	pool := tc.DB.Pool()
	assert.NotNil(t, pool)
}

func createTestUser(t *testing.T, tc *testhelpers.PostgresContainer, email string) *db.User {
	t.Helper()

	user := &db.User{
		Email:        email,
		Username:     strings.SplitN(email, "@", 2)[0],
		PasswordHash: "$2a$10$abcdefghijklmnopqrstuv",
		TradingMode:  "learning_only",
	}
	err := tc.DB.CreateUser(context.Background(), user)
	require.NoError(t, err)
	return user
}

// TestUserAndPortfolioLifecycle covers registration-time writes: the
// user row and the seeded portfolio.
func TestUserAndPortfolioLifecycle(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	seed := decimal.NewFromInt(10000)

	t.Run("CreateAndFetchUser", func(t *testing.T) {
		user := createTestUser(t, tc, "alice@example.com")
		assert.NotEqual(t, uuid.Nil, user.ID)

		byEmail, err := tc.DB.GetUserByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, byEmail.ID)
		assert.False(t, byEmail.TOTPEnabled)

		byID, err := tc.DB.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", byID.Email)
	})

	t.Run("UserNotFound", func(t *testing.T) {
		_, err := tc.DB.GetUserByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("SeededPortfolio", func(t *testing.T) {
		user := createTestUser(t, tc, "bob@example.com")

		portfolio, err := tc.DB.CreatePortfolio(ctx, user.ID, seed)
		require.NoError(t, err)

		assert.True(t, portfolio.CashBalance.Equal(seed))
		assert.True(t, portfolio.Equity.Equal(seed))
		assert.True(t, portfolio.DayStartEquity.Equal(seed))
		assert.True(t, portfolio.PeakEquity.Equal(seed))

		fetched, err := tc.DB.GetPortfolioByUserID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, portfolio.ID, fetched.ID)
	})

	t.Run("TradingModeUpdate", func(t *testing.T) {
		user := createTestUser(t, tc, "carol@example.com")

		err := tc.DB.UpdateTradingMode(ctx, user.ID, "autopilot")
		require.NoError(t, err)

		updated, err := tc.DB.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "autopilot", updated.TradingMode)
	})
}

// TestTradeFillAccounting exercises the transactional fill path: trade
// update, position insert, journal append, and balance update commit
// together or not at all.
func TestTradeFillAccounting(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	user := createTestUser(t, tc, "trader@example.com")
	portfolio, err := tc.DB.CreatePortfolio(ctx, user.ID, decimal.NewFromInt(10000))
	require.NoError(t, err)

	price := decimal.RequireFromString("43250.50")
	qty := decimal.RequireFromString("0.01")
	cost := price.Mul(qty)

	key := "order-key-1"
	trade := &db.Trade{
		UserID:         user.ID,
		PortfolioID:    portfolio.ID,
		Symbol:         "BTCUSDT",
		Exchange:       "paper",
		Side:           db.TradeSideBuy,
		Type:           db.TradeTypeMarket,
		Status:         db.TradeStatusPending,
		Quantity:       qty,
		QuotePrice:     &price,
		QuoteSource:    "binance",
		Mode:           "learning_only",
		IdempotencyKey: &key,
		PlacedAt:       time.Now(),
	}
	require.NoError(t, tc.DB.InsertTrade(ctx, trade))

	t.Run("FillCommitsAtomically", func(t *testing.T) {
		tx, err := tc.DB.Pool().Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		pos := &db.Position{
			PortfolioID:   portfolio.ID,
			UserID:        user.ID,
			Symbol:        "BTCUSDT",
			Exchange:      "paper",
			Side:          db.PositionSideLong,
			Status:        db.PositionStatusOpen,
			Quantity:      qty,
			AvgEntryPrice: price,
			OpenedAt:      time.Now(),
		}
		require.NoError(t, tc.DB.InsertPosition(ctx, tx, pos))
		require.NoError(t, tc.DB.UpdateTradeFill(ctx, tx, trade.ID, pos.ID, price, nil, time.Now()))

		newCash := portfolio.CashBalance.Sub(cost)
		require.NoError(t, tc.DB.UpdatePortfolioBalances(ctx, tx, portfolio.ID, newCash, portfolio.Equity, portfolio.PeakEquity))

		entry := &db.JournalEntry{
			PortfolioID:  portfolio.ID,
			UserID:       user.ID,
			TradeID:      &trade.ID,
			EntryType:    db.JournalEntryTradeOpen,
			Amount:       cost.Neg(),
			BalanceAfter: newCash,
			EquityAfter:  portfolio.Equity,
		}
		require.NoError(t, tc.DB.AppendJournalEntry(ctx, tx, entry))
		require.NoError(t, tx.Commit(ctx))

		assert.Positive(t, entry.Seq)

		filled, err := tc.DB.GetTrade(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, db.TradeStatusFilled, filled.Status)
		require.NotNil(t, filled.FillPrice)
		assert.True(t, filled.FillPrice.Equal(price))

		open, err := tc.DB.GetOpenPosition(ctx, portfolio.ID, "BTCUSDT")
		require.NoError(t, err)
		assert.True(t, open.Quantity.Equal(qty))
	})

	t.Run("IdempotencyKeyLookup", func(t *testing.T) {
		prior, err := tc.DB.GetTradeByIdempotencyKey(ctx, user.ID, "order-key-1")
		require.NoError(t, err)
		assert.Equal(t, trade.ID, prior.ID)

		_, err = tc.DB.GetTradeByIdempotencyKey(ctx, user.ID, "unseen-key")
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("JournalSeqMonotonic", func(t *testing.T) {
		first, err := tc.DB.GetLastJournalSeq(ctx, portfolio.ID)
		require.NoError(t, err)
		require.Positive(t, first)

		tx, err := tc.DB.Pool().Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		entry := &db.JournalEntry{
			PortfolioID:  portfolio.ID,
			UserID:       user.ID,
			EntryType:    db.JournalEntryAdjustment,
			Amount:       decimal.Zero,
			BalanceAfter: portfolio.CashBalance,
			EquityAfter:  portfolio.Equity,
		}
		require.NoError(t, tc.DB.AppendJournalEntry(ctx, tx, entry))
		require.NoError(t, tx.Commit(ctx))

		assert.Greater(t, entry.Seq, first)

		entries, err := tc.DB.GetJournalEntries(ctx, portfolio.ID, 100, 0)
		require.NoError(t, err)
		for i := 1; i < len(entries); i++ {
			assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
		}
	})
}

// TestOpenPositionsOrderedOldestFirst verifies the mass-close ordering
// contract for the kill switch.
func TestOpenPositionsOrderedOldestFirst(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	user := createTestUser(t, tc, "positions@example.com")
	portfolio, err := tc.DB.CreatePortfolio(ctx, user.ID, decimal.NewFromInt(10000))
	require.NoError(t, err)

	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	base := time.Now().Add(-3 * time.Hour)
	for i, sym := range symbols {
		tx, err := tc.DB.Pool().Begin(ctx)
		require.NoError(t, err)

		pos := &db.Position{
			PortfolioID:   portfolio.ID,
			UserID:        user.ID,
			Symbol:        sym,
			Exchange:      "paper",
			Side:          db.PositionSideLong,
			Status:        db.PositionStatusOpen,
			Quantity:      decimal.NewFromInt(1),
			AvgEntryPrice: decimal.NewFromInt(100),
			OpenedAt:      base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, tc.DB.InsertPosition(ctx, tx, pos))
		require.NoError(t, tx.Commit(ctx))
	}

	open, err := tc.DB.ListOpenPositions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, "BTCUSDT", open[0].Symbol)
	assert.Equal(t, "ETHUSDT", open[1].Symbol)
	assert.Equal(t, "SOLUSDT", open[2].Symbol)
}

// TestApprovalLifecycle covers assisted-mode approvals including the
// exactly-once decision guard and expiry sweep.
func TestApprovalLifecycle(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	user := createTestUser(t, tc, "assisted@example.com")

	intent := map[string]interface{}{
		"symbol":   "ETHUSDT",
		"side":     "buy",
		"quantity": "0.5",
	}

	t.Run("DecideOnce", func(t *testing.T) {
		approval := &db.Approval{
			UserID:    user.ID,
			Intent:    intent,
			ExpiresAt: time.Now().Add(5 * time.Minute),
		}
		require.NoError(t, tc.DB.CreateApproval(ctx, approval))
		assert.Equal(t, db.ApprovalStatusPending, approval.Status)

		pending, err := tc.DB.ListPendingApprovals(ctx, user.ID)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		err = tc.DB.DecideApproval(ctx, approval.ID, db.ApprovalStatusApproved, nil)
		require.NoError(t, err)

		// Second decision loses the status guard.
		err = tc.DB.DecideApproval(ctx, approval.ID, db.ApprovalStatusRejected, nil)
		assert.ErrorIs(t, err, db.ErrNotFound)

		decided, err := tc.DB.GetApproval(ctx, approval.ID)
		require.NoError(t, err)
		assert.Equal(t, db.ApprovalStatusApproved, decided.Status)
		assert.NotNil(t, decided.DecidedAt)
	})

	t.Run("ExpireStale", func(t *testing.T) {
		stale := &db.Approval{
			UserID:    user.ID,
			Intent:    intent,
			ExpiresAt: time.Now().Add(-time.Minute),
		}
		require.NoError(t, tc.DB.CreateApproval(ctx, stale))

		expired, err := tc.DB.ExpireStaleApprovals(ctx)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, stale.ID, expired[0].ID)
		assert.Equal(t, db.ApprovalStatusExpired, expired[0].Status)

		// Sweep is idempotent.
		again, err := tc.DB.ExpireStaleApprovals(ctx)
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

// TestNotificationFingerprintDedup verifies exactly-once delivery per
// fingerprint.
func TestNotificationFingerprintDedup(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	user := createTestUser(t, tc, "notify@example.com")

	notif := &db.Notification{
		UserID:      user.ID,
		Type:        db.NotificationTypeAlert,
		Title:       "BTC above 45000",
		Body:        "BTCUSDT crossed your threshold",
		Fingerprint: "alert:btc:45000:up",
	}

	inserted, err := tc.DB.InsertNotification(ctx, notif)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &db.Notification{
		UserID:      user.ID,
		Type:        db.NotificationTypeAlert,
		Title:       "BTC above 45000",
		Body:        "BTCUSDT crossed your threshold",
		Fingerprint: "alert:btc:45000:up",
	}
	inserted, err = tc.DB.InsertNotification(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted, "same fingerprint must dedupe")

	list, err := tc.DB.ListNotifications(ctx, user.ID, false, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, tc.DB.MarkNotificationRead(ctx, notif.ID, user.ID))

	unread, err := tc.DB.ListNotifications(ctx, user.ID, true, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)
}

// TestKillSwitchPersistence verifies the single-flip semantics that
// gate the mass-close so only one caller runs it.
func TestKillSwitchPersistence(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()

	state, err := tc.DB.GetKillSwitchState(ctx)
	require.NoError(t, err)
	assert.False(t, state.Engaged)

	flipped, err := tc.DB.EngageKillSwitch(ctx, "daily_drawdown_exceeded", "risk_engine")
	require.NoError(t, err)
	assert.True(t, flipped)

	// Second engage is a no-op.
	flipped, err = tc.DB.EngageKillSwitch(ctx, "manual", "admin")
	require.NoError(t, err)
	assert.False(t, flipped)

	state, err = tc.DB.GetKillSwitchState(ctx)
	require.NoError(t, err)
	assert.True(t, state.Engaged)
	assert.Equal(t, "daily_drawdown_exceeded", state.Reason)
	assert.Equal(t, "risk_engine", state.EngagedBy)

	released, err := tc.DB.ReleaseKillSwitch(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = tc.DB.ReleaseKillSwitch(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, released)
}

// TestAlertLifecycle verifies edge triggering state transitions and the
// armed-fingerprint uniqueness rule.
func TestAlertLifecycle(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	user := createTestUser(t, tc, "alerts@example.com")

	alert := &db.Alert{
		UserID:      user.ID,
		Symbol:      "BTCUSDT",
		Condition:   db.AlertPriceAbove,
		Threshold:   decimal.NewFromInt(45000),
		Fingerprint: "fp-btc-above-45000",
	}
	require.NoError(t, tc.DB.CreateAlert(ctx, alert))
	assert.Equal(t, db.AlertArmed, alert.State)

	t.Run("DuplicateArmedFingerprintRejected", func(t *testing.T) {
		dup := &db.Alert{
			UserID:      user.ID,
			Symbol:      "BTCUSDT",
			Condition:   db.AlertPriceAbove,
			Threshold:   decimal.NewFromInt(45000),
			Fingerprint: "fp-btc-above-45000",
		}
		err := tc.DB.CreateAlert(ctx, dup)
		require.Error(t, err)
		assert.True(t, db.IsUniqueViolation(err))
	})

	t.Run("TriggerFiresExactlyOnce", func(t *testing.T) {
		fired, err := tc.DB.TriggerAlert(ctx, alert.ID)
		require.NoError(t, err)
		assert.True(t, fired)

		// Second trigger loses the CAS.
		fired, err = tc.DB.TriggerAlert(ctx, alert.ID)
		require.NoError(t, err)
		assert.False(t, fired)

		stored, err := tc.DB.GetAlert(ctx, alert.ID, user.ID)
		require.NoError(t, err)
		assert.Equal(t, db.AlertTriggered, stored.State)
		assert.NotNil(t, stored.TriggeredAt)
	})

	t.Run("RearmResets", func(t *testing.T) {
		require.NoError(t, tc.DB.RearmAlert(ctx, alert.ID, user.ID))

		rearmed, err := tc.DB.GetAlert(ctx, alert.ID, user.ID)
		require.NoError(t, err)
		assert.Equal(t, db.AlertArmed, rearmed.State)
		assert.Nil(t, rearmed.TriggeredAt)

		armed, err := tc.DB.ListArmedAlerts(ctx)
		require.NoError(t, err)
		require.Len(t, armed, 1)
		assert.Equal(t, alert.ID, armed[0].ID)
	})

	t.Run("DismissLeavesNothingArmed", func(t *testing.T) {
		require.NoError(t, tc.DB.DismissAlert(ctx, alert.ID, user.ID))

		armed, err := tc.DB.ListArmedAlerts(ctx)
		require.NoError(t, err)
		assert.Empty(t, armed)
	})
}

// TestPlatformStorage verifies encrypted credential rows, the status
// transitions driven by connection tests, and the single-default rule.
func TestPlatformStorage(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	user := createTestUser(t, tc, "keys@example.com")

	first := &db.Platform{
		UserID: user.ID,
		Name:   "binance-main",
		Kind:   "binance",
		Blob:   "ZmFrZS1jaXBoZXJ0ZXh0LW9uZQ==",
	}
	require.NoError(t, tc.DB.CreatePlatform(ctx, first))
	assert.Equal(t, db.PlatformDisconnected, first.Status)

	t.Run("DuplicateNameRejected", func(t *testing.T) {
		dup := &db.Platform{
			UserID: user.ID,
			Name:   "binance-main",
			Kind:   "binance",
			Blob:   "ZmFrZS1jaXBoZXJ0ZXh0LXR3bw==",
		}
		err := tc.DB.CreatePlatform(ctx, dup)
		require.Error(t, err)
		assert.True(t, db.IsUniqueViolation(err))
	})

	second := &db.Platform{
		UserID:    user.ID,
		Name:      "bybit-sandbox",
		Kind:      "bybit",
		Blob:      "ZmFrZS1jaXBoZXJ0ZXh0LXR3bw==",
		IsSandbox: true,
	}
	require.NoError(t, tc.DB.CreatePlatform(ctx, second))

	t.Run("ConnectionTestUpdatesStatus", func(t *testing.T) {
		latency := int64(42)
		require.NoError(t, tc.DB.UpdatePlatformStatus(ctx, first.ID, db.PlatformConnected, &latency, ""))

		stored, err := tc.DB.GetPlatform(ctx, first.ID, user.ID)
		require.NoError(t, err)
		assert.Equal(t, db.PlatformConnected, stored.Status)
		require.NotNil(t, stored.LastLatencyMs)
		assert.Equal(t, latency, *stored.LastLatencyMs)
		assert.NotNil(t, stored.LastTestedAt)
	})

	t.Run("DefaultMovesBetweenPlatforms", func(t *testing.T) {
		require.NoError(t, tc.DB.SetDefaultPlatform(ctx, first.ID, user.ID))
		require.NoError(t, tc.DB.SetDefaultPlatform(ctx, second.ID, user.ID))

		listed, err := tc.DB.ListPlatformsByUser(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, listed, 2)
		// Default sorts first.
		assert.Equal(t, second.ID, listed[0].ID)
		assert.True(t, listed[0].IsDefault)
		assert.False(t, listed[1].IsDefault)
	})

	t.Run("DeleteRemovesRow", func(t *testing.T) {
		require.NoError(t, tc.DB.DeletePlatform(ctx, second.ID, user.ID))

		_, err := tc.DB.GetPlatform(ctx, second.ID, user.ID)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})
}
