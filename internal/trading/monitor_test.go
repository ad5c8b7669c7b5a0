package trading

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/db/testhelpers"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/risk"
)

func TestCrossedProtection(t *testing.T) {
	stop := decimal.NewFromInt(39000)
	take := decimal.NewFromInt(45000)

	long := &db.Position{
		Side:       db.PositionSideLong,
		StopLoss:   &stop,
		TakeProfit: &take,
	}

	t.Run("long stop", func(t *testing.T) {
		cause, hit := crossedProtection(long, decimal.NewFromInt(38999))
		require.True(t, hit)
		assert.Equal(t, CauseStopLoss, cause)
	})

	t.Run("long stop at exact level", func(t *testing.T) {
		cause, hit := crossedProtection(long, stop)
		require.True(t, hit)
		assert.Equal(t, CauseStopLoss, cause)
	})

	t.Run("long target", func(t *testing.T) {
		cause, hit := crossedProtection(long, decimal.NewFromInt(45500))
		require.True(t, hit)
		assert.Equal(t, CauseTakeProfit, cause)
	})

	t.Run("long inside band", func(t *testing.T) {
		_, hit := crossedProtection(long, decimal.NewFromInt(40000))
		assert.False(t, hit)
	})

	t.Run("no levels never hits", func(t *testing.T) {
		_, hit := crossedProtection(&db.Position{Side: db.PositionSideLong}, decimal.NewFromInt(1))
		assert.False(t, hit)
	})

	shortStop := decimal.NewFromInt(45000)
	shortTake := decimal.NewFromInt(39000)
	short := &db.Position{
		Side:       db.PositionSideShort,
		StopLoss:   &shortStop,
		TakeProfit: &shortTake,
	}

	t.Run("short stop above", func(t *testing.T) {
		cause, hit := crossedProtection(short, decimal.NewFromInt(45100))
		require.True(t, hit)
		assert.Equal(t, CauseStopLoss, cause)
	})

	t.Run("short target below", func(t *testing.T) {
		cause, hit := crossedProtection(short, decimal.NewFromInt(38900))
		require.True(t, hit)
		assert.Equal(t, CauseTakeProfit, cause)
	})
}

func TestMonitorAdvanceIsMonotonic(t *testing.T) {
	m := &Monitor{lastTick: make(map[string]time.Time)}
	base := time.Now().UTC()

	assert.True(t, m.advance("BTCUSDT", base))
	assert.False(t, m.advance("BTCUSDT", base), "same timestamp must not advance")
	assert.False(t, m.advance("BTCUSDT", base.Add(-time.Second)), "older tick must not advance")
	assert.True(t, m.advance("BTCUSDT", base.Add(time.Second)))
	assert.True(t, m.advance("ETHUSDT", base), "symbols advance independently")
}

func TestCloseCauseTradeType(t *testing.T) {
	assert.Equal(t, db.TradeTypeStopLoss, CauseStopLoss.tradeType())
	assert.Equal(t, db.TradeTypeTakeProfit, CauseTakeProfit.tradeType())
	assert.Equal(t, db.TradeTypeMarket, CauseManual.tradeType())
	assert.Equal(t, db.TradeTypeMarket, CauseKillSwitch.tradeType())
}

func TestClosingSide(t *testing.T) {
	assert.Equal(t, db.TradeSideSell, closingSide(db.PositionSideLong))
	assert.Equal(t, db.TradeSideBuy, closingSide(db.PositionSideShort))
}

func TestMonitorTickHandling(t *testing.T) {
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	ctx := context.Background()
	quotes := newScriptedQuotes(map[string]string{"BTCUSDT": "40000"})
	fx := newRouterFixture(t, tc, quotes, risk.NewPassthroughBreakerRegistry(), nil, Config{})
	userID := newTestUser(t, tc, "monitor@example.com", "monitor", "autopilot")

	monitor := NewMonitor(fx.router, tc.DB, fx.platforms.Paper())
	tick := func(price string, at time.Time, synthetic bool) {
		monitor.HandleQuote(ctx, market.Quote{
			Symbol:    "BTCUSDT",
			Price:     decimal.RequireFromString(price),
			Source:    "scripted",
			FetchedAt: at,
			Synthetic: synthetic,
		})
	}

	t.Run("SyntheticTickNeverTriggersStops", func(t *testing.T) {
		stop := decimal.NewFromInt(39500)
		req := marketBuy(userID, "BTCUSDT", "0.001")
		req.StopLoss = &stop

		res, err := fx.router.SubmitOrder(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, res.Trade.PositionID)

		tick("39000", time.Now().UTC(), true)

		pos, err := tc.DB.GetPosition(ctx, *res.Trade.PositionID)
		require.NoError(t, err)
		assert.Equal(t, db.PositionStatusOpen, pos.Status)

		t.Run("RealTickClosesAtStop", func(t *testing.T) {
			quotes.set("BTCUSDT", "39400")
			defer quotes.set("BTCUSDT", "40000")
			tick("39400", time.Now().UTC(), false)

			pos, err := tc.DB.GetPosition(ctx, *res.Trade.PositionID)
			require.NoError(t, err)
			assert.Equal(t, db.PositionStatusClosed, pos.Status)

			trades, err := fx.router.Trades(ctx, userID, 1, 0)
			require.NoError(t, err)
			require.Len(t, trades, 1)
			assert.Equal(t, db.TradeTypeStopLoss, trades[0].Type)
			assert.Equal(t, db.TradeStatusFilled, trades[0].Status)
			assert.True(t, fx.notifier.contains("Stop loss triggered"))
		})
	})

	t.Run("PaperRestingOrderFillsOnCrossing", func(t *testing.T) {
		limit := decimal.NewFromInt(39000)
		req := marketBuy(userID, "BTCUSDT", "0.001")
		req.Type = db.TradeTypeLimit
		req.LimitPrice = &limit

		res, err := fx.router.SubmitOrder(ctx, req)
		require.NoError(t, err)
		require.Equal(t, db.TradeStatusQueued, res.Trade.Status)

		// Above the limit: nothing crosses.
		tick("39500", time.Now().UTC(), false)
		trade, err := tc.DB.GetTrade(ctx, res.Trade.ID)
		require.NoError(t, err)
		assert.Equal(t, db.TradeStatusQueued, trade.Status)

		// At the limit: the paper venue fills and the fill is booked.
		tick("39000", time.Now().UTC(), false)
		trade, err = tc.DB.GetTrade(ctx, res.Trade.ID)
		require.NoError(t, err)
		assert.Equal(t, db.TradeStatusFilled, trade.Status)
		require.NotNil(t, trade.FillPrice)
		assert.True(t, trade.FillPrice.Equal(limit), "got %s", trade.FillPrice)
		require.NotNil(t, trade.PositionID)
		assert.True(t, fx.notifier.contains("Resting order filled"))

		pos, err := tc.DB.GetPosition(ctx, *trade.PositionID)
		require.NoError(t, err)
		assert.Equal(t, db.PositionStatusOpen, pos.Status)
		assert.True(t, pos.AvgEntryPrice.Equal(limit))
	})

	t.Run("ReplayedTickIsIgnored", func(t *testing.T) {
		// The previous subtests advanced the symbol clock; an older
		// timestamp must not re-trigger anything.
		before := len(fx.notifier.titles())
		tick("10", time.Now().UTC().Add(-time.Hour), false)
		assert.Equal(t, before, len(fx.notifier.titles()))
	})
}
