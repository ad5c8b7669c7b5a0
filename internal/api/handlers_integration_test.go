package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/advisor"
	"github.com/neontrader/backend/internal/alerts"
	"github.com/neontrader/backend/internal/auth"
	"github.com/neontrader/backend/internal/db/testhelpers"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/notifications"
	"github.com/neontrader/backend/internal/portfolio"
	"github.com/neontrader/backend/internal/risk"
	"github.com/neontrader/backend/internal/stream"
	"github.com/neontrader/backend/internal/trading"
	"github.com/neontrader/backend/internal/vault"
)

// fixedSource serves one constant price for every symbol so order
// math is deterministic.
type fixedSource struct {
	name  string
	price decimal.Decimal
}

func (f fixedSource) Name() string { return f.name }

func (f fixedSource) Fetch(_ context.Context, symbol string) (market.Quote, error) {
	return market.Quote{
		Symbol:    symbol,
		Price:     f.price,
		Source:    f.name,
		FetchedAt: time.Now(),
	}, nil
}

// newIntegrationServer wires the full stack against a container
// database, an in-memory Redis, and a deterministic quote source. No
// NATS: publishers tolerate the nil bus.
func newIntegrationServer(t *testing.T) *Server {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test; skipped with -short")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	v, err := vault.New(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	authSvc, err := auth.NewService(tc.DB, v, auth.Config{JWTSecret: testJWTSecret})
	require.NoError(t, err)

	catalog, err := market.LoadCatalog()
	require.NoError(t, err)

	breakers := risk.NewPassthroughBreakerRegistry()

	price := decimal.NewFromInt(50000)
	sources := map[market.AssetClass][]market.Source{
		market.AssetCrypto: {fixedSource{name: "fixture", price: price}},
		market.AssetStock:  {fixedSource{name: "fixture", price: decimal.NewFromInt(200)}},
		market.AssetForex:  {fixedSource{name: "fixture", price: decimal.NewFromFloat(1.1)}},
	}
	aggregator := market.NewAggregator(catalog, sources, nil, breakers, nil, market.AggregatorOptions{})

	riskEngine := risk.NewEngine(risk.NewLimits(0.02, 3, 0.03, 0.05, 0.005))
	accounts := portfolio.NewAccountant(tc.DB, aggregator, decimal.NewFromInt(10000))
	platforms := trading.NewPlatforms(tc.DB, v, aggregator, nil)
	notifier := notifications.NewService(tc.DB, nil, nil)
	idem := trading.NewIdempotencyStore(redisClient, 0)

	router := trading.NewRouter(tc.DB, accounts, riskEngine, breakers, aggregator, platforms, notifier, nil, nil, idem, trading.Config{})
	require.NoError(t, router.LoadKillSwitch(context.Background()))

	alertEngine := alerts.NewEngine(tc.DB, notifier)
	alertSvc := alerts.NewService(tc.DB, catalog, alertEngine)

	return NewServer(Config{DefaultTradingMode: "learning_only"}, Deps{
		DB:            tc.DB,
		Auth:          authSvc,
		Portfolio:     accounts,
		Router:        router,
		Platforms:     platforms,
		Market:        aggregator,
		Alerts:        alertSvc,
		AlertEngine:   alertEngine,
		Notifications: notifier,
		Advisor:       advisor.New(nil, aggregator, breakers),
		Breakers:      breakers,
		Hub:           stream.NewHub(),
	})
}

// doJSON sends a JSON request and decodes the JSON response into out
// when out is non-nil.
func doJSON(t *testing.T, srv *Server, method, path, token string, body, out interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if out != nil && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out),
			"unparseable response for %s %s: %s", method, path, w.Body.String())
	}
	return w
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

func registerUser(t *testing.T, srv *Server, email, username string) authResponse {
	t.Helper()
	var resp authResponse
	w := doJSON(t, srv, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    email,
		"username": username,
		"password": "Str0ng!Passw0rd",
	}, &resp)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NotEmpty(t, resp.AccessToken)
	return resp
}

func TestRegisterLoginFlow(t *testing.T) {
	srv := newIntegrationServer(t)

	account := registerUser(t, srv, "ada@example.com", "ada")

	t.Run("duplicate email conflicts", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
			"email":    "ada@example.com",
			"username": "ada2",
			"password": "Str0ng!Passw0rd",
		}, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("login with correct credentials", func(t *testing.T) {
		var resp authResponse
		w := doJSON(t, srv, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    "ada@example.com",
			"password": "Str0ng!Passw0rd",
		}, &resp)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, account.UserID, resp.UserID)
		assert.NotEmpty(t, resp.AccessToken)
	})

	t.Run("login with wrong password", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    "ada@example.com",
			"password": "WrongPassword1!",
		}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("portfolio is seeded on registration", func(t *testing.T) {
		var pf portfolioDTO
		w := doJSON(t, srv, http.MethodGet, "/api/v1/portfolio", account.AccessToken, nil, &pf)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, pf.CashBalance.Equal(decimal.NewFromInt(10000)),
			"cash = %s", pf.CashBalance)
		assert.Empty(t, pf.Positions)
		assert.False(t, pf.Frozen)
	})
}

func TestOrderPipeline(t *testing.T) {
	srv := newIntegrationServer(t)
	account := registerUser(t, srv, "bob@example.com", "bob")
	token := account.AccessToken

	t.Run("default mode is learning_only", func(t *testing.T) {
		var resp struct {
			Mode string `json:"mode"`
		}
		w := doJSON(t, srv, http.MethodGet, "/api/v1/mode", token, nil, &resp)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "learning_only", resp.Mode)
	})

	t.Run("learning order is recorded, not executed", func(t *testing.T) {
		var res orderResultDTO
		w := doJSON(t, srv, http.MethodPost, "/api/v1/trades", token, map[string]interface{}{
			"symbol":   "BTCUSDT",
			"side":     "buy",
			"quantity": "0.001",
		}, &res)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.NotNil(t, res.Trade)
		assert.Equal(t, "learning_only", res.Trade.Mode)
		assert.Equal(t, "canceled", res.Trade.Status)

		var pf portfolioDTO
		w = doJSON(t, srv, http.MethodGet, "/api/v1/portfolio", token, nil, &pf)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, pf.Positions, "learning orders never open positions")
	})

	t.Run("switch to autopilot", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPut, "/api/v1/mode", token,
			map[string]string{"mode": "autopilot"}, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	var tradeID string
	t.Run("autopilot order fills on the paper venue", func(t *testing.T) {
		var res orderResultDTO
		w := doJSON(t, srv, http.MethodPost, "/api/v1/trades", token, map[string]interface{}{
			"symbol":   "BTCUSDT",
			"side":     "buy",
			"quantity": "0.001",
		}, &res)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.NotNil(t, res.Trade)
		assert.Equal(t, "filled", res.Trade.Status)
		assert.Equal(t, "paper", res.Trade.Exchange)
		tradeID = res.Trade.ID.String()

		var pf portfolioDTO
		w = doJSON(t, srv, http.MethodGet, "/api/v1/portfolio", token, nil, &pf)
		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, pf.Positions, 1)
		assert.Equal(t, "BTCUSDT", pf.Positions[0].Symbol)
		assert.True(t, pf.Positions[0].Quantity.Equal(decimal.RequireFromString("0.001")))
	})

	t.Run("oversized order is risk denied", func(t *testing.T) {
		// 1 BTC at 50k is far past the 2% per-trade cap on 10k equity.
		w := doJSON(t, srv, http.MethodPost, "/api/v1/trades", token, map[string]interface{}{
			"symbol":   "BTCUSDT",
			"side":     "buy",
			"quantity": "1",
		}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"kind":"risk_denied"`)
	})

	t.Run("close returns the position to cash", func(t *testing.T) {
		var res orderResultDTO
		w := doJSON(t, srv, http.MethodPost, "/api/v1/trades/"+tradeID+"/close", token, nil, &res)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.NotNil(t, res.Trade)
		assert.Equal(t, "sell", res.Trade.Side)

		var pf portfolioDTO
		w = doJSON(t, srv, http.MethodGet, "/api/v1/portfolio", token, nil, &pf)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, pf.Positions)
	})

	t.Run("trade history lists both orders", func(t *testing.T) {
		var resp struct {
			Trades []tradeDTO `json:"trades"`
		}
		w := doJSON(t, srv, http.MethodGet, "/api/v1/trades", token, nil, &resp)
		require.Equal(t, http.StatusOK, w.Code)
		assert.GreaterOrEqual(t, len(resp.Trades), 3)
	})
}

func TestIdempotentOrderReplay(t *testing.T) {
	srv := newIntegrationServer(t)
	account := registerUser(t, srv, "carol@example.com", "carol")
	token := account.AccessToken

	w := doJSON(t, srv, http.MethodPut, "/api/v1/mode", token,
		map[string]string{"mode": "autopilot"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	submit := func() (orderResultDTO, *httptest.ResponseRecorder) {
		raw, err := json.Marshal(map[string]interface{}{
			"symbol":   "BTCUSDT",
			"side":     "buy",
			"quantity": "0.001",
		})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trades", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "order-0001")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		var res orderResultDTO
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
		return res, rec
	}

	first, rec := submit()
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, first.Trade)
	assert.False(t, first.Replayed)

	second, rec := submit()
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, second.Trade)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Trade.ID, second.Trade.ID, "replay returns the original trade")

	var pf portfolioDTO
	w = doJSON(t, srv, http.MethodGet, "/api/v1/portfolio", token, nil, &pf)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, pf.Positions, 1, "the duplicate submit must not double the position")
}

func TestKillSwitchBlocksTrading(t *testing.T) {
	srv := newIntegrationServer(t)
	account := registerUser(t, srv, "dave@example.com", "dave")
	token := account.AccessToken

	w := doJSON(t, srv, http.MethodPut, "/api/v1/mode", token,
		map[string]string{"mode": "autopilot"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("self engage freezes the account", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/kill-switch", token,
			map[string]string{"reason": "stepping away"}, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"global":false`)
	})

	t.Run("orders are rejected while frozen", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/trades", token, map[string]interface{}{
			"symbol":   "BTCUSDT",
			"side":     "buy",
			"quantity": "0.001",
		}, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), "halted")
	})

	t.Run("release restores trading", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodDelete, "/api/v1/kill-switch", token, nil, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = doJSON(t, srv, http.MethodPost, "/api/v1/trades", token, map[string]interface{}{
			"symbol":   "BTCUSDT",
			"side":     "buy",
			"quantity": "0.001",
		}, nil)
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})
}

func TestAlertEndpoints(t *testing.T) {
	srv := newIntegrationServer(t)
	account := registerUser(t, srv, "erin@example.com", "erin")
	token := account.AccessToken

	var created alertDTO
	t.Run("create", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/alerts", token, map[string]interface{}{
			"symbol":    "BTCUSDT",
			"condition": "price_above",
			"threshold": "60000",
		}, &created)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, "BTCUSDT", created.Symbol)
	})

	t.Run("duplicate fingerprint conflicts", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/alerts", token, map[string]interface{}{
			"symbol":    "BTCUSDT",
			"condition": "price_above",
			"threshold": "60000",
		}, nil)
		assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	})

	t.Run("list", func(t *testing.T) {
		var resp struct {
			Alerts []alertDTO `json:"alerts"`
		}
		w := doJSON(t, srv, http.MethodGet, "/api/v1/alerts", token, nil, &resp)
		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, resp.Alerts, 1)
	})

	t.Run("dismiss, rearm and delete", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost,
			fmt.Sprintf("/api/v1/alerts/%s/dismiss", created.ID), token, nil, nil)
		assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		w = doJSON(t, srv, http.MethodPost,
			fmt.Sprintf("/api/v1/alerts/%s/rearm", created.ID), token, nil, nil)
		assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		w = doJSON(t, srv, http.MethodDelete,
			fmt.Sprintf("/api/v1/alerts/%s", created.ID), token, nil, nil)
		assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	})
}

func TestPlatformEndpoints(t *testing.T) {
	srv := newIntegrationServer(t)
	account := registerUser(t, srv, "fay@example.com", "fay")
	token := account.AccessToken

	var created platformDTO
	t.Run("create never echoes credentials", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/platforms", token, map[string]interface{}{
			"name":       "main-binance",
			"kind":       "binance",
			"api_key":    "AKIAEXAMPLEKEY",
			"secret_key": "supersecretvalue",
			"is_sandbox": true,
		}, &created)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, "main-binance", created.Name)
		assert.NotContains(t, w.Body.String(), "AKIAEXAMPLEKEY")
		assert.NotContains(t, w.Body.String(), "supersecretvalue")
	})

	t.Run("live platform requires an api key", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/api/v1/platforms", token, map[string]interface{}{
			"name": "broken",
			"kind": "binance",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("list shows metadata only", func(t *testing.T) {
		var resp struct {
			Platforms []platformDTO `json:"platforms"`
		}
		w := doJSON(t, srv, http.MethodGet, "/api/v1/platforms", token, nil, &resp)
		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, resp.Platforms, 1)
		assert.NotContains(t, w.Body.String(), "supersecretvalue")
	})

	t.Run("delete", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodDelete,
			fmt.Sprintf("/api/v1/platforms/%s", created.ID), token, nil, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestMarketAndAnalysisEndpoints(t *testing.T) {
	srv := newIntegrationServer(t)
	account := registerUser(t, srv, "gus@example.com", "gus")
	token := account.AccessToken

	t.Run("single quote", func(t *testing.T) {
		var quote market.Quote
		w := doJSON(t, srv, http.MethodGet, "/api/v1/market/BTCUSDT", token, nil, &quote)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "BTCUSDT", quote.Symbol)
		assert.True(t, quote.Price.Equal(decimal.NewFromInt(50000)))
	})

	t.Run("batch quotes", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/api/v1/market/quotes?symbols=BTCUSDT,AAPL", token, nil, nil)
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("analysis degrades to rules without a provider", func(t *testing.T) {
		var analysis advisor.Analysis
		w := doJSON(t, srv, http.MethodPost, "/api/v1/ai/analyze", token,
			map[string]string{"symbol": "BTCUSDT"}, &analysis)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, analysis.Degraded)
		assert.NotEmpty(t, analysis.Text)
	})
}

func TestNotificationEndpoints(t *testing.T) {
	srv := newIntegrationServer(t)
	account := registerUser(t, srv, "hal@example.com", "hal")
	token := account.AccessToken

	// A learning-mode order produces a notification.
	w := doJSON(t, srv, http.MethodPost, "/api/v1/trades", token, map[string]interface{}{
		"symbol":   "BTCUSDT",
		"side":     "buy",
		"quantity": "0.001",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Notifications []notificationDTO `json:"notifications"`
	}
	w = doJSON(t, srv, http.MethodGet, "/api/v1/notifications", token, nil, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, resp.Notifications)
	first := resp.Notifications[0]
	assert.False(t, first.Read)

	w = doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/api/v1/notifications/%s/read", first.ID), token, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodGet, "/api/v1/notifications?unread=true", token, nil, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	for _, n := range resp.Notifications {
		assert.NotEqual(t, first.ID, n.ID, "read notification left the unread view")
	}
}
