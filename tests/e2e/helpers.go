//go:build e2e

// Shared fixtures for the end-to-end tests: a full in-process stack
// (container database, embedded NATS, in-memory Redis, deterministic
// market source) behind a real HTTP listener.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/advisor"
	"github.com/neontrader/backend/internal/alerts"
	"github.com/neontrader/backend/internal/api"
	"github.com/neontrader/backend/internal/auth"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db/testhelpers"
	"github.com/neontrader/backend/internal/market"
	"github.com/neontrader/backend/internal/notifications"
	"github.com/neontrader/backend/internal/portfolio"
	"github.com/neontrader/backend/internal/risk"
	"github.com/neontrader/backend/internal/stream"
	"github.com/neontrader/backend/internal/trading"
	"github.com/neontrader/backend/internal/vault"
)

const testJWTSecret = "e2e-jwt-secret-0123456789abcdef0123456789"

// fixturePrice is what the stub market source quotes for every crypto
// symbol, so order math in assertions is exact.
var fixturePrice = decimal.NewFromInt(50000)

// fixedSource serves one constant price for every symbol.
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

// startEmbeddedNATS starts an in-process NATS server on a random port.
func startEmbeddedNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		t.Fatal("NATS server did not start in time")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

// stack is the whole backend wired the way cmd/api wires it, minus
// live upstreams. The HTTP server is real so WebSocket upgrades work.
type stack struct {
	HTTP       *httptest.Server
	Aggregator *market.Aggregator
	Bus        *bus.Bus
}

// newStack boots the full system. Quote freshness is 1ms so every
// market read publishes a fresh tick onto the bus.
func newStack(t *testing.T) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("e2e test; skipped with -short")
	}

	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	ns := startEmbeddedNATS(t)
	eventBus, err := bus.New(bus.Config{URL: ns.ClientURL()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eventBus.Close() })

	v, err := vault.New(bytes.Repeat([]byte{0x24}, 32))
	require.NoError(t, err)

	authSvc, err := auth.NewService(tc.DB, v, auth.Config{JWTSecret: testJWTSecret})
	require.NoError(t, err)

	catalog, err := market.LoadCatalog()
	require.NoError(t, err)

	breakers := risk.NewPassthroughBreakerRegistry()
	sources := map[market.AssetClass][]market.Source{
		market.AssetCrypto: {fixedSource{name: "fixture", price: fixturePrice}},
		market.AssetStock:  {fixedSource{name: "fixture", price: decimal.NewFromInt(200)}},
		market.AssetForex:  {fixedSource{name: "fixture", price: decimal.NewFromFloat(1.1)}},
	}
	aggregator := market.NewAggregator(catalog, sources, nil, breakers, eventBus, market.AggregatorOptions{
		Freshness: time.Millisecond,
	})

	riskEngine := risk.NewEngine(risk.NewLimits(0.02, 3, 0.03, 0.05, 0.005))
	accounts := portfolio.NewAccountant(tc.DB, aggregator, decimal.NewFromInt(10000))
	platforms := trading.NewPlatforms(tc.DB, v, aggregator, nil)
	notifier := notifications.NewService(tc.DB, eventBus, nil)
	idem := trading.NewIdempotencyStore(redisClient, 0)

	router := trading.NewRouter(tc.DB, accounts, riskEngine, breakers, aggregator, platforms, notifier, eventBus, nil, idem, trading.Config{})
	require.NoError(t, router.LoadKillSwitch(context.Background()))

	monitor := trading.NewMonitor(router, tc.DB, platforms.Paper())
	require.NoError(t, monitor.Start(eventBus))
	t.Cleanup(monitor.Stop)

	alertEngine := alerts.NewEngine(tc.DB, notifier)
	require.NoError(t, alertEngine.Start(eventBus))
	t.Cleanup(alertEngine.Stop)
	alertSvc := alerts.NewService(tc.DB, catalog, alertEngine)

	hub := stream.NewHub()
	bridge := stream.NewBridge(hub, eventBus)
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Stop)

	srv := api.NewServer(api.Config{DefaultTradingMode: "learning_only"}, api.Deps{
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
		Hub:           hub,
		Bus:           eventBus,
	})

	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	return &stack{HTTP: httpServer, Aggregator: aggregator, Bus: eventBus}
}

// httpResult captures one response for assertions.
type httpResult struct {
	Code int
	Body string
}

// doJSON sends one request against the live listener and decodes the
// response into out when out is non-nil.
func (s *stack) doJSON(t *testing.T, method, path, token string, body, out interface{}) httpResult {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.HTTP.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	if out != nil && buf.Len() > 0 {
		require.NoError(t, json.Unmarshal(buf.Bytes(), out),
			"unparseable response for %s %s: %s", method, path, buf.String())
	}
	return httpResult{Code: resp.StatusCode, Body: buf.String()}
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

func registerUser(t *testing.T, s *stack, email, username string) authResponse {
	t.Helper()
	var resp authResponse
	r := s.doJSON(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    email,
		"username": username,
		"password": "Str0ng!Passw0rd",
	}, &resp)
	require.Equal(t, http.StatusCreated, r.Code, r.Body)
	require.NotEmpty(t, resp.AccessToken)
	return resp
}

// dialWS opens an authenticated WebSocket connection.
func dialWS(t *testing.T, s *stack, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// wsFrame is the server's frame envelope: control frames carry type
// and error; data frames mirror stream.Message.
type wsFrame struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// readFrame reads one frame with a deadline.
func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// awaitFrame reads frames until one of the wanted type arrives.
func awaitFrame(t *testing.T, conn *websocket.Conn, wantType string, timeout time.Duration) wsFrame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(t, remaining, "no %q frame within %s", wantType, timeout)
		frame := readFrame(t, conn, remaining)
		if frame.Type == wantType {
			return frame
		}
	}
}
