package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/risk"
)

// newRouteTestServer builds a server with just enough dependencies to
// exercise routing, auth gating and probes. Handlers needing storage
// are covered by the integration tests.
func newRouteTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(Config{}, Deps{
		Auth:     newTestAuth(t),
		Breakers: risk.NewBreakerRegistry(risk.BreakerSettings{}),
	})
}

func doRequest(srv *Server, method, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := newRouteTestServer(t)

	w := doRequest(srv, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestReadyEndpoint_NoDatabase(t *testing.T) {
	srv := newRouteTestServer(t)

	w := doRequest(srv, http.MethodGet, "/ready", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"not_ready"`)
	assert.Contains(t, w.Body.String(), `"database":"not_configured"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newRouteTestServer(t)

	w := doRequest(srv, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
}

func TestProtectedRoutesRejectAnonymous(t *testing.T) {
	srv := newRouteTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/portfolio"},
		{http.MethodGet, "/api/v1/portfolio/journal"},
		{http.MethodGet, "/api/v1/trades"},
		{http.MethodPost, "/api/v1/trades"},
		{http.MethodGet, "/api/v1/platforms"},
		{http.MethodGet, "/api/v1/market/quotes"},
		{http.MethodGet, "/api/v1/market/BTC-USD"},
		{http.MethodGet, "/api/v1/alerts"},
		{http.MethodGet, "/api/v1/notifications"},
		{http.MethodGet, "/api/v1/mode"},
		{http.MethodGet, "/api/v1/approvals"},
		{http.MethodPost, "/api/v1/ai/analyze"},
		{http.MethodGet, "/api/v1/kill-switch"},
		{http.MethodGet, "/api/v1/admin/breakers"},
		{http.MethodPost, "/api/v1/auth/2fa/setup"},
	}

	for _, r := range routes {
		w := doRequest(srv, r.method, r.path, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", r.method, r.path)
		assert.Contains(t, w.Body.String(), `"kind":"auth"`, "%s %s", r.method, r.path)
	}
}

func TestAdminRoutes(t *testing.T) {
	srv := newRouteTestServer(t)
	authSvc := srv.auth

	userToken := issueToken(t, authSvc, &db.User{ID: uuid.New()})
	adminToken := issueToken(t, authSvc, &db.User{ID: uuid.New(), IsAdmin: true})

	t.Run("user is forbidden", func(t *testing.T) {
		w := doRequest(srv, http.MethodGet, "/api/v1/admin/breakers", userToken)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin lists breaker states", func(t *testing.T) {
		w := doRequest(srv, http.MethodGet, "/api/v1/admin/breakers", adminToken)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), risk.BreakerTradeExecution)
	})

	t.Run("admin resets a breaker", func(t *testing.T) {
		w := doRequest(srv, http.MethodPost, "/api/v1/admin/breakers/"+risk.BreakerExchangeAPI+"/reset", adminToken)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"state":"closed"`)
	})

	t.Run("unknown breaker is 404", func(t *testing.T) {
		w := doRequest(srv, http.MethodPost, "/api/v1/admin/breakers/bogus/reset", adminToken)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	srv := newRouteTestServer(t)

	t.Run("malformed JSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"kind":"validation"`)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
			strings.NewReader(`{"email":"","username":"","password":""}`))
		req.Header.Set("Content-Type", "application/json")
		srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"kind":"validation"`)
	})

	t.Run("bad email", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
			strings.NewReader(`{"email":"nope","username":"trader1","password":"S3cure!Password"}`))
		req.Header.Set("Content-Type", "application/json")
		srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "email")
	})
}

func TestLoginRejectsInvalidInput(t *testing.T) {
	srv := newRouteTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"email":"","password":""}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"validation"`)
}

func TestCORSPreflight(t *testing.T) {
	srv := newRouteTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/portfolio", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newRouteTestServer(t)

	w := doRequest(srv, http.MethodGet, "/api/v1/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResponsesCarryRequestID(t *testing.T) {
	srv := newRouteTestServer(t)

	w := doRequest(srv, http.MethodGet, "/health", "")
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// Errors echo the id as the correlation field.
	w = doRequest(srv, http.MethodGet, "/api/v1/portfolio", "")
	assert.Contains(t, w.Body.String(), `"correlation_id":"`+w.Header().Get("X-Request-ID")+`"`)
}
