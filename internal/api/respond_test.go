package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neontrader/backend/internal/apperr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		kind   apperr.Kind
		status int
	}{
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindAuth, http.StatusUnauthorized},
		{apperr.KindForbidden, http.StatusForbidden},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindConflict, http.StatusConflict},
		{apperr.KindRiskDenied, http.StatusUnprocessableEntity},
		{apperr.KindBreakerOpen, http.StatusServiceUnavailable},
		{apperr.KindUpstream, http.StatusBadGateway},
		{apperr.KindTimeout, http.StatusGatewayTimeout},
		{apperr.KindInternal, http.StatusInternalServerError},
		{apperr.KindVault, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.status, statusFor(tc.kind), "kind %s", tc.kind)
	}
}

// respondOn runs respondError inside a one-route engine so the
// request-id middleware populates the context the way production does.
func respondOn(t *testing.T, err error) (*httptest.ResponseRecorder, errorBody) {
	t.Helper()

	engine := gin.New()
	engine.Use(RequestIDMiddleware())
	engine.GET("/boom", func(c *gin.Context) {
		respondError(c, err)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-test-1")
	engine.ServeHTTP(w, req)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestRespondError_BodyShape(t *testing.T) {
	err := apperr.New(apperr.KindValidation, "quantity must be positive").
		WithDetail("field", "quantity")

	w, body := respondOn(t, err)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "quantity must be positive", body.Error)
	assert.Equal(t, "validation", body.Kind)
	assert.Equal(t, "req-test-1", body.CorrelationID)
	require.NotNil(t, body.Details)
	assert.Equal(t, "quantity", body.Details["field"])
}

func TestRespondError_InternalIsOpaque(t *testing.T) {
	err := apperr.Wrap(apperr.KindInternal, "pg: deadlock detected on portfolios",
		errors.New("SQLSTATE 40P01")).WithDetail("table", "portfolios")

	w, body := respondOn(t, err)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", body.Error)
	assert.Nil(t, body.Details)
	assert.Equal(t, "req-test-1", body.CorrelationID)
	assert.NotContains(t, w.Body.String(), "deadlock")
	assert.NotContains(t, w.Body.String(), "SQLSTATE")
}

func TestRespondError_VaultIsOpaque(t *testing.T) {
	err := apperr.Wrap(apperr.KindVault, "cipher: message authentication failed",
		errors.New("bad key material"))

	w, body := respondOn(t, err)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "credential storage unavailable", body.Error)
	assert.NotContains(t, w.Body.String(), "cipher")
}

func TestRespondError_RetryAfterHeader(t *testing.T) {
	err := apperr.New(apperr.KindBreakerOpen, "market data unavailable").
		WithRetryAfter(2500 * time.Millisecond)

	w, body := respondOn(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	// Durations round up so clients never retry early.
	assert.Equal(t, "3", w.Header().Get("Retry-After"))
	assert.Equal(t, "breaker_open", body.Kind)
}

func TestRespondError_PlainErrorMapsToInternal(t *testing.T) {
	w, body := respondOn(t, errors.New("something unexpected"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", body.Error)
	assert.NotContains(t, w.Body.String(), "something unexpected")
}
