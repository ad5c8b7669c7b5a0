package api

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/metrics"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error         string                 `json:"error"`
	Kind          string                 `json:"kind"`
	CorrelationID string                 `json:"correlation_id"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRiskDenied:
		return http.StatusUnprocessableEntity
	case apperr.KindBreakerOpen:
		return http.StatusServiceUnavailable
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		// Vault and internal failures stay opaque.
		return http.StatusInternalServerError
	}
}

// respondError writes the canonical error body for err. Internal and
// vault failures are logged with full detail but reach the client as
// an opaque message plus the correlation id.
func respondError(c *gin.Context, err error) {
	appErr := apperr.AsError(err)
	status := statusFor(appErr.Kind)
	requestID := c.GetString(ctxRequestID)

	body := errorBody{
		Error:         appErr.Message,
		Kind:          string(appErr.Kind),
		CorrelationID: requestID,
		Details:       appErr.Details,
	}

	switch appErr.Kind {
	case apperr.KindInternal:
		log.Error().Err(err).
			Str("request_id", requestID).
			Str("path", c.Request.URL.Path).
			Msg("Internal error")
		body.Error = "internal error"
		body.Details = nil
	case apperr.KindVault:
		log.Error().Err(err).
			Str("request_id", requestID).
			Str("path", c.Request.URL.Path).
			Msg("Vault error")
		body.Error = "credential storage unavailable"
		body.Details = nil
	}

	if appErr.RetryAfter > 0 {
		seconds := int(math.Ceil(appErr.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(seconds))
	}

	metrics.RecordError(string(appErr.Kind), "api")
	_ = c.Error(err)
	c.JSON(status, body)
}
