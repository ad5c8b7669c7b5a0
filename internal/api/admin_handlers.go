package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/risk"
)

type killSwitchRequest struct {
	Reason string `json:"reason"`
}

// handleEngageKillSwitch halts trading and mass-closes positions.
// Admins engage the global switch; everyone else freezes only their
// own account.
func (s *Server) handleEngageKillSwitch(c *gin.Context) {
	// The body is optional; an empty POST engages with the default
	// reason.
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	caller := userID(c)
	var target *uuid.UUID
	if !isAdmin(c) {
		target = &caller
	}

	report, err := s.trading.EngageKillSwitch(c.Request.Context(), caller.String(), target, reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"engaged":          report.Engaged,
		"global":           target == nil,
		"positions_closed": report.PositionsClosed,
		"failures":         report.Failures,
	})
}

// handleReleaseKillSwitch releases the global switch (admin) or the
// caller's own freeze.
func (s *Server) handleReleaseKillSwitch(c *gin.Context) {
	caller := userID(c)
	var target *uuid.UUID
	if !isAdmin(c) {
		target = &caller
	}

	if err := s.trading.ReleaseKillSwitch(c.Request.Context(), caller.String(), target); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"engaged": false, "global": target == nil})
}

// handleGetKillSwitch reports the global switch state.
func (s *Server) handleGetKillSwitch(c *gin.Context) {
	state, err := s.trading.KillSwitchState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toKillSwitchDTO(state))
}

// handleListBreakers reports every circuit breaker's state.
func (s *Server) handleListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.States()})
}

// handleResetBreaker manually closes a tripped breaker. The actor is
// recorded in the audit trail.
func (s *Server) handleResetBreaker(c *gin.Context) {
	name := c.Param("name")

	if err := s.breakers.Reset(name, userID(c).String()); err != nil {
		if errors.Is(err, risk.ErrBreakerUnknown) {
			respondError(c, apperr.Newf(apperr.KindNotFound, "unknown breaker: %s", name))
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"breaker": name, "state": s.breakers.State(name)})
}
