package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/neontrader/backend/internal/alerts"
	"github.com/neontrader/backend/internal/apperr"
)

// handleListAlerts returns the caller's alerts, all states.
func (s *Server) handleListAlerts(c *gin.Context) {
	list, err := s.alerts.List(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]alertDTO, 0, len(list))
	for _, a := range list {
		out = append(out, toAlertDTO(a))
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}

// handleCreateAlert arms a new price or indicator alert. A duplicate
// armed alert (same symbol, condition, threshold bucket) conflicts.
func (s *Server) handleCreateAlert(c *gin.Context) {
	var req alerts.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	alert, err := s.alerts.Create(c.Request.Context(), userID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toAlertDTO(alert))
}

// handleDeleteAlert removes an alert in any state.
func (s *Server) handleDeleteAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid alert id"))
		return
	}

	if err := s.alerts.Delete(c.Request.Context(), userID(c), alertID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleDismissAlert acknowledges a triggered alert.
func (s *Server) handleDismissAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid alert id"))
		return
	}

	if err := s.alerts.Dismiss(c.Request.Context(), userID(c), alertID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleRearmAlert re-arms a dismissed alert so it can fire again.
func (s *Server) handleRearmAlert(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid alert id"))
		return
	}

	if err := s.alerts.Rearm(c.Request.Context(), userID(c), alertID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
