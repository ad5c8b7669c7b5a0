package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/db"
)

// handleListNotifications pages the caller's notification feed.
// ?unread=true narrows to unread rows. Clients reconnecting to the
// stream resynchronize here.
func (s *Server) handleListNotifications(c *gin.Context) {
	unreadOnly := c.Query("unread") == "true"
	limit, offset := pagination(c)

	list, err := s.notifications.List(c.Request.Context(), userID(c), unreadOnly, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]notificationDTO, 0, len(list))
	for _, n := range list {
		out = append(out, toNotificationDTO(n))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out, "limit": limit, "offset": offset})
}

// handleMarkNotificationRead marks one of the caller's notifications
// as read.
func (s *Server) handleMarkNotificationRead(c *gin.Context) {
	notifID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid notification id"))
		return
	}

	if err := s.notifications.MarkRead(c.Request.Context(), userID(c), notifID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type registerDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// handleRegisterDevice registers a push token for the caller. A token
// previously registered by another account moves to the caller.
func (s *Server) handleRegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	if err := s.notifications.RegisterDevice(c.Request.Context(), userID(c), req.Token, req.Platform); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type unregisterDeviceRequest struct {
	Token string `json:"token"`
}

// handleUnregisterDevice removes one of the caller's own push tokens.
func (s *Server) handleUnregisterDevice(c *gin.Context) {
	var req unregisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	if err := s.notifications.UnregisterDevice(c.Request.Context(), userID(c), req.Token); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleGetNotificationPrefs returns the caller's delivery toggles.
func (s *Server) handleGetNotificationPrefs(c *gin.Context) {
	prefs, err := s.notifications.Preferences(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toNotificationPrefsDTO(prefs))
}

// handleUpdateNotificationPrefs replaces the caller's delivery
// toggles. Safety notices are always delivered and have no toggle.
func (s *Server) handleUpdateNotificationPrefs(c *gin.Context) {
	var req notificationPrefsDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	prefs := &db.NotificationPrefs{
		TradeNotices:       req.TradeNotices,
		AlertNotices:       req.AlertNotices,
		OpportunityNotices: req.OpportunityNotices,
		PushEnabled:        req.PushEnabled,
	}
	if err := s.notifications.UpdatePreferences(c.Request.Context(), userID(c), prefs); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toNotificationPrefsDTO(prefs))
}
