package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/vault"
)

// handleListPlatforms returns the caller's exchange connections,
// credentials omitted.
func (s *Server) handleListPlatforms(c *gin.Context) {
	platforms, err := s.platforms.List(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]platformDTO, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, toPlatformDTO(p))
	}
	c.JSON(http.StatusOK, gin.H{"platforms": out})
}

type createPlatformRequest struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase"`
	IsSandbox  bool   `json:"is_sandbox"`
	IsDefault  bool   `json:"is_default"`
}

// handleCreatePlatform connects an exchange account. Credentials are
// encrypted at rest and never echoed back.
func (s *Server) handleCreatePlatform(c *gin.Context) {
	var req createPlatformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		respondError(c, apperr.New(apperr.KindValidation, "name is required"))
		return
	}

	creds := vault.Credentials{
		APIKey:     strings.TrimSpace(req.APIKey),
		SecretKey:  strings.TrimSpace(req.SecretKey),
		Passphrase: strings.TrimSpace(req.Passphrase),
	}

	platform, err := s.platforms.Create(c.Request.Context(), userID(c),
		strings.TrimSpace(req.Name), req.Kind, creds, req.IsSandbox, req.IsDefault)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toPlatformDTO(platform))
}

// handleTestPlatform probes the connection and records latency plus
// any failure on the platform row.
func (s *Server) handleTestPlatform(c *gin.Context) {
	platformID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid platform id"))
		return
	}

	platform, err := s.platforms.Test(c.Request.Context(), platformID, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toPlatformDTO(platform))
}

// handleDeletePlatform removes the connection and its stored
// credentials.
func (s *Server) handleDeletePlatform(c *gin.Context) {
	platformID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid platform id"))
		return
	}

	if err := s.platforms.Delete(c.Request.Context(), platformID, userID(c)); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
