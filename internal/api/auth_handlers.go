package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/validation"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister creates the account, seeds its paper portfolio and
// returns a ready-to-use token.
func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	if errs := validation.ValidateRegistration(req.Email, req.Username, req.Password); errs.HasErrors() {
		respondError(c, errs.AsAppError())
		return
	}

	user, token, err := s.auth.Register(c.Request.Context(), req.Email, req.Username, req.Password, s.cfg.DefaultTradingMode)
	if err != nil {
		respondError(c, err)
		return
	}

	// Seed the portfolio now so the first GET /portfolio never races
	// account creation. Ensure is idempotent; a failure here only
	// defers seeding to first access.
	if s.portfolio != nil {
		if _, err := s.portfolio.Ensure(c.Request.Context(), user.ID); err != nil {
			log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("Portfolio seeding deferred")
		}
	}

	c.JSON(http.StatusCreated, tokenResponse{AccessToken: token, UserID: user.ID})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTP     string `json:"totp"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}

	if errs := validation.ValidateLogin(req.Email, req.Password); errs.HasErrors() {
		respondError(c, errs.AsAppError())
		return
	}

	user, token, err := s.auth.Login(c.Request.Context(), req.Email, req.Password, req.TOTP)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, tokenResponse{AccessToken: token, UserID: user.ID})
}

// handleTOTPSetup generates a pending TOTP secret. 2FA turns on only
// after the first code is verified via handleTOTPEnable.
func (s *Server) handleTOTPSetup(c *gin.Context) {
	user, err := s.db.GetUserByID(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInternal, "failed to load user", err))
		return
	}

	secret, uri, err := s.auth.SetupTOTP(c.Request.Context(), user)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, totpSetupResponse{Secret: secret, ProvisioningURI: uri})
}

type totpEnableRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleTOTPEnable(c *gin.Context) {
	var req totpEnableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.New(apperr.KindValidation, "invalid JSON body"))
		return
	}
	if req.Code == "" {
		respondError(c, apperr.New(apperr.KindValidation, "code is required"))
		return
	}

	user, err := s.db.GetUserByID(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, apperr.Wrap(apperr.KindInternal, "failed to load user", err))
		return
	}

	backupCodes, err := s.auth.EnableTOTP(c.Request.Context(), user, req.Code)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, totpEnableResponse{BackupCodes: backupCodes})
}
