// Package auth handles password verification, token issuance, and
// TOTP second factors. TOTP seeds are stored vault-encrypted; backup
// codes are stored as bcrypt hashes and shown to the user exactly
// once.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/vault"
)

const (
	// backupCodeCount is how many recovery codes 2FA enablement hands
	// out.
	backupCodeCount = 8
	// minSecretLen is the minimum JWT signing secret length in bytes.
	minSecretLen = 32
)

// Config carries the auth service settings.
type Config struct {
	JWTSecret  string
	TokenTTL   time.Duration
	TOTPIssuer string
	BcryptCost int
}

// Claims is the JWT payload. UserID rides in "uid" so the middleware
// never parses the subject twice.
type Claims struct {
	UserID string `json:"uid"`
	Admin  bool   `json:"adm"`
	jwt.RegisteredClaims
}

// Service issues and verifies credentials.
type Service struct {
	db         *db.DB
	vault      *vault.Vault
	secret     []byte
	tokenTTL   time.Duration
	totpIssuer string
	bcryptCost int
}

// NewService builds the auth service. A short signing secret is a
// configuration bug and refuses construction.
func NewService(database *db.DB, v *vault.Vault, cfg Config) (*Service, error) {
	if len(cfg.JWTSecret) < minSecretLen {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLen)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 168 * time.Hour
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = "Neon Trader"
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	return &Service{
		db:         database,
		vault:      v,
		secret:     []byte(cfg.JWTSecret),
		tokenTTL:   cfg.TokenTTL,
		totpIssuer: cfg.TOTPIssuer,
		bcryptCost: cfg.BcryptCost,
	}, nil
}

// Register creates a user account and returns it with a fresh token.
// Duplicate email or username maps to a conflict.
func (s *Service) Register(ctx context.Context, email, username, password, tradingMode string) (*db.User, string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, "failed to hash password", err)
	}

	user := &db.User{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Username:     strings.TrimSpace(username),
		PasswordHash: string(hash),
		TradingMode:  tradingMode,
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, "", apperr.New(apperr.KindConflict, "email or username already registered")
		}
		return nil, "", apperr.Wrap(apperr.KindInternal, "failed to create user", err)
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, "", err
	}

	log.Info().
		Str("user_id", user.ID.String()).
		Str("username", user.Username).
		Msg("User registered")
	return user, token, nil
}

// Login verifies the password and, when 2FA is enabled, the TOTP code
// or a backup code. Bad email and bad password return the same
// message so accounts cannot be enumerated.
func (s *Service) Login(ctx context.Context, email, password, totpCode string) (*db.User, string, error) {
	user, err := s.db.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, db.ErrNotFound) {
		// Burn a comparison so missing accounts take as long as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0123456789012345678901uZdPn1X3jWyeUkO9m1uGQtCAv9jXW6e"), []byte(password))
		return nil, "", apperr.New(apperr.KindAuth, "invalid credentials")
	}
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInternal, "failed to load user", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", apperr.New(apperr.KindAuth, "invalid credentials")
	}

	if user.TOTPEnabled {
		if totpCode == "" {
			return nil, "", apperr.New(apperr.KindForbidden, "two-factor code required").
				WithDetail("reason", "totp_required")
		}
		if err := s.verifySecondFactor(ctx, user, totpCode); err != nil {
			return nil, "", err
		}
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// IssueToken signs a JWT for the user.
func (s *Service) IssueToken(user *db.User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: user.ID.String(),
		Admin:  user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    "neontrader",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to sign token", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a bearer token. Only HS256 is
// accepted; an alg switch is an attack, not a config option.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("neontrader"),
	)
	if err != nil || !token.Valid {
		return nil, apperr.New(apperr.KindAuth, "invalid or expired token")
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, apperr.New(apperr.KindAuth, "invalid or expired token")
	}
	return claims, nil
}

// SetupTOTP generates a fresh seed, stores it encrypted but not yet
// enabled, and returns the secret with its provisioning URI. The user
// must confirm with a valid code before 2FA takes effect.
func (s *Service) SetupTOTP(ctx context.Context, user *db.User) (secret, uri string, err error) {
	if user.TOTPEnabled {
		return "", "", apperr.New(apperr.KindConflict, "two-factor authentication is already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.totpIssuer,
		AccountName: user.Email,
	})
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindInternal, "failed to generate 2FA seed", err)
	}

	encrypted, err := s.vault.EncryptString(key.Secret())
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindVault, "failed to protect 2FA seed", err)
	}
	if err := s.db.SetPendingTOTPSecret(ctx, user.ID, encrypted); err != nil {
		return "", "", apperr.Wrap(apperr.KindInternal, "failed to store 2FA seed", err)
	}

	return key.Secret(), key.URL(), nil
}

// EnableTOTP confirms setup with a live code and activates 2FA. The
// returned backup codes are plaintext and never recoverable later.
func (s *Service) EnableTOTP(ctx context.Context, user *db.User, code string) ([]string, error) {
	if user.TOTPEnabled {
		return nil, apperr.New(apperr.KindConflict, "two-factor authentication is already enabled")
	}
	if user.TOTPSecret == nil {
		return nil, apperr.New(apperr.KindValidation, "run 2FA setup first")
	}

	seed, err := s.vault.DecryptString(*user.TOTPSecret)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindVault, "failed to read 2FA seed", err)
	}
	if !totp.Validate(code, seed) {
		return nil, apperr.New(apperr.KindForbidden, "invalid two-factor code").
			WithDetail("reason", "totp_invalid")
	}

	codes, hashes, err := s.generateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := s.db.EnableTOTP(ctx, user.ID, *user.TOTPSecret, hashes); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to enable 2FA", err)
	}

	log.Info().Str("user_id", user.ID.String()).Msg("Two-factor authentication enabled")
	return codes, nil
}

// verifySecondFactor accepts a live TOTP code or consumes a backup
// code.
func (s *Service) verifySecondFactor(ctx context.Context, user *db.User, code string) error {
	if user.TOTPSecret != nil {
		seed, err := s.vault.DecryptString(*user.TOTPSecret)
		if err != nil {
			return apperr.Wrap(apperr.KindVault, "failed to read 2FA seed", err)
		}
		if totp.Validate(code, seed) {
			return nil
		}
	}

	// Backup codes are single-use: the matched hash is removed.
	normalized := strings.ToUpper(strings.TrimSpace(code))
	for i, hash := range user.BackupCodes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(normalized)) == nil {
			remaining := make([]string, 0, len(user.BackupCodes)-1)
			remaining = append(remaining, user.BackupCodes[:i]...)
			remaining = append(remaining, user.BackupCodes[i+1:]...)
			if err := s.db.ConsumeBackupCode(ctx, user.ID, remaining); err != nil {
				return apperr.Wrap(apperr.KindInternal, "failed to consume backup code", err)
			}
			log.Warn().
				Str("user_id", user.ID.String()).
				Int("remaining", len(remaining)).
				Msg("Backup code used for login")
			return nil
		}
	}

	return apperr.New(apperr.KindForbidden, "invalid two-factor code").
		WithDetail("reason", "totp_required")
}

// generateBackupCodes returns plaintext codes and their bcrypt hashes.
func (s *Service) generateBackupCodes() ([]string, []string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	codes := make([]string, backupCodeCount)
	hashes := make([]string, backupCodeCount)
	for i := range codes {
		buf := make([]byte, 10)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to generate backup codes", err)
		}
		for j, b := range buf {
			buf[j] = alphabet[int(b)%len(alphabet)]
		}
		codes[i] = fmt.Sprintf("%s-%s", buf[:5], buf[5:])

		hash, err := bcrypt.GenerateFromPassword([]byte(codes[i]), s.bcryptCost)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "failed to hash backup code", err)
		}
		hashes[i] = string(hash)
	}
	return codes, hashes, nil
}
