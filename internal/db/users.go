package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// User represents a registered user account.
type User struct {
	ID           uuid.UUID
	Email        string
	Username     string
	PasswordHash string
	// TOTPSecret is the vault-encrypted TOTP seed; nil until 2FA setup.
	TOTPSecret  *string
	TOTPEnabled bool
	// BackupCodes holds bcrypt hashes of unused recovery codes.
	BackupCodes []string
	TradingMode string
	IsAdmin     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateUser inserts a new user account. Duplicate email or username
// surfaces as a unique violation for the caller to map to a conflict.
func (db *DB) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (
			id, email, username, password_hash, totp_secret, totp_enabled,
			backup_codes, trading_mode, is_admin, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	now := time.Now()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query,
		user.ID,
		user.Email,
		user.Username,
		user.PasswordHash,
		user.TOTPSecret,
		user.TOTPEnabled,
		user.BackupCodes,
		user.TradingMode,
		user.IsAdmin,
		user.CreatedAt,
		user.UpdatedAt,
	)

	if err != nil {
		// Duplicate registrations are expected traffic, not log noise.
		if !IsUniqueViolation(err) {
			log.Error().Err(err).Str("email", user.Email).Msg("Failed to insert user")
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	log.Debug().Str("user_id", user.ID.String()).Msg("User created")
	return nil
}

// GetUserByID retrieves a user by ID.
func (db *DB) GetUserByID(ctx context.Context, userID uuid.UUID) (*User, error) {
	return db.getUser(ctx, "id = $1", userID)
}

// GetUserByEmail retrieves a user by email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return db.getUser(ctx, "email = $1", email)
}

func (db *DB) getUser(ctx context.Context, where string, arg interface{}) (*User, error) {
	query := `
		SELECT id, email, username, password_hash, totp_secret, totp_enabled,
		       backup_codes, trading_mode, is_admin, created_at, updated_at
		FROM users
		WHERE ` + where

	var user User
	err := db.pool.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.PasswordHash,
		&user.TOTPSecret,
		&user.TOTPEnabled,
		&user.BackupCodes,
		&user.TradingMode,
		&user.IsAdmin,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// UpdateTradingMode sets a user's trading mode.
func (db *DB) UpdateTradingMode(ctx context.Context, userID uuid.UUID, mode string) error {
	query := `UPDATE users SET trading_mode = $1, updated_at = NOW() WHERE id = $2`

	result, err := db.pool.Exec(ctx, query, mode, userID)
	if err != nil {
		return fmt.Errorf("failed to update trading mode: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	log.Debug().
		Str("user_id", userID.String()).
		Str("mode", mode).
		Msg("Trading mode updated")
	return nil
}

// EnableTOTP stores the encrypted TOTP seed and backup code hashes and
// marks 2FA as active.
func (db *DB) EnableTOTP(ctx context.Context, userID uuid.UUID, encryptedSecret string, backupCodes []string) error {
	query := `
		UPDATE users
		SET totp_secret = $1, totp_enabled = TRUE, backup_codes = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := db.pool.Exec(ctx, query, encryptedSecret, backupCodes, userID)
	if err != nil {
		return fmt.Errorf("failed to enable 2FA: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SetPendingTOTPSecret stores the encrypted TOTP seed during setup,
// before the user confirms with a valid code.
func (db *DB) SetPendingTOTPSecret(ctx context.Context, userID uuid.UUID, encryptedSecret string) error {
	query := `
		UPDATE users
		SET totp_secret = $1, totp_enabled = FALSE, updated_at = NOW()
		WHERE id = $2
	`

	result, err := db.pool.Exec(ctx, query, encryptedSecret, userID)
	if err != nil {
		return fmt.Errorf("failed to store pending 2FA secret: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ConsumeBackupCode removes one backup code hash after a successful
// recovery login.
func (db *DB) ConsumeBackupCode(ctx context.Context, userID uuid.UUID, remaining []string) error {
	query := `UPDATE users SET backup_codes = $1, updated_at = NOW() WHERE id = $2`

	result, err := db.pool.Exec(ctx, query, remaining, userID)
	if err != nil {
		return fmt.Errorf("failed to consume backup code: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListUserIDs returns all user IDs. Used by background scanners.
func (db *DB) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
