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

// PlatformStatus tracks connection health (database enum).
type PlatformStatus string

const (
	PlatformDisconnected PlatformStatus = "disconnected"
	PlatformConnecting   PlatformStatus = "connecting"
	PlatformConnected    PlatformStatus = "connected"
	PlatformError        PlatformStatus = "error"
)

// Platform is one exchange connection: a venue kind plus encrypted
// credentials. Blob is vault ciphertext; plaintext API keys never
// touch this table. The router prefers the default connected live
// platform and falls back to paper when none qualifies.
type Platform struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	Kind      string
	Blob      string
	IsSandbox bool
	IsDefault bool
	Status    PlatformStatus
	// LastTestedAt and LastLatencyMs record the most recent Test call.
	LastTestedAt  *time.Time
	LastLatencyMs *int64
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreatePlatform stores a new exchange connection in disconnected
// state. A duplicate (user, name) pair surfaces as a unique violation.
func (db *DB) CreatePlatform(ctx context.Context, p *Platform) error {
	query := `
		INSERT INTO platforms (
			id, user_id, name, kind, blob, is_sandbox, is_default, status,
			last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9, $9)
	`

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PlatformDisconnected
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query,
		p.ID, p.UserID, p.Name, p.Kind, p.Blob, p.IsSandbox, p.IsDefault,
		p.Status, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create platform: %w", err)
	}

	log.Debug().
		Str("platform_id", p.ID.String()).
		Str("user_id", p.UserID.String()).
		Str("kind", p.Kind).
		Msg("Platform created")
	return nil
}

// GetPlatform retrieves a platform owned by the given user.
func (db *DB) GetPlatform(ctx context.Context, platformID, userID uuid.UUID) (*Platform, error) {
	query := selectPlatforms + ` WHERE id = $1 AND user_id = $2`

	var p Platform
	err := db.pool.QueryRow(ctx, query, platformID, userID).Scan(platformFields(&p)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get platform: %w", err)
	}

	return &p, nil
}

// ListPlatformsByUser returns a user's platforms, default first, then
// most recently tested.
func (db *DB) ListPlatformsByUser(ctx context.Context, userID uuid.UUID) ([]*Platform, error) {
	query := selectPlatforms + `
		WHERE user_id = $1
		ORDER BY is_default DESC, last_tested_at DESC NULLS LAST, created_at ASC`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query platforms: %w", err)
	}
	defer rows.Close()

	return scanPlatforms(rows)
}

// UpdatePlatformStatus records a test outcome: status, latency and the
// error detail when the test failed.
func (db *DB) UpdatePlatformStatus(ctx context.Context, platformID uuid.UUID, status PlatformStatus, latencyMs *int64, lastError string) error {
	query := `
		UPDATE platforms
		SET status = $1, last_latency_ms = $2, last_error = $3,
		    last_tested_at = NOW(), updated_at = NOW()
		WHERE id = $4
	`

	result, err := db.pool.Exec(ctx, query, status, latencyMs, lastError, platformID)
	if err != nil {
		return fmt.Errorf("failed to update platform status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SetDefaultPlatform marks one platform as the user's default,
// clearing the flag from any other row first so the partial unique
// index never trips.
func (db *DB) SetDefaultPlatform(ctx context.Context, platformID, userID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE platforms SET is_default = FALSE, updated_at = NOW() WHERE user_id = $1 AND is_default = TRUE`,
		userID,
	); err != nil {
		return fmt.Errorf("failed to clear default platform: %w", err)
	}

	result, err := tx.Exec(ctx,
		`UPDATE platforms SET is_default = TRUE, updated_at = NOW() WHERE id = $1 AND user_id = $2`,
		platformID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set default platform: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// DeletePlatform removes a platform owned by the given user.
func (db *DB) DeletePlatform(ctx context.Context, platformID, userID uuid.UUID) error {
	result, err := db.pool.Exec(ctx,
		`DELETE FROM platforms WHERE id = $1 AND user_id = $2`,
		platformID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete platform: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	log.Debug().
		Str("platform_id", platformID.String()).
		Str("user_id", userID.String()).
		Msg("Platform deleted")
	return nil
}

const selectPlatforms = `
	SELECT id, user_id, name, kind, blob, is_sandbox, is_default, status,
	       last_tested_at, last_latency_ms, last_error, created_at, updated_at
	FROM platforms`

func platformFields(p *Platform) []interface{} {
	return []interface{}{
		&p.ID, &p.UserID, &p.Name, &p.Kind, &p.Blob, &p.IsSandbox,
		&p.IsDefault, &p.Status, &p.LastTestedAt, &p.LastLatencyMs,
		&p.LastError, &p.CreatedAt, &p.UpdatedAt,
	}
}

func scanPlatforms(rows pgx.Rows) ([]*Platform, error) {
	var platforms []*Platform
	for rows.Next() {
		var p Platform
		if err := rows.Scan(platformFields(&p)...); err != nil {
			return nil, fmt.Errorf("failed to scan platform: %w", err)
		}
		platforms = append(platforms, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating platforms: %w", err)
	}

	return platforms, nil
}
