package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// KillSwitchState is the persisted global trading halt. A single row
// (id = 1) survives restarts so an engaged kill switch stays engaged
// until an operator releases it.
type KillSwitchState struct {
	Engaged    bool
	Reason     string
	EngagedBy  string
	EngagedAt  *time.Time
	ReleasedBy string
	ReleasedAt *time.Time
	UpdatedAt  time.Time
}

// GetKillSwitchState reads the current kill switch row.
func (db *DB) GetKillSwitchState(ctx context.Context) (*KillSwitchState, error) {
	query := `
		SELECT engaged, reason, engaged_by, engaged_at, released_by, released_at, updated_at
		FROM kill_switch_state
		WHERE id = 1
	`

	var state KillSwitchState
	err := db.pool.QueryRow(ctx, query).Scan(
		&state.Engaged, &state.Reason, &state.EngagedBy, &state.EngagedAt,
		&state.ReleasedBy, &state.ReleasedAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get kill switch state: %w", err)
	}

	return &state, nil
}

// EngageKillSwitch persists the halt. Returns true when this call
// flipped the switch, false when it was already engaged, so only one
// caller runs the mass-close.
func (db *DB) EngageKillSwitch(ctx context.Context, reason, engagedBy string) (bool, error) {
	query := `
		UPDATE kill_switch_state
		SET engaged = TRUE, reason = $1, engaged_by = $2, engaged_at = NOW(),
		    released_by = '', released_at = NULL, updated_at = NOW()
		WHERE id = 1 AND engaged = FALSE
	`

	result, err := db.pool.Exec(ctx, query, reason, engagedBy)
	if err != nil {
		return false, fmt.Errorf("failed to engage kill switch: %w", err)
	}

	flipped := result.RowsAffected() > 0
	if flipped {
		log.Warn().
			Str("reason", reason).
			Str("engaged_by", engagedBy).
			Msg("Kill switch engaged")
	}
	return flipped, nil
}

// ReleaseKillSwitch clears the halt. Returns true when this call
// released it, false when it was not engaged.
func (db *DB) ReleaseKillSwitch(ctx context.Context, releasedBy string) (bool, error) {
	query := `
		UPDATE kill_switch_state
		SET engaged = FALSE, released_by = $1, released_at = NOW(), updated_at = NOW()
		WHERE id = 1 AND engaged = TRUE
	`

	result, err := db.pool.Exec(ctx, query, releasedBy)
	if err != nil {
		return false, fmt.Errorf("failed to release kill switch: %w", err)
	}

	flipped := result.RowsAffected() > 0
	if flipped {
		log.Warn().Str("released_by", releasedBy).Msg("Kill switch released")
	}
	return flipped, nil
}
