package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/apperr"
	"github.com/neontrader/backend/internal/bus"
	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/metrics"
)

// Kill switch engagement reasons.
const (
	ReasonManual         = "manual"
	ReasonDailyDrawdown  = "daily_drawdown_exceeded"
	ReasonTotalDrawdown  = "total_drawdown_exceeded"
	ReasonDataDelay      = "data_delay"
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonSecurity       = "security"
	ReasonSystemError    = "system_error"
)

// userFreezeHorizon bounds the frozen_until column for kill-switch
// freezes, which only end by explicit release.
const userFreezeHorizon = 100 * 365 * 24 * time.Hour

// killState caches the global switch so the submission gate costs a
// read lock, not a query. The database row is the source of truth
// across restarts; Load hydrates it.
type killState struct {
	mu      sync.RWMutex
	engaged bool
	reason  string
}

func (k *killState) globalState() (bool, string) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.engaged, k.reason
}

func (k *killState) set(engaged bool, reason string) {
	k.mu.Lock()
	k.engaged = engaged
	k.reason = reason
	k.mu.Unlock()
}

// SweepReport summarizes a kill-switch engagement.
type SweepReport struct {
	// Engaged is false when the switch was already on; no sweep ran.
	Engaged         bool     `json:"engaged"`
	PositionsClosed int      `json:"positions_closed"`
	Failures        []string `json:"failures,omitempty"`
}

// LoadKillSwitch hydrates the cached global state from the database.
// Called once at startup, before the router accepts orders.
func (r *Router) LoadKillSwitch(ctx context.Context) error {
	state, err := r.db.GetKillSwitchState(ctx)
	if err != nil {
		return err
	}
	r.kill.set(state.Engaged, state.Reason)
	if state.Engaged {
		log.Warn().Str("reason", state.Reason).Msg("Kill switch engaged at startup; trading halted")
	}
	return nil
}

// KillSwitchState reports the persisted global state for the API.
func (r *Router) KillSwitchState(ctx context.Context) (*db.KillSwitchState, error) {
	state, err := r.db.GetKillSwitchState(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to read kill switch state", err)
	}
	return state, nil
}

// EngageKillSwitch halts trading and mass-closes open positions,
// oldest first. userID nil engages the global switch (admin or
// system); non-nil freezes one user's portfolio and closes only their
// positions. Close failures are recorded in the report and do not
// abort the sweep.
func (r *Router) EngageKillSwitch(ctx context.Context, actor string, userID *uuid.UUID, reason string) (*SweepReport, error) {
	if userID != nil {
		mu := r.userLock(*userID)
		mu.Lock()
		defer mu.Unlock()
		return r.engageUser(ctx, *userID, actor, reason)
	}

	flipped, err := r.db.EngageKillSwitch(ctx, reason, actor)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to engage kill switch", err)
	}
	if !flipped {
		return &SweepReport{Engaged: false}, nil
	}

	r.kill.set(true, reason)
	metrics.RecordKillSwitch(reason)
	if r.audit != nil {
		_ = r.audit.LogKillSwitch(ctx, true, actor, reason, nil)
	}
	r.publishSystem(ctx, bus.EventKillSwitchEngaged, map[string]interface{}{
		"reason": reason,
		"actor":  actor,
	})
	r.notifyAllUsers(ctx, "Trading halted",
		fmt.Sprintf("The kill switch engaged (%s). Open positions are being closed and new orders are rejected.", reason),
		fmt.Sprintf("kill_switch:engaged:%d", time.Now().UnixNano()))

	log.Warn().Str("reason", reason).Str("actor", actor).Msg("Kill switch engaged; mass-closing open positions")

	positions, err := r.db.ListAllOpenPositions(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "kill switch engaged but open positions could not be listed", err)
	}
	report := &SweepReport{Engaged: true}
	r.sweep(ctx, positions, reason, report, false)
	return report, nil
}

// engageUser freezes one portfolio and closes its positions. The
// caller holds the user's lock.
func (r *Router) engageUser(ctx context.Context, userID uuid.UUID, actor, reason string) (*SweepReport, error) {
	if err := r.accounts.Freeze(ctx, userID, time.Now().UTC().Add(userFreezeHorizon), "kill_switch:"+reason); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to freeze portfolio", err)
	}
	metrics.RecordKillSwitch(reason)
	if r.audit != nil {
		_ = r.audit.LogKillSwitch(ctx, true, actor, reason, map[string]interface{}{"user_id": userID.String()})
	}
	r.notify(ctx, userID, db.NotificationTypeKillSwitch,
		"Trading halted for your account",
		fmt.Sprintf("Your kill switch engaged (%s). Open positions are being closed.", reason),
		fmt.Sprintf("kill_switch:%s:%d", userID, time.Now().UnixNano()),
		map[string]interface{}{"reason": reason})

	positions, err := r.db.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "freeze engaged but open positions could not be listed", err)
	}
	report := &SweepReport{Engaged: true}
	r.sweep(ctx, positions, reason, report, true)
	return report, nil
}

// engageUserLocked is the in-pipeline variant for drawdown trips: the
// submission already holds the user's lock when the hard limit shows
// up in the verdict.
func (r *Router) engageUserLocked(ctx context.Context, userID uuid.UUID, reason string) {
	if _, err := r.engageUser(ctx, userID, "risk_engine", reason); err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to engage per-user kill switch")
	}
}

// sweep closes positions in the given order, recording failures and
// moving on. lockHeld marks sweeps that run under an already-held
// user lock.
func (r *Router) sweep(ctx context.Context, positions []*db.Position, reason string, report *SweepReport, lockHeld bool) {
	for _, pos := range positions {
		var err error
		if lockHeld {
			_, err = r.closePositionLocked(ctx, pos, CauseKillSwitch)
		} else {
			_, err = r.closePositionByOwner(ctx, pos, CauseKillSwitch)
		}
		if err != nil {
			failure := fmt.Sprintf("%s %s: %v", pos.Symbol, pos.ID, err)
			report.Failures = append(report.Failures, failure)
			metrics.RecordError("mass_close_failure", "trading")
			log.Error().Err(err).
				Str("position_id", pos.ID.String()).
				Str("symbol", pos.Symbol).
				Str("reason", reason).
				Msg("Mass close failed for position; continuing sweep")
			continue
		}
		report.PositionsClosed++
	}
}

// ReleaseKillSwitch re-enables trading. Global release is admin-only
// (enforced at the API); per-user release unfreezes the portfolio.
func (r *Router) ReleaseKillSwitch(ctx context.Context, actor string, userID *uuid.UUID) error {
	if userID != nil {
		if err := r.accounts.Unfreeze(ctx, *userID); err != nil {
			return apperr.Wrap(apperr.KindInternal, "failed to unfreeze portfolio", err)
		}
		if r.audit != nil {
			_ = r.audit.LogKillSwitch(ctx, false, actor, "", map[string]interface{}{"user_id": userID.String()})
		}
		r.notify(ctx, *userID, db.NotificationTypeKillSwitch,
			"Trading resumed for your account",
			"Your kill switch was released. New orders are accepted again.",
			fmt.Sprintf("kill_switch:%s:released:%d", userID, time.Now().UnixNano()),
			nil)
		return nil
	}

	flipped, err := r.db.ReleaseKillSwitch(ctx, actor)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to release kill switch", err)
	}
	if !flipped {
		return apperr.New(apperr.KindConflict, "kill switch is not engaged")
	}
	r.kill.set(false, "")
	metrics.ReleaseKillSwitch()
	if r.audit != nil {
		_ = r.audit.LogKillSwitch(ctx, false, actor, "", nil)
	}
	r.publishSystem(ctx, bus.EventKillSwitchReleased, map[string]interface{}{"actor": actor})
	r.notifyAllUsers(ctx, "Trading resumed",
		"The kill switch was released. New orders are accepted again.",
		fmt.Sprintf("kill_switch:released:%d", time.Now().UnixNano()))
	log.Info().Str("actor", actor).Msg("Kill switch released")
	return nil
}

// notifyAllUsers fans a system-wide notice to every account. Failures
// stop nothing; the system event on the bus is the durable signal.
func (r *Router) notifyAllUsers(ctx context.Context, title, body, fingerprint string) {
	if r.notifier == nil {
		return
	}
	userIDs, err := r.db.ListUserIDs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list users for kill switch notice")
		return
	}
	for _, id := range userIDs {
		r.notify(ctx, id, db.NotificationTypeKillSwitch, title, body, fingerprint, nil)
	}
}

func (r *Router) publishSystem(ctx context.Context, eventType bus.EventType, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	ev, err := bus.NewEvent(eventType, payload)
	if err != nil {
		return
	}
	if err := r.bus.PublishSystemEvent(ctx, string(eventType), ev); err != nil {
		log.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish system event")
	}
}
