package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/db"
	"github.com/neontrader/backend/internal/portfolio"
)

// ApprovalExpirer is the slice of the trade router the sweep needs.
type ApprovalExpirer interface {
	ExpireApprovals(ctx context.Context) (int, error)
}

// ApprovalSweep expires pending approvals whose decision window has
// passed, cancelling their queued trades.
func ApprovalSweep(router ApprovalExpirer) Job {
	return JobFunc{
		JobName: "approval_sweep",
		Fn: func(ctx context.Context) error {
			expired, err := router.ExpireApprovals(ctx)
			if err != nil {
				return err
			}
			if expired > 0 {
				log.Info().Int("expired", expired).Msg("Expired stale trade approvals")
			}
			return nil
		},
	}
}

// DailyRollover closes out the trading day at midnight UTC: persist a
// snapshot per user for the drawdown baseline, re-anchor day-start
// equity, lift freezes whose window has passed, and drop cached
// portfolio state so the new anchors are read back.
func DailyRollover(database *db.DB, accounts *portfolio.Accountant) Job {
	return JobFunc{
		JobName: "daily_rollover",
		Fn: func(ctx context.Context) error {
			userIDs, err := database.ListUserIDs(ctx)
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}

			snapshots := 0
			for _, userID := range userIDs {
				if _, err := accounts.RecordDailySnapshot(ctx, userID); err != nil {
					log.Warn().Err(err).
						Str("user_id", userID.String()).
						Msg("Daily snapshot failed; continuing with remaining users")
					continue
				}
				snapshots++
			}

			reset, err := database.ResetAllDayStartEquity(ctx)
			if err != nil {
				return fmt.Errorf("reset day-start equity: %w", err)
			}
			released, err := database.ReleaseExpiredFreezes(ctx)
			if err != nil {
				return fmt.Errorf("release expired freezes: %w", err)
			}
			accounts.InvalidateAll()

			log.Info().
				Int("snapshots", snapshots).
				Int64("reset", reset).
				Int64("freezes_released", released).
				Msg("Daily rollover complete")
			return nil
		},
	}
}
