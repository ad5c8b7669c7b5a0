package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Updater periodically refreshes gauge metrics from the database.
type Updater struct {
	db       *pgxpool.Pool
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a new metrics updater
func NewUpdater(db *pgxpool.Pool, interval time.Duration) *Updater {
	return &Updater{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics update loop
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// Update immediately on start
	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater
func (u *Updater) Stop() {
	close(u.stopCh)
}

// update fetches and updates all metrics
func (u *Updater) update(ctx context.Context) {
	u.updatePositionMetrics(ctx)
	u.updateDatabaseMetrics()
}

// updatePositionMetrics refreshes the open position count
func (u *Updater) updatePositionMetrics(ctx context.Context) {
	var openCount int64
	query := `SELECT COUNT(*) FROM positions WHERE status = 'open'`
	if err := u.db.QueryRow(ctx, query).Scan(&openCount); err != nil {
		log.Error().Err(err).Msg("Failed to fetch open position count")
		return
	}
	OpenPositions.Set(float64(openCount))
}

// updateDatabaseMetrics updates database connection pool metrics
func (u *Updater) updateDatabaseMetrics() {
	stat := u.db.Stat()
	UpdateDatabaseConnections(stat.AcquiredConns(), stat.IdleConns())
}
