// Package scheduler runs the platform's recurring jobs: the approval
// expiry sweep, the daily portfolio rollover, and the opportunity
// scan. Jobs are small, idempotent, and safe to miss a beat; a failed
// run is logged and retried on the next tick.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Canonical schedules. The rollover runs at midnight UTC because the
// daily drawdown window is anchored there.
const (
	ScheduleApprovalSweep   = "@every 30s"
	ScheduleDailyRollover   = "0 0 0 * * *"
	ScheduleOpportunityScan = "@every 60s"
)

// jobTimeout bounds a single run. Sweeps touch every user at worst and
// must still finish well inside one rollover period.
const jobTimeout = 2 * time.Minute

// Job is one recurring unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Scheduler owns the cron runner. Jobs registered after Start still
// get scheduled.
type Scheduler struct {
	cron *cron.Cron
	tz   *time.Location
}

// New creates a scheduler in UTC with second-resolution schedules.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		tz:   time.UTC,
	}
}

// Add registers a job on a cron schedule. Runs are serialized per job
// by cron's runner; overlapping schedules across jobs are fine.
func (s *Scheduler) Add(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			log.Error().
				Err(err).
				Str("job", job.Name()).
				Dur("duration", time.Since(start)).
				Msg("Scheduled job failed")
			return
		}
		log.Debug().
			Str("job", job.Name()).
			Dur("duration", time.Since(start)).
			Msg("Scheduled job completed")
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// Start begins dispatching schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Msg("Scheduler started")
}

// Stop halts dispatch and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("Scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run(ctx)
}
