package worker

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler drives the periodic workers: exam status every minute, stale
// sessions every five minutes, media retention daily.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler registers the tick-driven workers.
func NewScheduler(
	status *ExamStatusWorker,
	stale *StaleSessionWorker,
	retention *RetentionWorker,
	log zerolog.Logger,
) (*Scheduler, error) {
	c := cron.New(cron.WithSeconds())
	s := &Scheduler{cron: c, log: log.With().Str("component", "scheduler").Logger()}

	jobs := []struct {
		spec string
		name string
		tick func(ctx context.Context)
	}{
		{"0 * * * * *", "exam_status", status.Tick},
		{"0 */5 * * * *", "stale_sessions", stale.Tick},
		{"0 0 3 * * *", "media_retention", retention.Tick},
	}

	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.spec, func() {
			ctx := context.Background()
			job.tick(ctx)
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}
