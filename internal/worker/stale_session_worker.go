package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/repository"
	"github.com/vigilhq/vigil-backend/internal/service"
)

// StaleSessionWorker closes sessions whose browser stopped heartbeating.
// Each submit runs in its own unit of work; errors are logged and the sweep
// continues.
type StaleSessionWorker struct {
	sessions *repository.ExamSessionRepository
	engine   *service.SessionService
	timeout  time.Duration
	log      zerolog.Logger
}

// NewStaleSessionWorker creates a new StaleSessionWorker.
func NewStaleSessionWorker(
	cfg *config.Config,
	sessions *repository.ExamSessionRepository,
	engine *service.SessionService,
	log zerolog.Logger,
) *StaleSessionWorker {
	return &StaleSessionWorker{
		sessions: sessions,
		engine:   engine,
		timeout:  cfg.HeartbeatTimeout,
		log:      log.With().Str("component", "stale_session_worker").Logger(),
	}
}

// Tick runs one sweep.
func (w *StaleSessionWorker) Tick(ctx context.Context) {
	cutoff := time.Now().Add(-w.timeout)
	stale, err := w.sessions.ListStale(ctx, cutoff)
	if err != nil {
		w.log.Error().Err(err).Msg("List stale sessions failed")
		return
	}

	for _, sess := range stale {
		var err error
		for attempt := 0; attempt <= submitRetries; attempt++ {
			if _, err = w.engine.SubmitSession(ctx, sess.ID); err == nil {
				break
			}
			if !apperror.IsKind(err, apperror.KindConcurrentModify) {
				break
			}
		}
		if err != nil && !apperror.IsKind(err, apperror.KindConflict) {
			w.log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("Stale close failed")
			continue
		}
		w.log.Info().Str("session_id", sess.ID.String()).Msg("Stale session closed")
	}
}
