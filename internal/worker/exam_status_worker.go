package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/repository"
	"github.com/vigilhq/vigil-backend/internal/service"
)

// submitRetries is how often a sweep retries a session whose versioned write
// lost a race before giving up on that session until the next tick.
const submitRetries = 2

// ExamStatusWorker advances exam statuses on the clock and auto-submits
// sessions whose window has closed. Idempotent: re-running on the same state
// is a no-op.
type ExamStatusWorker struct {
	exams    *repository.ExamRepository
	sessions *repository.ExamSessionRepository
	engine   *service.SessionService
	log      zerolog.Logger
}

// NewExamStatusWorker creates a new ExamStatusWorker.
func NewExamStatusWorker(
	exams *repository.ExamRepository,
	sessions *repository.ExamSessionRepository,
	engine *service.SessionService,
	log zerolog.Logger,
) *ExamStatusWorker {
	return &ExamStatusWorker{
		exams:    exams,
		sessions: sessions,
		engine:   engine,
		log:      log.With().Str("component", "exam_status_worker").Logger(),
	}
}

// Tick runs one sweep. Each status change is one batch commit; each session
// submit runs in its own unit of work so one failure never halts the sweep.
func (w *ExamStatusWorker) Tick(ctx context.Context) {
	now := time.Now()

	w.startDue(ctx, now)
	completed := w.completeDue(ctx, now)
	w.autoSubmit(ctx, completed, now)
	w.submitExpiredExtensions(ctx, now)
}

func (w *ExamStatusWorker) startDue(ctx context.Context, now time.Time) {
	due, err := w.exams.ListDueForStart(ctx, now)
	if err != nil {
		w.log.Error().Err(err).Msg("List due-for-start failed")
		return
	}
	if len(due) == 0 {
		return
	}
	ids := examIDs(due)
	if err := w.exams.BatchSetStatus(ctx, ids, model.ExamStatusOngoing); err != nil {
		w.log.Error().Err(err).Msg("Batch start failed")
		return
	}
	w.log.Info().Int("count", len(ids)).Msg("Exams moved to ONGOING")
}

func (w *ExamStatusWorker) completeDue(ctx context.Context, now time.Time) []model.Exam {
	due, err := w.exams.ListDueForCompletion(ctx, now)
	if err != nil {
		w.log.Error().Err(err).Msg("List due-for-completion failed")
		return nil
	}
	if len(due) == 0 {
		return nil
	}
	ids := examIDs(due)
	if err := w.exams.BatchSetStatus(ctx, ids, model.ExamStatusCompleted); err != nil {
		w.log.Error().Err(err).Msg("Batch complete failed")
		return nil
	}
	w.log.Info().Int("count", len(ids)).Msg("Exams moved to COMPLETED")
	return due
}

// autoSubmit closes the open sessions of just-completed exams. Sessions whose
// extended deadline is still in the future are skipped; the expired-extension
// sweep revisits them.
func (w *ExamStatusWorker) autoSubmit(ctx context.Context, completed []model.Exam, now time.Time) {
	if len(completed) == 0 {
		return
	}
	byID := make(map[uuid.UUID]*model.Exam, len(completed))
	for i := range completed {
		byID[completed[i].ID] = &completed[i]
	}

	sessions, err := w.sessions.ListOpenByExams(ctx, examIDs(completed))
	if err != nil {
		w.log.Error().Err(err).Msg("List open sessions failed")
		return
	}

	for _, sess := range sessions {
		if sess.IsSuspended {
			continue
		}
		exam := byID[sess.ExamID]
		if now.Before(sess.EffectiveDeadline(exam)) {
			continue
		}
		w.submitOne(ctx, sess.ID)
	}
}

func (w *ExamStatusWorker) submitExpiredExtensions(ctx context.Context, now time.Time) {
	sessions, err := w.sessions.ListOpenWithExpiredExtension(ctx, now)
	if err != nil {
		w.log.Error().Err(err).Msg("List expired extensions failed")
		return
	}
	for _, sess := range sessions {
		w.submitOne(ctx, sess.ID)
	}
}

// submitOne auto-submits a single session, retrying lost version races.
func (w *ExamStatusWorker) submitOne(ctx context.Context, sessionID uuid.UUID) {
	var err error
	for attempt := 0; attempt <= submitRetries; attempt++ {
		if _, err = w.engine.SubmitSession(ctx, sessionID); err == nil {
			return
		}
		if !apperror.IsKind(err, apperror.KindConcurrentModify) {
			break
		}
	}
	// Already-submitted races are a success for an idempotent sweep.
	if apperror.IsKind(err, apperror.KindConflict) {
		return
	}
	w.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Auto-submit failed")
}

func examIDs(exams []model.Exam) []uuid.UUID {
	ids := make([]uuid.UUID, len(exams))
	for i := range exams {
		ids[i] = exams[i].ID
	}
	return ids
}
