package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
)

// lateEntryGrace is how long after the exam window opens a student may still
// start when the exam does not allow late entry.
const lateEntryGrace = 15 * time.Minute

// Transactor runs functions in units of work. WithNewTx always commits
// independently of any surrounding transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	WithNewTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SessionStore is the session persistence the engine needs.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	GetOpenByUserAndExam(ctx context.Context, userID, examID uuid.UUID) (*model.ExamSession, error)
	GetActiveByUser(ctx context.Context, userID uuid.UUID) (*model.ExamSession, error)
	Create(ctx context.Context, s *model.ExamSession) error
	UpdateVersioned(ctx context.Context, s *model.ExamSession) error
	TouchHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ExamReader loads exams.
type ExamReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// QuestionReader loads questions, including the batch path used by scoring.
type QuestionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Question, error)
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Question, error)
}

// EnrollmentStore reads and transitions enrollments.
type EnrollmentStore interface {
	GetByExamAndUser(ctx context.Context, examID, userID uuid.UUID) (*model.ExamEnrollment, error)
	SetStatus(ctx context.Context, id uuid.UUID, status model.EnrollmentStatus) error
}

// AnswerStore persists answers.
type AnswerStore interface {
	Upsert(ctx context.Context, a *model.Answer) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Answer, error)
	GetBySessionAndQuestion(ctx context.Context, sessionID, questionID uuid.UUID) (*model.Answer, error)
	SetMarks(ctx context.Context, id uuid.UUID, marks float64, comment *string) error
	BulkSetMarks(ctx context.Context, ids []uuid.UUID, marks []float64) error
}

// ViolationStore appends events and maintains summaries.
type ViolationStore interface {
	EnsureSummary(ctx context.Context, sessionID uuid.UUID) error
	InsertEvent(ctx context.Context, e *model.ProctoringEvent) error
	ApplyEvent(ctx context.Context, sessionID uuid.UUID, eventType model.ProctoringEventType, riskScore float64) error
}

// SessionCache is the presence, shuffle-order and risk-window state in Redis.
type SessionCache interface {
	MarkPresence(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) error
	ClearPresence(ctx context.Context, sessionID uuid.UUID) error
	ClearRiskWindow(ctx context.Context, sessionID uuid.UUID) error
	SetShuffleOrderNX(ctx context.Context, examID, userID uuid.UUID, ids []string, ttl time.Duration) ([]string, error)
	GetShuffleOrder(ctx context.Context, examID, userID uuid.UUID) ([]string, error)
}

// Notifier fans messages out on the realtime channel. Implemented by the hub.
type Notifier interface {
	Publish(destination, event string, data any)
}

// ResultMailer hands the result e-mail to the external mail collaborator.
// Failures are logged, never surfaced.
type ResultMailer interface {
	SendResult(ctx context.Context, user uuid.UUID, exam *model.Exam, session *model.ExamSession) error
}

// NopMailer is the default mail collaborator when none is configured.
type NopMailer struct{}

func (NopMailer) SendResult(context.Context, uuid.UUID, *model.Exam, *model.ExamSession) error {
	return nil
}

// SessionService is the exam-session state machine: start, heartbeat, answer,
// submit, suspend, reinstate, identity verification and grading.
type SessionService struct {
	tx          Transactor
	sessions    SessionStore
	exams       ExamReader
	questions   QuestionReader
	enrollments EnrollmentStore
	answers     AnswerStore
	violations  ViolationStore
	cache       SessionCache
	notifier    Notifier
	verifier    IdentityVerifier
	mailer      ResultMailer
	presenceTTL time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewSessionService wires the session engine.
func NewSessionService(
	cfg *config.Config,
	tx Transactor,
	sessions SessionStore,
	exams ExamReader,
	questions QuestionReader,
	enrollments EnrollmentStore,
	answers AnswerStore,
	violations ViolationStore,
	cache SessionCache,
	notifier Notifier,
	verifier IdentityVerifier,
	mailer ResultMailer,
	log zerolog.Logger,
) *SessionService {
	if mailer == nil {
		mailer = NopMailer{}
	}
	return &SessionService{
		tx:          tx,
		sessions:    sessions,
		exams:       exams,
		questions:   questions,
		enrollments: enrollments,
		answers:     answers,
		violations:  violations,
		cache:       cache,
		notifier:    notifier,
		verifier:    verifier,
		mailer:      mailer,
		presenceTTL: cfg.PresenceTTL,
		log:         log.With().Str("component", "session_engine").Logger(),
		now:         time.Now,
	}
}

// StartSession creates a session for the caller in the exam after checking
// enrollment, exam window and the single-active-session rule.
func (s *SessionService) StartSession(ctx context.Context, p realtime.Principal, examID uuid.UUID, ip, userAgent string) (*model.ExamSession, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.New(apperror.KindNotFound, "NOT_FOUND", "exam not found")
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}

	now := s.now()
	if exam.Status != model.ExamStatusPublished && exam.Status != model.ExamStatusOngoing {
		return nil, apperror.New(apperror.KindPrecondition, "EXAM_NOT_ACTIVE", "exam is not open for sessions")
	}
	if !now.Before(exam.EndTime) {
		return nil, apperror.New(apperror.KindPrecondition, "EXAM_NOT_ACTIVE", "exam window has closed")
	}
	if !exam.AllowLateEntry && now.After(exam.StartTime.Add(lateEntryGrace)) {
		return nil, apperror.New(apperror.KindPrecondition, "EXAM_NOT_ACTIVE", "late entry is not allowed")
	}

	enrollment, err := s.enrollments.GetByExamAndUser(ctx, examID, p.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.New(apperror.KindForbidden, "NOT_ENROLLED", "caller is not enrolled in this exam")
		}
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	switch enrollment.Status {
	case model.EnrollmentStatusFlagged:
		return nil, apperror.New(apperror.KindPrecondition, "SUSPENSION_STICKY", "enrollment is flagged; attempt is closed")
	case model.EnrollmentStatusCompleted:
		return nil, apperror.New(apperror.KindConflict, "SESSION_CONFLICT", "attempt already completed")
	}

	if _, err := s.sessions.GetOpenByUserAndExam(ctx, p.UserID, examID); err == nil {
		return nil, apperror.New(apperror.KindConflict, "SESSION_CONFLICT", "an open session already exists for this exam")
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check open session: %w", err)
	}
	if _, err := s.sessions.GetActiveByUser(ctx, p.UserID); err == nil {
		return nil, apperror.New(apperror.KindConflict, "SESSION_CONFLICT", "another exam session is active")
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check active session: %w", err)
	}

	session := &model.ExamSession{
		EnrollmentID: enrollment.ID,
		ExamID:       examID,
		UserID:       p.UserID,
		IPAddress:    ip,
		UserAgent:    userAgent,
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.sessions.Create(ctx, session); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if err := s.enrollments.SetStatus(ctx, enrollment.ID, model.EnrollmentStatusOngoing); err != nil {
			return fmt.Errorf("mark enrollment ongoing: %w", err)
		}
		if err := s.violations.EnsureSummary(ctx, session.ID); err != nil {
			return fmt.Errorf("create violation summary: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.MarkPresence(ctx, session.ID, s.presenceTTL); err != nil {
		s.log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("Presence write failed")
	}

	s.log.Info().
		Str("session_id", session.ID.String()).
		Str("exam_id", examID.String()).
		Str("user_id", p.UserID.String()).
		Msg("Session started")

	return session, nil
}

// Heartbeat records liveness for an open session and refreshes presence.
func (s *SessionService) Heartbeat(ctx context.Context, sessionID uuid.UUID) error {
	now := s.now()
	if err := s.sessions.TouchHeartbeat(ctx, sessionID, now); err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if err := s.cache.MarkPresence(ctx, sessionID, s.presenceTTL); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Presence refresh failed")
	}
	return nil
}

// SaveAnswer upserts the student's response after verifying the question
// actually belongs to the session's exam. Client-supplied linkage is never
// trusted.
func (s *SessionService) SaveAnswer(ctx context.Context, sessionID uuid.UUID, req *model.SaveAnswerRequest) (*model.Answer, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMutable(session); err != nil {
		return nil, err
	}

	question, err := s.questions.GetByID(ctx, req.QuestionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.New(apperror.KindPrecondition, "QUESTION_NOT_IN_EXAM", "question does not belong to this exam")
		}
		return nil, fmt.Errorf("load question: %w", err)
	}
	if question.ExamID != session.ExamID {
		return nil, apperror.New(apperror.KindPrecondition, "QUESTION_NOT_IN_EXAM", "question does not belong to this exam")
	}

	answer := &model.Answer{
		SessionID:      sessionID,
		QuestionID:     req.QuestionID,
		SelectedAnswer: req.SelectedAnswer,
		TextAnswer:     req.TextAnswer,
	}
	if err := s.answers.Upsert(ctx, answer); err != nil {
		return nil, fmt.Errorf("save answer: %w", err)
	}
	return answer, nil
}

// SubmitSession closes the attempt: scores it, completes the enrollment and
// notifies proctors. The result e-mail is handed off best-effort.
func (s *SessionService) SubmitSession(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	var session *model.ExamSession
	var exam *model.Exam

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		session, err = s.sessions.GetByIDForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperror.New(apperror.KindNotFound, "NOT_FOUND", "session not found")
			}
			return fmt.Errorf("load session: %w", err)
		}
		if err := s.requireMutable(session); err != nil {
			return err
		}

		exam, err = s.exams.GetByID(ctx, session.ExamID)
		if err != nil {
			return fmt.Errorf("load exam: %w", err)
		}

		score, err := s.scoreSession(ctx, session)
		if err != nil {
			return err
		}

		now := s.now()
		passed := score >= exam.PassingMarks
		session.SubmittedAt = &now
		session.Score = &score
		session.IsPassed = &passed
		if err := s.sessions.UpdateVersioned(ctx, session); err != nil {
			return err
		}
		if err := s.enrollments.SetStatus(ctx, session.EnrollmentID, model.EnrollmentStatusCompleted); err != nil {
			return fmt.Errorf("complete enrollment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cache cleanup and realtime side effects happen only after the commit.
	if err := s.cache.ClearPresence(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Presence clear failed")
	}
	if err := s.cache.ClearRiskWindow(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Risk window clear failed")
	}

	s.notifier.Publish(realtime.ProctorTopic(session.ExamID), "SESSION_SUBMITTED", map[string]any{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"score":      session.Score,
		"is_passed":  session.IsPassed,
	})
	s.notifier.Publish(realtime.SessionQueue(session.ID, realtime.ChannelUpdate), "SESSION_SUBMITTED", session)

	if err := s.mailer.SendResult(ctx, session.UserID, exam, session); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Result mail failed")
	}

	s.log.Info().
		Str("session_id", session.ID.String()).
		Float64("score", *session.Score).
		Bool("passed", *session.IsPassed).
		Msg("Session submitted")

	return session, nil
}

// scoreSession loads the session's answers, batch-loads the referenced
// questions in one round-trip, awards marks and persists them. MCQ answers
// are auto-graded; short answers stay at zero pending manual grading.
func (s *SessionService) scoreSession(ctx context.Context, session *model.ExamSession) (float64, error) {
	answers, err := s.answers.ListBySession(ctx, session.ID)
	if err != nil {
		return 0, fmt.Errorf("load answers: %w", err)
	}

	questionIDs := make([]uuid.UUID, 0, len(answers))
	for _, a := range answers {
		questionIDs = append(questionIDs, a.QuestionID)
	}
	questions, err := s.questions.FindByIDs(ctx, questionIDs)
	if err != nil {
		return 0, fmt.Errorf("batch-load questions: %w", err)
	}

	answerIDs := make([]uuid.UUID, 0, len(answers))
	marks := make([]float64, 0, len(answers))
	var total float64

	for _, a := range answers {
		question, ok := questions[a.QuestionID]
		if !ok {
			continue // question deleted since answering; award nothing
		}
		awarded := scoreAnswer(&a, &question)
		total += awarded
		answerIDs = append(answerIDs, a.ID)
		marks = append(marks, awarded)
	}

	if err := s.answers.BulkSetMarks(ctx, answerIDs, marks); err != nil {
		return 0, fmt.Errorf("persist marks: %w", err)
	}

	return roundScore(math.Max(0, total)), nil
}

// scoreAnswer awards marks for a single answer. MCQ: full marks on a correct
// selection, negative marks on a wrong one, zero when unanswered. Short
// answers score zero at submit time.
func scoreAnswer(a *model.Answer, q *model.Question) float64 {
	if q.QuestionType != model.QuestionTypeMCQ {
		return 0
	}
	if a.SelectedAnswer == nil || *a.SelectedAnswer == "" {
		return 0
	}
	if *a.SelectedAnswer == q.CorrectAnswer {
		return q.Marks
	}
	return -q.NegativeMarks
}

// roundScore rounds half-up to two decimals.
func roundScore(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

// SuspendSession suspends the session and flags the enrollment. Idempotent:
// a second call observes isSuspended and returns without a second event.
// It always runs in an independent transaction so a rollback in the caller
// (e.g. the result consumer) cannot un-persist a suspension after the
// realtime notification went out.
func (s *SessionService) SuspendSession(ctx context.Context, sessionID uuid.UUID, reason string, source model.EventSource) error {
	var session *model.ExamSession
	alreadySuspended := false

	err := s.tx.WithNewTx(ctx, func(ctx context.Context) error {
		var err error
		session, err = s.sessions.GetByIDForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperror.New(apperror.KindNotFound, "NOT_FOUND", "session not found")
			}
			return fmt.Errorf("load session: %w", err)
		}
		if session.IsSuspended {
			alreadySuspended = true
			return nil
		}
		if !session.IsOpen() {
			return apperror.New(apperror.KindConflict, "SESSION_SUBMITTED", "session already submitted")
		}

		now := s.now()
		failed := false
		session.IsSuspended = true
		session.SuspensionReason = &reason
		session.SuspendedAt = &now
		session.IsPassed = &failed
		if err := s.sessions.UpdateVersioned(ctx, session); err != nil {
			return err
		}
		if err := s.enrollments.SetStatus(ctx, session.EnrollmentID, model.EnrollmentStatusFlagged); err != nil {
			return fmt.Errorf("flag enrollment: %w", err)
		}

		event := &model.ProctoringEvent{
			SessionID:   sessionID,
			EventType:   model.EventSuspiciousBehavior,
			Severity:    model.SeverityCritical,
			Description: "Session suspended: " + reason,
			Source:      source,
		}
		if err := s.violations.InsertEvent(ctx, event); err != nil {
			return fmt.Errorf("append suspension event: %w", err)
		}
		if err := s.violations.ApplyEvent(ctx, sessionID, event.EventType, 1.0); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if alreadySuspended {
		return nil
	}

	if err := s.cache.ClearPresence(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Presence clear failed")
	}
	if err := s.cache.ClearRiskWindow(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Risk window clear failed")
	}

	s.notifier.Publish(realtime.SessionQueue(sessionID, realtime.ChannelSuspend), "SESSION_SUSPENDED", map[string]any{
		"session_id": sessionID,
		"reason":     reason,
	})
	s.notifier.Publish(realtime.ProctorTopic(session.ExamID), "SESSION_SUSPENDED", map[string]any{
		"session_id": sessionID,
		"user_id":    session.UserID,
		"reason":     reason,
		"severity":   model.SeverityCritical,
	})

	s.log.Warn().
		Str("session_id", sessionID.String()).
		Str("reason", reason).
		Msg("Session suspended")

	return nil
}

// ReinstateSession lifts a suspension and extends the session's deadline by
// the time lost while suspended. Refused after the exam's original end time.
func (s *SessionService) ReinstateSession(ctx context.Context, sessionID uuid.UUID, reason string) (*model.ExamSession, error) {
	var session *model.ExamSession
	var extendedEnd time.Time

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		session, err = s.sessions.GetByIDForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperror.New(apperror.KindNotFound, "NOT_FOUND", "session not found")
			}
			return fmt.Errorf("load session: %w", err)
		}
		if !session.IsSuspended {
			return apperror.New(apperror.KindPrecondition, "NOT_SUSPENDED", "session is not suspended")
		}
		if !session.IsOpen() {
			return apperror.New(apperror.KindConflict, "SESSION_SUBMITTED", "session already submitted")
		}

		exam, err := s.exams.GetByID(ctx, session.ExamID)
		if err != nil {
			return fmt.Errorf("load exam: %w", err)
		}
		now := s.now()
		if !now.Before(exam.EndTime) {
			return apperror.New(apperror.KindPrecondition, "REINSTATE_WINDOW_CLOSED", "exam has already ended")
		}

		suspendedFrom := session.LastHeartbeatAt
		if session.SuspendedAt != nil {
			suspendedFrom = *session.SuspendedAt
		}
		extendedEnd = exam.EndTime.Add(now.Sub(suspendedFrom))

		session.IsSuspended = false
		session.SuspensionReason = nil
		session.SuspendedAt = nil
		session.IsPassed = nil
		session.ExtendedEndAt = &extendedEnd
		session.LastHeartbeatAt = now
		if err := s.sessions.UpdateVersioned(ctx, session); err != nil {
			return err
		}
		if err := s.enrollments.SetStatus(ctx, session.EnrollmentID, model.EnrollmentStatusOngoing); err != nil {
			return fmt.Errorf("restore enrollment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	presenceTTL := time.Until(extendedEnd)
	if presenceTTL < 5*time.Minute {
		presenceTTL = 5 * time.Minute
	}
	if err := s.cache.MarkPresence(ctx, sessionID, presenceTTL); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Presence restore failed")
	}
	if err := s.cache.ClearRiskWindow(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Risk window clear failed")
	}

	payload := map[string]any{
		"session_id":      sessionID,
		"reason":          reason,
		"extended_end_at": extendedEnd,
	}
	s.notifier.Publish(realtime.SessionQueue(sessionID, realtime.ChannelUpdate), "SESSION_REINSTATED", payload)
	s.notifier.Publish(realtime.ProctorTopic(session.ExamID), "SESSION_REINSTATED", payload)

	s.log.Info().
		Str("session_id", sessionID.String()).
		Time("extended_end_at", extendedEnd).
		Msg("Session reinstated")

	return session, nil
}

// VerifyIdentity calls the inference service synchronously. A mismatch
// appends a CRITICAL event and alerts proctors; unavailability surfaces as a
// retriable error.
func (s *SessionService) VerifyIdentity(ctx context.Context, sessionID uuid.UUID, selfieBase64 string) (*IdentityMatch, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMutable(session); err != nil {
		return nil, err
	}

	match, err := s.verifier.VerifyIdentity(ctx, session.UserID, selfieBase64)
	if err != nil {
		return nil, err
	}

	if match.Match {
		err = s.tx.WithTx(ctx, func(ctx context.Context) error {
			current, err := s.sessions.GetByIDForUpdate(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("reload session: %w", err)
			}
			current.IdentityVerified = true
			return s.sessions.UpdateVersioned(ctx, current)
		})
		if err != nil {
			return nil, err
		}
		return match, nil
	}

	confidence := match.Confidence
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		event := &model.ProctoringEvent{
			SessionID:   sessionID,
			EventType:   model.EventIdentityMismatch,
			Severity:    model.SeverityCritical,
			Confidence:  &confidence,
			Description: "Live selfie did not match the enrolled identity",
			Source:      model.SourceSystem,
		}
		if err := s.violations.InsertEvent(ctx, event); err != nil {
			return fmt.Errorf("append mismatch event: %w", err)
		}
		return s.violations.ApplyEvent(ctx, sessionID, model.EventIdentityMismatch, confidence)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Publish(realtime.ProctorTopic(session.ExamID), "VIOLATION_ALERT", map[string]any{
		"session_id": sessionID,
		"event_type": model.EventIdentityMismatch,
		"severity":   model.SeverityCritical,
		"confidence": confidence,
	})

	return match, nil
}

// GradeShortAnswer persists a manual grade and recomputes the session score.
func (s *SessionService) GradeShortAnswer(ctx context.Context, sessionID uuid.UUID, req *model.GradeAnswerRequest) (*model.ExamSession, error) {
	var session *model.ExamSession

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		session, err = s.sessions.GetByIDForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperror.New(apperror.KindNotFound, "NOT_FOUND", "session not found")
			}
			return fmt.Errorf("load session: %w", err)
		}
		if session.IsOpen() {
			return apperror.New(apperror.KindPrecondition, "SESSION_NOT_SUBMITTED", "grading requires a submitted session")
		}

		question, err := s.questions.GetByID(ctx, req.QuestionID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperror.New(apperror.KindPrecondition, "QUESTION_NOT_IN_EXAM", "question does not belong to this exam")
			}
			return fmt.Errorf("load question: %w", err)
		}
		if question.ExamID != session.ExamID {
			return apperror.New(apperror.KindPrecondition, "QUESTION_NOT_IN_EXAM", "question does not belong to this exam")
		}
		if question.QuestionType != model.QuestionTypeShortAnswer {
			return apperror.New(apperror.KindPrecondition, "NOT_GRADABLE", "only short answers are graded manually")
		}
		if req.Marks < 0 || req.Marks > question.Marks {
			return apperror.New(apperror.KindValidation, "MARKS_OUT_OF_RANGE",
				fmt.Sprintf("marks must be within [0, %.2f]", question.Marks))
		}

		answer, err := s.answers.GetBySessionAndQuestion(ctx, sessionID, req.QuestionID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperror.New(apperror.KindNotFound, "NOT_FOUND", "no answer recorded for this question")
			}
			return fmt.Errorf("load answer: %w", err)
		}
		var comment *string
		if req.Comment != "" {
			comment = &req.Comment
		}
		if err := s.answers.SetMarks(ctx, answer.ID, req.Marks, comment); err != nil {
			return fmt.Errorf("persist grade: %w", err)
		}

		// Recompute the total from all persisted awards.
		all, err := s.answers.ListBySession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("reload answers: %w", err)
		}
		var total float64
		for _, a := range all {
			if a.ID == answer.ID {
				total += req.Marks
				continue
			}
			if a.MarksAwarded != nil {
				total += *a.MarksAwarded
			}
		}
		exam, err := s.exams.GetByID(ctx, session.ExamID)
		if err != nil {
			return fmt.Errorf("load exam: %w", err)
		}

		score := roundScore(math.Max(0, total))
		passed := score >= exam.PassingMarks
		session.Score = &score
		session.IsPassed = &passed
		return s.sessions.UpdateVersioned(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession loads one session.
func (s *SessionService) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	return s.loadSession(ctx, sessionID)
}

func (s *SessionService) loadSession(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.New(apperror.KindNotFound, "NOT_FOUND", "session not found")
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}

// requireMutable rejects operations on submitted or suspended sessions.
// Suspension is sticky: no answer, submission or restart afterwards.
func (s *SessionService) requireMutable(session *model.ExamSession) error {
	if !session.IsOpen() {
		return apperror.New(apperror.KindConflict, "SESSION_SUBMITTED", "session already submitted")
	}
	if session.IsSuspended {
		return apperror.New(apperror.KindConflict, "SESSION_SUSPENDED", "session is suspended")
	}
	return nil
}
