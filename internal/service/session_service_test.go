package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/config"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/realtime"
)

// ─── Fakes ─────────────────────────────────────────────────────────────────

type fakeTx struct{}

func (fakeTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (fakeTx) WithNewTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeSessions struct {
	byID map[uuid.UUID]*model.ExamSession
}

func (f *fakeSessions) get(id uuid.UUID) (*model.ExamSession, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessions) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return f.get(id)
}

func (f *fakeSessions) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return f.get(id)
}

func (f *fakeSessions) GetOpenByUserAndExam(ctx context.Context, userID, examID uuid.UUID) (*model.ExamSession, error) {
	for _, s := range f.byID {
		if s.UserID == userID && s.ExamID == examID && s.SubmittedAt == nil {
			return f.get(s.ID)
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeSessions) GetActiveByUser(ctx context.Context, userID uuid.UUID) (*model.ExamSession, error) {
	for _, s := range f.byID {
		if s.UserID == userID && s.SubmittedAt == nil && !s.IsSuspended {
			return f.get(s.ID)
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeSessions) Create(ctx context.Context, s *model.ExamSession) error {
	s.ID = uuid.New()
	s.StartedAt = time.Now()
	s.LastHeartbeatAt = s.StartedAt
	s.Version = 1
	copied := *s
	f.byID[s.ID] = &copied
	return nil
}

func (f *fakeSessions) UpdateVersioned(ctx context.Context, s *model.ExamSession) error {
	stored, ok := f.byID[s.ID]
	if !ok || stored.Version != s.Version {
		return apperror.New(apperror.KindConcurrentModify, "CONCURRENT_MODIFICATION", "stale version")
	}
	s.Version++
	copied := *s
	f.byID[s.ID] = &copied
	return nil
}

func (f *fakeSessions) TouchHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	if s, ok := f.byID[id]; ok && s.SubmittedAt == nil {
		s.LastHeartbeatAt = at
	}
	return nil
}

type fakeExams struct {
	byID map[uuid.UUID]*model.Exam
}

func (f *fakeExams) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *e
	return &copied, nil
}

type fakeQuestions struct {
	byID      map[uuid.UUID]*model.Question
	findCalls int
}

func (f *fakeQuestions) GetByID(ctx context.Context, id uuid.UUID) (*model.Question, error) {
	q, ok := f.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *q
	return &copied, nil
}

func (f *fakeQuestions) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	var out []model.Question
	for _, q := range f.byID {
		if q.ExamID == examID {
			out = append(out, *q)
		}
	}
	return out, nil
}

func (f *fakeQuestions) FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Question, error) {
	f.findCalls++
	out := make(map[uuid.UUID]model.Question, len(ids))
	for _, id := range ids {
		if q, ok := f.byID[id]; ok {
			out[id] = *q
		}
	}
	return out, nil
}

type fakeEnrollments struct {
	byID map[uuid.UUID]*model.ExamEnrollment
}

func (f *fakeEnrollments) GetByExamAndUser(ctx context.Context, examID, userID uuid.UUID) (*model.ExamEnrollment, error) {
	for _, e := range f.byID {
		if e.ExamID == examID && e.UserID == userID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeEnrollments) SetStatus(ctx context.Context, id uuid.UUID, status model.EnrollmentStatus) error {
	if e, ok := f.byID[id]; ok {
		e.Status = status
	}
	return nil
}

type answerKey struct {
	session  uuid.UUID
	question uuid.UUID
}

type fakeAnswers struct {
	byKey map[answerKey]*model.Answer
}

func (f *fakeAnswers) Upsert(ctx context.Context, a *model.Answer) error {
	key := answerKey{a.SessionID, a.QuestionID}
	if existing, ok := f.byKey[key]; ok {
		existing.SelectedAnswer = a.SelectedAnswer
		existing.TextAnswer = a.TextAnswer
		a.ID = existing.ID
		return nil
	}
	a.ID = uuid.New()
	copied := *a
	f.byKey[key] = &copied
	return nil
}

func (f *fakeAnswers) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Answer, error) {
	var out []model.Answer
	for _, a := range f.byKey {
		if a.SessionID == sessionID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAnswers) GetBySessionAndQuestion(ctx context.Context, sessionID, questionID uuid.UUID) (*model.Answer, error) {
	if a, ok := f.byKey[answerKey{sessionID, questionID}]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeAnswers) SetMarks(ctx context.Context, id uuid.UUID, marks float64, comment *string) error {
	for _, a := range f.byKey {
		if a.ID == id {
			a.MarksAwarded = &marks
			if comment != nil {
				a.GradingComment = comment
			}
		}
	}
	return nil
}

func (f *fakeAnswers) BulkSetMarks(ctx context.Context, ids []uuid.UUID, marks []float64) error {
	for i, id := range ids {
		m := marks[i]
		for _, a := range f.byKey {
			if a.ID == id {
				a.MarksAwarded = &m
			}
		}
	}
	return nil
}

type fakeViolations struct {
	events   []model.ProctoringEvent
	counters map[model.ProctoringEventType]int
}

func (f *fakeViolations) EnsureSummary(ctx context.Context, sessionID uuid.UUID) error { return nil }

func (f *fakeViolations) InsertEvent(ctx context.Context, e *model.ProctoringEvent) error {
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeViolations) ApplyEvent(ctx context.Context, sessionID uuid.UUID, eventType model.ProctoringEventType, riskScore float64) error {
	if f.counters == nil {
		f.counters = make(map[model.ProctoringEventType]int)
	}
	f.counters[eventType]++
	return nil
}

type fakeCache struct {
	presence     map[uuid.UUID]time.Duration
	shuffle      map[string][]string
	windowClears int
}

func (f *fakeCache) MarkPresence(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) error {
	f.presence[sessionID] = ttl
	return nil
}

func (f *fakeCache) ClearPresence(ctx context.Context, sessionID uuid.UUID) error {
	delete(f.presence, sessionID)
	return nil
}

func (f *fakeCache) ClearRiskWindow(ctx context.Context, sessionID uuid.UUID) error {
	f.windowClears++
	return nil
}

func (f *fakeCache) SetShuffleOrderNX(ctx context.Context, examID, userID uuid.UUID, ids []string, ttl time.Duration) ([]string, error) {
	key := examID.String() + ":" + userID.String()
	if existing, ok := f.shuffle[key]; ok {
		return existing, nil
	}
	f.shuffle[key] = ids
	return ids, nil
}

func (f *fakeCache) GetShuffleOrder(ctx context.Context, examID, userID uuid.UUID) ([]string, error) {
	return f.shuffle[examID.String()+":"+userID.String()], nil
}

type published struct {
	destination string
	event       string
	data        any
}

type fakeNotifier struct {
	messages []published
}

func (f *fakeNotifier) Publish(destination, event string, data any) {
	f.messages = append(f.messages, published{destination, event, data})
}

func (f *fakeNotifier) count(destination, event string) int {
	n := 0
	for _, m := range f.messages {
		if m.destination == destination && m.event == event {
			n++
		}
	}
	return n
}

type fakeVerifier struct {
	result *IdentityMatch
	err    error
}

func (f *fakeVerifier) VerifyIdentity(ctx context.Context, userID uuid.UUID, selfie string) (*IdentityMatch, error) {
	return f.result, f.err
}

// ─── Fixture ───────────────────────────────────────────────────────────────

type engineFixture struct {
	engine      *SessionService
	sessions    *fakeSessions
	exams       *fakeExams
	questions   *fakeQuestions
	enrollments *fakeEnrollments
	answers     *fakeAnswers
	violations  *fakeViolations
	cache       *fakeCache
	notifier    *fakeNotifier
	verifier    *fakeVerifier

	exam       *model.Exam
	enrollment *model.ExamEnrollment
	student    realtime.Principal
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	f := &engineFixture{
		sessions:    &fakeSessions{byID: map[uuid.UUID]*model.ExamSession{}},
		exams:       &fakeExams{byID: map[uuid.UUID]*model.Exam{}},
		questions:   &fakeQuestions{byID: map[uuid.UUID]*model.Question{}},
		enrollments: &fakeEnrollments{byID: map[uuid.UUID]*model.ExamEnrollment{}},
		answers:     &fakeAnswers{byKey: map[answerKey]*model.Answer{}},
		violations:  &fakeViolations{},
		cache:       &fakeCache{presence: map[uuid.UUID]time.Duration{}, shuffle: map[string][]string{}},
		notifier:    &fakeNotifier{},
		verifier:    &fakeVerifier{result: &IdentityMatch{Match: true, Confidence: 0.98}},
	}

	now := time.Now()
	f.exam = &model.Exam{
		ID:              uuid.New(),
		Title:           "Algebra Midterm",
		Subject:         "Mathematics",
		StartTime:       now.Add(-10 * time.Minute),
		EndTime:         now.Add(50 * time.Minute),
		DurationMinutes: 60,
		TotalMarks:      10,
		PassingMarks:    5,
		AllowLateEntry:  true,
		Status:          model.ExamStatusOngoing,
	}
	f.exams.byID[f.exam.ID] = f.exam

	f.student = realtime.Principal{UserID: uuid.New(), Role: model.RoleStudent}
	f.enrollment = &model.ExamEnrollment{
		ID:     uuid.New(),
		ExamID: f.exam.ID,
		UserID: f.student.UserID,
		Status: model.EnrollmentStatusRegistered,
	}
	f.enrollments.byID[f.enrollment.ID] = f.enrollment

	cfg := config.Load()
	f.engine = NewSessionService(
		cfg, fakeTx{}, f.sessions, f.exams, f.questions, f.enrollments,
		f.answers, f.violations, f.cache, f.notifier, f.verifier, nil,
		zerolog.Nop(),
	)
	return f
}

func (f *engineFixture) startSession(t *testing.T) *model.ExamSession {
	t.Helper()
	session, err := f.engine.StartSession(context.Background(), f.student, f.exam.ID, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	return session
}

func (f *engineFixture) addMCQ(marks, negative float64, correct string) *model.Question {
	q := &model.Question{
		ID:            uuid.New(),
		ExamID:        f.exam.ID,
		QuestionType:  model.QuestionTypeMCQ,
		QuestionText:  "pick one",
		Options:       []model.Option{{Key: "A", Text: "a"}, {Key: "B", Text: "b"}, {Key: "C", Text: "c"}},
		CorrectAnswer: correct,
		Marks:         marks,
		NegativeMarks: negative,
	}
	f.questions.byID[q.ID] = q
	return q
}

func (f *engineFixture) answer(sessionID, questionID uuid.UUID, selected string) {
	key := answerKey{sessionID, questionID}
	f.answers.byKey[key] = &model.Answer{
		ID:             uuid.New(),
		SessionID:      sessionID,
		QuestionID:     questionID,
		SelectedAnswer: &selected,
	}
}

// ─── Tests ─────────────────────────────────────────────────────────────────

func TestStartSession(t *testing.T) {
	t.Run("creates session and marks enrollment ongoing", func(t *testing.T) {
		f := newEngineFixture(t)
		session := f.startSession(t)

		assert.Equal(t, f.exam.ID, session.ExamID)
		assert.Equal(t, model.EnrollmentStatusOngoing, f.enrollment.Status)
		assert.Contains(t, f.cache.presence, session.ID)
	})

	t.Run("rejects a second open session in the same exam", func(t *testing.T) {
		f := newEngineFixture(t)
		f.startSession(t)

		_, err := f.engine.StartSession(context.Background(), f.student, f.exam.ID, "10.0.0.1", "test-agent")
		require.Error(t, err)
		assert.Equal(t, "SESSION_CONFLICT", apperror.CodeOf(err))
	})

	t.Run("rejects when another exam session is active", func(t *testing.T) {
		f := newEngineFixture(t)

		other := &model.ExamSession{
			ID:     uuid.New(),
			ExamID: uuid.New(),
			UserID: f.student.UserID,
		}
		f.sessions.byID[other.ID] = other

		_, err := f.engine.StartSession(context.Background(), f.student, f.exam.ID, "10.0.0.1", "test-agent")
		require.Error(t, err)
		assert.Equal(t, "SESSION_CONFLICT", apperror.CodeOf(err))
	})

	t.Run("rejects a flagged enrollment", func(t *testing.T) {
		f := newEngineFixture(t)
		f.enrollment.Status = model.EnrollmentStatusFlagged

		_, err := f.engine.StartSession(context.Background(), f.student, f.exam.ID, "10.0.0.1", "test-agent")
		require.Error(t, err)
		assert.Equal(t, "SUSPENSION_STICKY", apperror.CodeOf(err))
	})

	t.Run("rejects a closed exam window", func(t *testing.T) {
		f := newEngineFixture(t)
		f.exam.EndTime = time.Now().Add(-time.Minute)

		_, err := f.engine.StartSession(context.Background(), f.student, f.exam.ID, "10.0.0.1", "test-agent")
		require.Error(t, err)
		assert.Equal(t, "EXAM_NOT_ACTIVE", apperror.CodeOf(err))
	})
}

func TestSaveAnswerCrossExam(t *testing.T) {
	f := newEngineFixture(t)
	session := f.startSession(t)

	foreign := &model.Question{
		ID:           uuid.New(),
		ExamID:       uuid.New(), // belongs to another exam
		QuestionType: model.QuestionTypeMCQ,
	}
	f.questions.byID[foreign.ID] = foreign

	_, err := f.engine.SaveAnswer(context.Background(), session.ID, &model.SaveAnswerRequest{
		QuestionID: foreign.ID,
	})
	require.Error(t, err)
	assert.Equal(t, "QUESTION_NOT_IN_EXAM", apperror.CodeOf(err))
	assert.Empty(t, f.answers.byKey, "no answer row may be written")
}

func TestSubmitScoring(t *testing.T) {
	f := newEngineFixture(t)
	session := f.startSession(t)

	q1 := f.addMCQ(2, 0, "A")
	q2 := f.addMCQ(3, 1, "B")
	q3 := f.addMCQ(5, 0, "C")

	f.answer(session.ID, q1.ID, "A") // +2
	f.answer(session.ID, q2.ID, "C") // -1
	f.answer(session.ID, q3.ID, "C") // +5

	submitted, err := f.engine.SubmitSession(context.Background(), session.ID)
	require.NoError(t, err)

	require.NotNil(t, submitted.Score)
	assert.Equal(t, 6.0, *submitted.Score)
	require.NotNil(t, submitted.IsPassed)
	assert.True(t, *submitted.IsPassed)
	assert.NotNil(t, submitted.SubmittedAt)

	assert.Equal(t, 1, f.questions.findCalls, "questions must be batch-loaded in one round-trip")
	assert.Equal(t, model.EnrollmentStatusCompleted, f.enrollment.Status)
	assert.NotContains(t, f.cache.presence, session.ID)
	assert.Equal(t, 1, f.notifier.count(realtime.ProctorTopic(f.exam.ID), "SESSION_SUBMITTED"))
}

func TestSubmitScoreFloorsAtZero(t *testing.T) {
	f := newEngineFixture(t)
	session := f.startSession(t)

	q := f.addMCQ(2, 5, "A")
	f.answer(session.ID, q.ID, "B") // -5

	submitted, err := f.engine.SubmitSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, *submitted.Score)
	assert.False(t, *submitted.IsPassed)
}

func TestSuspendThenSubmit(t *testing.T) {
	f := newEngineFixture(t)
	session := f.startSession(t)

	require.NoError(t, f.engine.SuspendSession(context.Background(), session.ID, "phone detected", model.SourceManual))

	_, err := f.engine.SubmitSession(context.Background(), session.ID)
	require.Error(t, err)
	assert.Equal(t, "SESSION_SUSPENDED", apperror.CodeOf(err))

	current, _ := f.sessions.GetByID(context.Background(), session.ID)
	assert.Nil(t, current.Score)
	assert.True(t, current.IsSuspended)
	assert.Equal(t, model.EnrollmentStatusFlagged, f.enrollment.Status)
}

func TestSuspendIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	session := f.startSession(t)

	require.NoError(t, f.engine.SuspendSession(context.Background(), session.ID, "first", model.SourceAI))
	require.NoError(t, f.engine.SuspendSession(context.Background(), session.ID, "second", model.SourceAI))

	assert.Len(t, f.violations.events, 1, "one suspension event")
	assert.Equal(t, 1, f.violations.counters[model.EventSuspiciousBehavior])
	assert.Equal(t, 1, f.notifier.count(realtime.SessionQueue(session.ID, realtime.ChannelSuspend), "SESSION_SUSPENDED"))

	current, _ := f.sessions.GetByID(context.Background(), session.ID)
	require.NotNil(t, current.SuspensionReason)
	assert.Equal(t, "first", *current.SuspensionReason)
}

func TestReinstateExtendsDeadline(t *testing.T) {
	f := newEngineFixture(t)

	endTime := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	f.exam.StartTime = endTime.Add(-2 * time.Hour)
	f.exam.EndTime = endTime

	suspendedAt := endTime.Add(-30 * time.Minute) // 13:30
	reinstateAt := endTime.Add(-15 * time.Minute) // 13:45

	f.engine.now = func() time.Time { return suspendedAt.Add(-time.Hour) }
	session := f.startSession(t)

	f.engine.now = func() time.Time { return suspendedAt }
	require.NoError(t, f.engine.SuspendSession(context.Background(), session.ID, "noise", model.SourceAI))

	f.engine.now = func() time.Time { return reinstateAt }
	reinstated, err := f.engine.ReinstateSession(context.Background(), session.ID, "resolved")
	require.NoError(t, err)

	require.NotNil(t, reinstated.ExtendedEndAt)
	expected := endTime.Add(15 * time.Minute) // 14:15
	assert.WithinDuration(t, expected, *reinstated.ExtendedEndAt, time.Second)
	assert.False(t, reinstated.IsSuspended)
	assert.Nil(t, reinstated.SuspensionReason)
	assert.Equal(t, model.EnrollmentStatusOngoing, f.enrollment.Status)
}

func TestReinstateAfterExamEndRefused(t *testing.T) {
	f := newEngineFixture(t)
	session := f.startSession(t)
	require.NoError(t, f.engine.SuspendSession(context.Background(), session.ID, "noise", model.SourceAI))

	f.engine.now = func() time.Time { return f.exam.EndTime.Add(time.Minute) }
	_, err := f.engine.ReinstateSession(context.Background(), session.ID, "too late")
	require.Error(t, err)
	assert.Equal(t, "REINSTATE_WINDOW_CLOSED", apperror.CodeOf(err))
}

func TestVerifyIdentityMismatch(t *testing.T) {
	f := newEngineFixture(t)
	session := f.startSession(t)
	f.verifier.result = &IdentityMatch{Match: false, Confidence: 0.31}

	match, err := f.engine.VerifyIdentity(context.Background(), session.ID, "base64selfie")
	require.NoError(t, err)
	assert.False(t, match.Match)

	require.Len(t, f.violations.events, 1)
	assert.Equal(t, model.EventIdentityMismatch, f.violations.events[0].EventType)
	assert.Equal(t, model.SeverityCritical, f.violations.events[0].Severity)
	assert.Equal(t, 1, f.notifier.count(realtime.ProctorTopic(f.exam.ID), "VIOLATION_ALERT"))

	current, _ := f.sessions.GetByID(context.Background(), session.ID)
	assert.False(t, current.IdentityVerified)
}

func TestGradeShortAnswer(t *testing.T) {
	f := newEngineFixture(t)
	session := f.startSession(t)

	mcq := f.addMCQ(2, 0, "A")
	short := &model.Question{
		ID:           uuid.New(),
		ExamID:       f.exam.ID,
		QuestionType: model.QuestionTypeShortAnswer,
		Marks:        8,
	}
	f.questions.byID[short.ID] = short

	f.answer(session.ID, mcq.ID, "A")
	text := "my essay"
	f.answers.byKey[answerKey{session.ID, short.ID}] = &model.Answer{
		ID:         uuid.New(),
		SessionID:  session.ID,
		QuestionID: short.ID,
		TextAnswer: &text,
	}

	submitted, err := f.engine.SubmitSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, *submitted.Score)

	t.Run("rejects marks above the question maximum", func(t *testing.T) {
		_, err := f.engine.GradeShortAnswer(context.Background(), session.ID, &model.GradeAnswerRequest{
			QuestionID: short.ID,
			Marks:      9,
		})
		require.Error(t, err)
		assert.Equal(t, "MARKS_OUT_OF_RANGE", apperror.CodeOf(err))
	})

	t.Run("recomputes the score and pass flag", func(t *testing.T) {
		graded, err := f.engine.GradeShortAnswer(context.Background(), session.ID, &model.GradeAnswerRequest{
			QuestionID: short.ID,
			Marks:      6.5,
			Comment:    "solid reasoning",
		})
		require.NoError(t, err)
		assert.Equal(t, 8.5, *graded.Score)
		assert.True(t, *graded.IsPassed)
	})
}

func TestQuestionsForSessionStableOrder(t *testing.T) {
	f := newEngineFixture(t)
	f.exam.ShuffleQuestions = true
	for i := 0; i < 8; i++ {
		f.addMCQ(1, 0, "A")
	}
	f.exam.TotalMarks = 8
	session := f.startSession(t)

	first, err := f.engine.QuestionsForSession(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, first, 8)

	second, err := f.engine.QuestionsForSession(context.Background(), session.ID)
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID, "permutation must be stable across calls")
	}
}

func TestRoundScore(t *testing.T) {
	assert.Equal(t, 6.0, roundScore(6))
	assert.Equal(t, 1.23, roundScore(1.23456))
	assert.Equal(t, 0.67, roundScore(2.0/3.0))
	assert.Equal(t, 2.38, roundScore(2.375)) // exact binary half rounds up
}
