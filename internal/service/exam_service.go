package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/model"
	"github.com/vigilhq/vigil-backend/internal/repository"
)

// marksEpsilon tolerates floating point drift when comparing the question
// marks sum against the exam total at publish time.
const marksEpsilon = 0.01

// ExamService covers the admin-side exam lifecycle: authoring in DRAFT,
// publishing, enrollment and proctor assignment. The clock-driven transitions
// live in the status worker.
type ExamService struct {
	exams       *repository.ExamRepository
	questions   *repository.QuestionRepository
	enrollments *repository.EnrollmentRepository
	users       *repository.UserRepository
	log         zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(
	exams *repository.ExamRepository,
	questions *repository.QuestionRepository,
	enrollments *repository.EnrollmentRepository,
	users *repository.UserRepository,
	log zerolog.Logger,
) *ExamService {
	return &ExamService{
		exams:       exams,
		questions:   questions,
		enrollments: enrollments,
		users:       users,
		log:         log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID loads one exam.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	exam, err := s.exams.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.New(apperror.KindNotFound, "NOT_FOUND", "exam not found")
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}
	return exam, nil
}

// Create inserts a new DRAFT exam.
func (s *ExamService) Create(ctx context.Context, creator uuid.UUID, req *model.CreateExamRequest) (*model.Exam, error) {
	if req.PassingMarks > req.TotalMarks {
		return nil, apperror.New(apperror.KindValidation, "VALIDATION_ERROR", "passing marks exceed total marks")
	}
	exam := &model.Exam{
		Title:            req.Title,
		Subject:          req.Subject,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		DurationMinutes:  req.DurationMinutes,
		TotalMarks:       req.TotalMarks,
		PassingMarks:     req.PassingMarks,
		ShuffleQuestions: req.ShuffleQuestions,
		ShuffleOptions:   req.ShuffleOptions,
		AllowLateEntry:   req.AllowLateEntry,
		Status:           model.ExamStatusDraft,
		CreatedBy:        creator,
	}
	if err := s.exams.Create(ctx, exam); err != nil {
		return nil, fmt.Errorf("create exam: %w", err)
	}
	return exam, nil
}

// Update edits a DRAFT exam. Any other status rejects the edit.
func (s *ExamService) Update(ctx context.Context, id uuid.UUID, req *model.UpdateExamRequest) (*model.Exam, error) {
	exam, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exam.Status != model.ExamStatusDraft {
		return nil, apperror.New(apperror.KindPrecondition, "EXAM_NOT_DRAFT", "only DRAFT exams are editable")
	}

	if req.Title != "" {
		exam.Title = req.Title
	}
	if req.Subject != "" {
		exam.Subject = req.Subject
	}
	if req.StartTime != nil {
		exam.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		exam.EndTime = *req.EndTime
	}
	if req.DurationMinutes != nil {
		exam.DurationMinutes = *req.DurationMinutes
	}
	if req.TotalMarks != nil {
		exam.TotalMarks = *req.TotalMarks
	}
	if req.PassingMarks != nil {
		exam.PassingMarks = *req.PassingMarks
	}
	if req.ShuffleQuestions != nil {
		exam.ShuffleQuestions = *req.ShuffleQuestions
	}
	if req.ShuffleOptions != nil {
		exam.ShuffleOptions = *req.ShuffleOptions
	}
	if req.AllowLateEntry != nil {
		exam.AllowLateEntry = *req.AllowLateEntry
	}

	if !exam.EndTime.After(exam.StartTime) {
		return nil, apperror.New(apperror.KindValidation, "VALIDATION_ERROR", "end time must follow start time")
	}
	if exam.PassingMarks > exam.TotalMarks {
		return nil, apperror.New(apperror.KindValidation, "VALIDATION_ERROR", "passing marks exceed total marks")
	}

	if err := s.exams.Update(ctx, exam); err != nil {
		return nil, fmt.Errorf("update exam: %w", err)
	}
	return exam, nil
}

// AddQuestion appends a question to a DRAFT exam. MCQ questions must carry
// options and a correct answer drawn from the option keys.
func (s *ExamService) AddQuestion(ctx context.Context, examID uuid.UUID, req *model.AddQuestionRequest) (*model.Question, error) {
	exam, err := s.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.Status != model.ExamStatusDraft {
		return nil, apperror.New(apperror.KindPrecondition, "EXAM_NOT_DRAFT", "questions change only in DRAFT")
	}

	questionType := model.QuestionType(req.QuestionType)
	if questionType == model.QuestionTypeMCQ {
		if len(req.Options) < 2 {
			return nil, apperror.New(apperror.KindValidation, "VALIDATION_ERROR", "MCQ needs at least two options")
		}
		found := false
		for _, opt := range req.Options {
			if opt.Key == req.CorrectAnswer {
				found = true
				break
			}
		}
		if !found {
			return nil, apperror.New(apperror.KindValidation, "VALIDATION_ERROR", "correct answer must be an option key")
		}
	}

	question := &model.Question{
		ExamID:        examID,
		QuestionType:  questionType,
		QuestionText:  req.QuestionText,
		Options:       req.Options,
		CorrectAnswer: req.CorrectAnswer,
		Marks:         req.Marks,
		NegativeMarks: req.NegativeMarks,
		OrderIndex:    req.OrderIndex,
	}
	if err := s.questions.Create(ctx, question); err != nil {
		return nil, fmt.Errorf("create question: %w", err)
	}
	return question, nil
}

// DeleteQuestion removes a question from a DRAFT exam.
func (s *ExamService) DeleteQuestion(ctx context.Context, examID, questionID uuid.UUID) error {
	exam, err := s.GetByID(ctx, examID)
	if err != nil {
		return err
	}
	if exam.Status != model.ExamStatusDraft {
		return apperror.New(apperror.KindPrecondition, "EXAM_NOT_DRAFT", "questions change only in DRAFT")
	}
	question, err := s.questions.GetByID(ctx, questionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.New(apperror.KindNotFound, "NOT_FOUND", "question not found")
		}
		return fmt.Errorf("load question: %w", err)
	}
	if question.ExamID != examID {
		return apperror.New(apperror.KindPrecondition, "QUESTION_NOT_IN_EXAM", "question does not belong to this exam")
	}
	return s.questions.Delete(ctx, questionID)
}

// Publish moves a DRAFT exam to PUBLISHED once it has questions, the marks
// sum matches the exam total and the window has not yet opened.
func (s *ExamService) Publish(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	exam, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if exam.Status != model.ExamStatusDraft {
		return nil, apperror.New(apperror.KindPrecondition, "EXAM_NOT_DRAFT", "only DRAFT exams publish")
	}
	if !time.Now().Before(exam.StartTime) {
		return nil, apperror.New(apperror.KindPrecondition, "START_TIME_PASSED", "start time is no longer in the future")
	}

	counts, err := s.exams.CountQuestionsByExam(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, fmt.Errorf("count questions: %w", err)
	}
	if counts[id] == 0 {
		return nil, apperror.New(apperror.KindPrecondition, "NO_QUESTIONS", "exam has no questions")
	}

	sum, err := s.exams.SumQuestionMarks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sum marks: %w", err)
	}
	if math.Abs(sum-exam.TotalMarks) > marksEpsilon {
		return nil, apperror.New(apperror.KindPrecondition, "MARKS_MISMATCH",
			fmt.Sprintf("question marks sum %.2f does not match exam total %.2f", sum, exam.TotalMarks))
	}

	if err := s.exams.SetStatus(ctx, id, model.ExamStatusPublished); err != nil {
		return nil, fmt.Errorf("publish exam: %w", err)
	}
	exam.Status = model.ExamStatusPublished
	s.log.Info().Str("exam_id", id.String()).Msg("Exam published")
	return exam, nil
}

// Enroll registers a student into an exam. Admin-only; the (exam, user) pair
// is unique.
func (s *ExamService) Enroll(ctx context.Context, examID, userID uuid.UUID) (*model.ExamEnrollment, error) {
	if _, err := s.GetByID(ctx, examID); err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.New(apperror.KindNotFound, "NOT_FOUND", "user not found")
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.Role != model.RoleStudent {
		return nil, apperror.New(apperror.KindValidation, "VALIDATION_ERROR", "only students enroll in exams")
	}

	enrollment := &model.ExamEnrollment{ExamID: examID, UserID: userID}
	if err := s.enrollments.Create(ctx, enrollment); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperror.New(apperror.KindConflict, "CONFLICT", "student already enrolled")
		}
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	return enrollment, nil
}

// AssignProctor links a proctor to an exam.
func (s *ExamService) AssignProctor(ctx context.Context, examID, proctorID uuid.UUID) error {
	if _, err := s.GetByID(ctx, examID); err != nil {
		return err
	}
	user, err := s.users.GetByID(ctx, proctorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.New(apperror.KindNotFound, "NOT_FOUND", "user not found")
		}
		return fmt.Errorf("load user: %w", err)
	}
	if user.Role != model.RoleProctor && user.Role != model.RoleAdmin {
		return apperror.New(apperror.KindValidation, "VALIDATION_ERROR", "assignee must be a proctor")
	}
	return s.enrollments.AssignProctor(ctx, examID, proctorID)
}
