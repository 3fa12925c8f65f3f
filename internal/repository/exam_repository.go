package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigilhq/vigil-backend/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

const examColumns = `id, title, subject, start_time, end_time, duration_minutes,
	total_marks, passing_marks, shuffle_questions, shuffle_options,
	allow_late_entry, status, is_deleted, created_by, created_at, updated_at`

func scanExam(row interface{ Scan(...any) error }) (*model.Exam, error) {
	e := &model.Exam{}
	err := row.Scan(&e.ID, &e.Title, &e.Subject, &e.StartTime, &e.EndTime,
		&e.DurationMinutes, &e.TotalMarks, &e.PassingMarks, &e.ShuffleQuestions,
		&e.ShuffleOptions, &e.AllowLateEntry, &e.Status, &e.IsDeleted,
		&e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID retrieves an exam by id. Soft-deleted exams are not returned.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	return scanExam(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+examColumns+` FROM exams WHERE id = $1 AND NOT is_deleted`, id))
}

// Create inserts a new exam in DRAFT status.
func (r *ExamRepository) Create(ctx context.Context, e *model.Exam) error {
	return queryFrom(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO exams (title, subject, start_time, end_time, duration_minutes,
		   total_marks, passing_marks, shuffle_questions, shuffle_options,
		   allow_late_entry, status, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at, updated_at`,
		e.Title, e.Subject, e.StartTime, e.EndTime, e.DurationMinutes,
		e.TotalMarks, e.PassingMarks, e.ShuffleQuestions, e.ShuffleOptions,
		e.AllowLateEntry, model.ExamStatusDraft, e.CreatedBy,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// Update writes a DRAFT exam's editable fields.
func (r *ExamRepository) Update(ctx context.Context, e *model.Exam) error {
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`UPDATE exams
		 SET title = $1, subject = $2, start_time = $3, end_time = $4,
		     duration_minutes = $5, total_marks = $6, passing_marks = $7,
		     shuffle_questions = $8, shuffle_options = $9, allow_late_entry = $10,
		     updated_at = NOW()
		 WHERE id = $11 AND status = $12 AND NOT is_deleted`,
		e.Title, e.Subject, e.StartTime, e.EndTime, e.DurationMinutes,
		e.TotalMarks, e.PassingMarks, e.ShuffleQuestions, e.ShuffleOptions,
		e.AllowLateEntry, e.ID, model.ExamStatusDraft)
	return err
}

// SetStatus moves a single exam to a new status.
func (r *ExamRepository) SetStatus(ctx context.Context, id uuid.UUID, status model.ExamStatus) error {
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	return err
}

// ListDueForStart returns PUBLISHED exams whose window has opened.
func (r *ExamRepository) ListDueForStart(ctx context.Context, now time.Time) ([]model.Exam, error) {
	return r.listByStatusBefore(ctx, model.ExamStatusPublished, "start_time", now)
}

// ListDueForCompletion returns ONGOING exams whose window has closed.
func (r *ExamRepository) ListDueForCompletion(ctx context.Context, now time.Time) ([]model.Exam, error) {
	return r.listByStatusBefore(ctx, model.ExamStatusOngoing, "end_time", now)
}

func (r *ExamRepository) listByStatusBefore(ctx context.Context, status model.ExamStatus, column string, now time.Time) ([]model.Exam, error) {
	rows, err := queryFrom(ctx, r.pool).Query(ctx,
		`SELECT `+examColumns+` FROM exams
		 WHERE status = $1 AND `+column+` <= $2 AND NOT is_deleted
		 ORDER BY `+column+` ASC`, status, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, *e)
	}
	return exams, rows.Err()
}

// BatchSetStatus moves a batch of exams to a new status in one statement.
// Used by the status transitioner so each transition is one commit.
func (r *ExamRepository) BatchSetStatus(ctx context.Context, ids []uuid.UUID, status model.ExamStatus) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW() WHERE id = ANY($2)`,
		status, ids)
	return err
}

// CountQuestionsByExam batch-counts questions for a set of exams.
func (r *ExamRepository) CountQuestionsByExam(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}
	rows, err := queryFrom(ctx, r.pool).Query(ctx,
		`SELECT exam_id, COUNT(*) FROM questions WHERE exam_id = ANY($1) GROUP BY exam_id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// SumQuestionMarks returns the total marks of an exam's questions.
func (r *ExamRepository) SumQuestionMarks(ctx context.Context, examID uuid.UUID) (float64, error) {
	var sum float64
	err := queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(SUM(marks), 0) FROM questions WHERE exam_id = $1`, examID,
	).Scan(&sum)
	return sum, err
}
