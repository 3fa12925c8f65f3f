package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigilhq/vigil-backend/internal/model"
)

// EnrollmentRepository handles enrollment and proctor-assignment data access.
type EnrollmentRepository struct {
	pool *pgxpool.Pool
}

// NewEnrollmentRepository creates a new EnrollmentRepository.
func NewEnrollmentRepository(pool *pgxpool.Pool) *EnrollmentRepository {
	return &EnrollmentRepository{pool: pool}
}

const enrollmentColumns = `id, exam_id, user_id, status, created_at, updated_at`

func scanEnrollment(row interface{ Scan(...any) error }) (*model.ExamEnrollment, error) {
	e := &model.ExamEnrollment{}
	err := row.Scan(&e.ID, &e.ExamID, &e.UserID, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByExamAndUser retrieves the unique (exam, user) enrollment.
func (r *EnrollmentRepository) GetByExamAndUser(ctx context.Context, examID, userID uuid.UUID) (*model.ExamEnrollment, error) {
	return scanEnrollment(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM exam_enrollments
		 WHERE exam_id = $1 AND user_id = $2`, examID, userID))
}

// Create inserts a new enrollment in REGISTERED status.
func (r *EnrollmentRepository) Create(ctx context.Context, e *model.ExamEnrollment) error {
	return queryFrom(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO exam_enrollments (exam_id, user_id, status)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		e.ExamID, e.UserID, model.EnrollmentStatusRegistered,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// SetStatus updates an enrollment's status.
func (r *EnrollmentRepository) SetStatus(ctx context.Context, id uuid.UUID, status model.EnrollmentStatus) error {
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`UPDATE exam_enrollments SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	return err
}

// AssignProctor links a proctor to an exam. Idempotent on the unique pair.
func (r *EnrollmentRepository) AssignProctor(ctx context.Context, examID, proctorID uuid.UUID) error {
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`INSERT INTO exam_proctors (exam_id, proctor_id)
		 VALUES ($1, $2)
		 ON CONFLICT (exam_id, proctor_id) DO NOTHING`, examID, proctorID)
	return err
}

// IsProctorAssigned reports whether the proctor has an assignment row for the exam.
func (r *EnrollmentRepository) IsProctorAssigned(ctx context.Context, examID, proctorID uuid.UUID) (bool, error) {
	var exists bool
	err := queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM exam_proctors WHERE exam_id = $1 AND proctor_id = $2
		 )`, examID, proctorID).Scan(&exists)
	return exists, err
}
