package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/model"
)

// ExamSessionRepository handles exam session data access. Session rows are the
// system's primary contention point; state mutations go through UpdateVersioned,
// while TouchHeartbeat writes the heartbeat column without a version check.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

const sessionColumns = `id, enrollment_id, exam_id, user_id, started_at, submitted_at,
	last_heartbeat_at, identity_verified, is_suspended, suspension_reason,
	suspended_at, extended_end_at, ip_address, user_agent, score, is_passed, version`

func scanSession(row interface{ Scan(...any) error }) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(&s.ID, &s.EnrollmentID, &s.ExamID, &s.UserID, &s.StartedAt,
		&s.SubmittedAt, &s.LastHeartbeatAt, &s.IdentityVerified, &s.IsSuspended,
		&s.SuspensionReason, &s.SuspendedAt, &s.ExtendedEndAt, &s.IPAddress,
		&s.UserAgent, &s.Score, &s.IsPassed, &s.Version)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by id.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves a session by id with a row-level update intent,
// serialising concurrent mutators inside a transaction.
func (r *ExamSessionRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1 FOR UPDATE`, id))
}

// GetOpenByUserAndExam returns the user's open (unsubmitted) session in an exam.
func (r *ExamSessionRepository) GetOpenByUserAndExam(ctx context.Context, userID, examID uuid.UUID) (*model.ExamSession, error) {
	return scanSession(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE user_id = $1 AND exam_id = $2 AND submitted_at IS NULL`, userID, examID))
}

// GetActiveByUser returns the user's active session in any exam, if one
// exists. Active means open and not suspended.
func (r *ExamSessionRepository) GetActiveByUser(ctx context.Context, userID uuid.UUID) (*model.ExamSession, error) {
	return scanSession(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE user_id = $1 AND submitted_at IS NULL AND NOT is_suspended
		 LIMIT 1`, userID))
}

// Create inserts a new session.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	return queryFrom(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO exam_sessions (enrollment_id, exam_id, user_id, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, started_at, last_heartbeat_at, version`,
		s.EnrollmentID, s.ExamID, s.UserID, s.IPAddress, s.UserAgent,
	).Scan(&s.ID, &s.StartedAt, &s.LastHeartbeatAt, &s.Version)
}

// UpdateVersioned writes back every mutable session column guarded by the
// version the caller loaded. A stale version yields CONCURRENT_MODIFICATION;
// the caller decides whether to retry or surface.
func (r *ExamSessionRepository) UpdateVersioned(ctx context.Context, s *model.ExamSession) error {
	tag, err := queryFrom(ctx, r.pool).Exec(ctx,
		`UPDATE exam_sessions
		 SET submitted_at = $1, last_heartbeat_at = $2, identity_verified = $3,
		     is_suspended = $4, suspension_reason = $5, suspended_at = $6,
		     extended_end_at = $7, score = $8, is_passed = $9, version = version + 1
		 WHERE id = $10 AND version = $11`,
		s.SubmittedAt, s.LastHeartbeatAt, s.IdentityVerified,
		s.IsSuspended, s.SuspensionReason, s.SuspendedAt,
		s.ExtendedEndAt, s.Score, s.IsPassed, s.ID, s.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindConcurrentModify, "CONCURRENT_MODIFICATION",
			"session was modified concurrently")
	}
	s.Version++
	return nil
}

// TouchHeartbeat updates last_heartbeat_at without a version bump; heartbeats
// never conflict with state transitions.
func (r *ExamSessionRepository) TouchHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`UPDATE exam_sessions SET last_heartbeat_at = $1 WHERE id = $2 AND submitted_at IS NULL`,
		at, id)
	return err
}

// ListOpenByExams returns open sessions across a set of exams. Used by the
// end-of-window auto-submit sweep.
func (r *ExamSessionRepository) ListOpenByExams(ctx context.Context, examIDs []uuid.UUID) ([]model.ExamSession, error) {
	if len(examIDs) == 0 {
		return nil, nil
	}
	return r.list(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE exam_id = ANY($1) AND submitted_at IS NULL`, examIDs)
}

// ListOpenByExam returns open sessions of one exam with the most recent first.
func (r *ExamSessionRepository) ListOpenByExam(ctx context.Context, examID uuid.UUID) ([]model.ExamSession, error) {
	return r.list(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE exam_id = $1 AND submitted_at IS NULL
		 ORDER BY started_at DESC`, examID)
}

// ListStale returns open, unsuspended sessions whose heartbeat is older than
// the cutoff. Used by the stale-session closer.
func (r *ExamSessionRepository) ListStale(ctx context.Context, cutoff time.Time) ([]model.ExamSession, error) {
	return r.list(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE submitted_at IS NULL AND NOT is_suspended AND last_heartbeat_at < $1`, cutoff)
}

func (r *ExamSessionRepository) list(ctx context.Context, sql string, args ...any) ([]model.ExamSession, error) {
	rows, err := queryFrom(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ListOpenWithExpiredExtension returns open, unsuspended sessions whose
// extended deadline has passed. These belong to exams that already completed
// but were skipped by the end-of-window sweep.
func (r *ExamSessionRepository) ListOpenWithExpiredExtension(ctx context.Context, now time.Time) ([]model.ExamSession, error) {
	return r.list(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE submitted_at IS NULL AND NOT is_suspended
		   AND extended_end_at IS NOT NULL AND extended_end_at <= $1`, now)
}
