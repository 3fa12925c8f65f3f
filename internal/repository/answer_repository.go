package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigilhq/vigil-backend/internal/model"
)

// AnswerRepository handles answer data access.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

const answerColumns = `id, session_id, question_id, selected_answer, text_answer,
	marks_awarded, grading_comment, updated_at`

func scanAnswer(row interface{ Scan(...any) error }) (*model.Answer, error) {
	a := &model.Answer{}
	err := row.Scan(&a.ID, &a.SessionID, &a.QuestionID, &a.SelectedAnswer,
		&a.TextAnswer, &a.MarksAwarded, &a.GradingComment, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Upsert writes the answer, replacing any previous response to the same
// question in the same session.
func (r *AnswerRepository) Upsert(ctx context.Context, a *model.Answer) error {
	return queryFrom(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO answers (session_id, question_id, selected_answer, text_answer)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET selected_answer = EXCLUDED.selected_answer,
		     text_answer = EXCLUDED.text_answer,
		     updated_at = NOW()
		 RETURNING id, updated_at`,
		a.SessionID, a.QuestionID, a.SelectedAnswer, a.TextAnswer,
	).Scan(&a.ID, &a.UpdatedAt)
}

// ListBySession returns all answers for a session.
func (r *AnswerRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Answer, error) {
	rows, err := queryFrom(ctx, r.pool).Query(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, *a)
	}
	return answers, rows.Err()
}

// GetBySessionAndQuestion fetches a single answer of a session.
func (r *AnswerRepository) GetBySessionAndQuestion(ctx context.Context, sessionID, questionID uuid.UUID) (*model.Answer, error) {
	return scanAnswer(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+answerColumns+` FROM answers
		 WHERE session_id = $1 AND question_id = $2`, sessionID, questionID))
}

// SetMarks writes the awarded marks (and optional comment) on one answer.
func (r *AnswerRepository) SetMarks(ctx context.Context, id uuid.UUID, marks float64, comment *string) error {
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`UPDATE answers
		 SET marks_awarded = $1, grading_comment = COALESCE($2, grading_comment), updated_at = NOW()
		 WHERE id = $3`, marks, comment, id)
	return err
}

// BulkSetMarks writes scoring results for a whole session in one statement.
func (r *AnswerRepository) BulkSetMarks(ctx context.Context, ids []uuid.UUID, marks []float64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := queryFrom(ctx, r.pool).Exec(ctx,
		`UPDATE answers AS a
		 SET marks_awarded = t.marks, updated_at = NOW()
		 FROM (
		   SELECT u.id, u.marks
		   FROM UNNEST($1::uuid[], $2::float8[]) AS u (id, marks)
		 ) AS t
		 WHERE a.id = t.id`, ids, marks)
	return err
}
