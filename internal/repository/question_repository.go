package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vigilhq/vigil-backend/internal/model"
)

// QuestionRepository handles question data access.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

const questionColumns = `id, exam_id, question_type, question_text, options,
	correct_answer, marks, negative_marks, order_index`

func scanQuestion(row interface{ Scan(...any) error }) (*model.Question, error) {
	q := &model.Question{}
	var options []byte
	err := row.Scan(&q.ID, &q.ExamID, &q.QuestionType, &q.QuestionText, &options,
		&q.CorrectAnswer, &q.Marks, &q.NegativeMarks, &q.OrderIndex)
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	return q, nil
}

// Create inserts a question into a DRAFT exam.
func (r *QuestionRepository) Create(ctx context.Context, q *model.Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	return queryFrom(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO questions (exam_id, question_type, question_text, options,
		   correct_answer, marks, negative_marks, order_index)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		q.ExamID, q.QuestionType, q.QuestionText, options,
		q.CorrectAnswer, q.Marks, q.NegativeMarks, q.OrderIndex,
	).Scan(&q.ID)
}

// GetByID retrieves one question.
func (r *QuestionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Question, error) {
	return scanQuestion(queryFrom(ctx, r.pool).QueryRow(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
}

// ListByExam returns all questions of an exam ordered by order_index.
func (r *QuestionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := queryFrom(ctx, r.pool).Query(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE exam_id = $1 ORDER BY order_index ASC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, *q)
	}
	return questions, rows.Err()
}

// FindByIDs batch-loads questions in one round-trip, indexed by id. Used by
// scoring so submit never does per-answer lookups.
func (r *QuestionRepository) FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Question, error) {
	result := make(map[uuid.UUID]model.Question, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := queryFrom(ctx, r.pool).Query(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		result[q.ID] = *q
	}
	return result, rows.Err()
}

// Delete removes a question from a DRAFT exam.
func (r *QuestionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := queryFrom(ctx, r.pool).Exec(ctx, `DELETE FROM questions WHERE id = $1`, id)
	return err
}
