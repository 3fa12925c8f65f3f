package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vigilhq/vigil-backend/internal/apperror"
	"github.com/vigilhq/vigil-backend/internal/model"
)

// shuffleOrderGrace pads the shuffle-order TTL past the exam duration so a
// reconnecting student keeps the same permutation until the attempt is over.
const shuffleOrderGrace = 30 * time.Minute

// QuestionsForSession returns the session's question paper in the student's
// personal order. The permutation is fixed on first delivery with
// set-if-absent semantics, so two concurrent starts never interleave; repeat
// calls within the TTL rehydrate the same sequence. Option order is
// re-shuffled per response when the exam asks for it.
func (s *SessionService) QuestionsForSession(ctx context.Context, sessionID uuid.UUID) ([]model.QuestionForStudent, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	exam, err := s.exams.GetByID(ctx, session.ExamID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.New(apperror.KindNotFound, "NOT_FOUND", "exam not found")
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}

	questions, err := s.questions.ListByExam(ctx, session.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	byID := make(map[string]*model.Question, len(questions))
	for i := range questions {
		byID[questions[i].ID.String()] = &questions[i]
	}

	order, err := s.cache.GetShuffleOrder(ctx, session.ExamID, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("read shuffle order: %w", err)
	}
	if order == nil {
		ids := make([]string, len(questions))
		for i, q := range questions {
			ids[i] = q.ID.String()
		}
		if exam.ShuffleQuestions {
			rand.Shuffle(len(ids), func(i, j int) {
				ids[i], ids[j] = ids[j], ids[i]
			})
		}
		ttl := time.Duration(exam.DurationMinutes)*time.Minute + shuffleOrderGrace
		order, err = s.cache.SetShuffleOrderNX(ctx, session.ExamID, session.UserID, ids, ttl)
		if err != nil {
			return nil, fmt.Errorf("store shuffle order: %w", err)
		}
	}

	paper := make([]model.QuestionForStudent, 0, len(order))
	for _, id := range order {
		q, ok := byID[id]
		if !ok {
			continue // question removed after the order was cached
		}
		options := q.Options
		if exam.ShuffleOptions && q.QuestionType == model.QuestionTypeMCQ {
			options = shuffledOptions(q.Options)
		}
		paper = append(paper, q.ForStudent(options))
	}
	return paper, nil
}

func shuffledOptions(options []model.Option) []model.Option {
	shuffled := make([]model.Option, len(options))
	copy(shuffled, options)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}
