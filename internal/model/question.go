package model

import (
	"github.com/google/uuid"
)

// QuestionType distinguishes auto-graded from manually-graded questions.
type QuestionType string

const (
	QuestionTypeMCQ         QuestionType = "MCQ"
	QuestionTypeShortAnswer QuestionType = "SHORT_ANSWER"
)

// Option is one MCQ choice.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Question represents a single exam question.
type Question struct {
	ID            uuid.UUID    `json:"id"`
	ExamID        uuid.UUID    `json:"exam_id"`
	QuestionType  QuestionType `json:"question_type"`
	QuestionText  string       `json:"question_text"`
	Options       []Option     `json:"options,omitempty"`
	CorrectAnswer string       `json:"-"`
	Marks         float64      `json:"marks"`
	NegativeMarks float64      `json:"negative_marks"`
	OrderIndex    int          `json:"order_index"`
}

// ForStudent strips the correct answer for delivery to students.
// Options are pre-shuffled by the caller when the exam asks for it.
func (q *Question) ForStudent(options []Option) QuestionForStudent {
	return QuestionForStudent{
		ID:           q.ID,
		QuestionType: q.QuestionType,
		QuestionText: q.QuestionText,
		Options:      options,
		Marks:        q.Marks,
		OrderIndex:   q.OrderIndex,
	}
}

// QuestionForStudent is a question without the correct answer.
type QuestionForStudent struct {
	ID           uuid.UUID    `json:"id"`
	QuestionType QuestionType `json:"question_type"`
	QuestionText string       `json:"question_text"`
	Options      []Option     `json:"options,omitempty"`
	Marks        float64      `json:"marks"`
	OrderIndex   int          `json:"order_index"`
}

// AddQuestionRequest is the payload for adding a question to a DRAFT exam.
type AddQuestionRequest struct {
	QuestionType  string   `json:"question_type" binding:"required,oneof=MCQ SHORT_ANSWER"`
	QuestionText  string   `json:"question_text" binding:"required,min=1,max=4000"`
	Options       []Option `json:"options" binding:"omitempty,dive"`
	CorrectAnswer string   `json:"correct_answer" binding:"omitempty,max=10"`
	Marks         float64  `json:"marks" binding:"required,gt=0"`
	NegativeMarks float64  `json:"negative_marks" binding:"min=0"`
	OrderIndex    int      `json:"order_index" binding:"min=0"`
}
