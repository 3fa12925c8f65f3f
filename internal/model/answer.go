package model

import (
	"time"

	"github.com/google/uuid"
)

// Answer is the student's response to one question. (session, question) is unique.
type Answer struct {
	ID             uuid.UUID `json:"id"`
	SessionID      uuid.UUID `json:"session_id"`
	QuestionID     uuid.UUID `json:"question_id"`
	SelectedAnswer *string   `json:"selected_answer,omitempty"`
	TextAnswer     *string   `json:"text_answer,omitempty"`
	MarksAwarded   *float64  `json:"marks_awarded,omitempty"`
	GradingComment *string   `json:"grading_comment,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
