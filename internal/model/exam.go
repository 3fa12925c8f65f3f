package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
// Transitions are monotonic: DRAFT → PUBLISHED → ONGOING → COMPLETED.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusOngoing   ExamStatus = "ONGOING"
	ExamStatusCompleted ExamStatus = "COMPLETED"
)

// Exam represents an exam entity.
type Exam struct {
	ID               uuid.UUID  `json:"id"`
	Title            string     `json:"title"`
	Subject          string     `json:"subject"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	DurationMinutes  int        `json:"duration_minutes"`
	TotalMarks       float64    `json:"total_marks"`
	PassingMarks     float64    `json:"passing_marks"`
	ShuffleQuestions bool       `json:"shuffle_questions"`
	ShuffleOptions   bool       `json:"shuffle_options"`
	AllowLateEntry   bool       `json:"allow_late_entry"`
	Status           ExamStatus `json:"status"`
	IsDeleted        bool       `json:"-"`
	CreatedBy        uuid.UUID  `json:"created_by"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CreateExamRequest is the payload for creating a new exam (DRAFT).
type CreateExamRequest struct {
	Title            string    `json:"title" binding:"required,min=3,max=255"`
	Subject          string    `json:"subject" binding:"required,min=2,max=100"`
	StartTime        time.Time `json:"start_time" binding:"required"`
	EndTime          time.Time `json:"end_time" binding:"required,gtfield=StartTime"`
	DurationMinutes  int       `json:"duration_minutes" binding:"required,min=1,max=480"`
	TotalMarks       float64   `json:"total_marks" binding:"required,gt=0"`
	PassingMarks     float64   `json:"passing_marks" binding:"min=0,ltefield=TotalMarks"`
	ShuffleQuestions bool      `json:"shuffle_questions"`
	ShuffleOptions   bool      `json:"shuffle_options"`
	AllowLateEntry   bool      `json:"allow_late_entry"`
}

// UpdateExamRequest is the payload for updating a DRAFT exam.
type UpdateExamRequest struct {
	Title            string     `json:"title" binding:"omitempty,min=3,max=255"`
	Subject          string     `json:"subject" binding:"omitempty,min=2,max=100"`
	StartTime        *time.Time `json:"start_time" binding:"omitempty"`
	EndTime          *time.Time `json:"end_time" binding:"omitempty"`
	DurationMinutes  *int       `json:"duration_minutes" binding:"omitempty,min=1,max=480"`
	TotalMarks       *float64   `json:"total_marks" binding:"omitempty,gt=0"`
	PassingMarks     *float64   `json:"passing_marks" binding:"omitempty,min=0"`
	ShuffleQuestions *bool      `json:"shuffle_questions"`
	ShuffleOptions   *bool      `json:"shuffle_options"`
	AllowLateEntry   *bool      `json:"allow_late_entry"`
}
