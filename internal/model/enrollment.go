package model

import (
	"time"

	"github.com/google/uuid"
)

// EnrollmentStatus tracks a student's standing in one exam.
// FLAGGED is terminal for the attempt.
type EnrollmentStatus string

const (
	EnrollmentStatusRegistered EnrollmentStatus = "REGISTERED"
	EnrollmentStatusOngoing    EnrollmentStatus = "ONGOING"
	EnrollmentStatusCompleted  EnrollmentStatus = "COMPLETED"
	EnrollmentStatusFlagged    EnrollmentStatus = "FLAGGED"
	EnrollmentStatusAbsent     EnrollmentStatus = "ABSENT"
)

// ExamEnrollment links one student to one exam. (exam, user) is unique.
type ExamEnrollment struct {
	ID        uuid.UUID        `json:"id"`
	ExamID    uuid.UUID        `json:"exam_id"`
	UserID    uuid.UUID        `json:"user_id"`
	Status    EnrollmentStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ExamProctor assigns a proctor to an exam.
type ExamProctor struct {
	ID        uuid.UUID `json:"id"`
	ExamID    uuid.UUID `json:"exam_id"`
	ProctorID uuid.UUID `json:"proctor_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EnrollRequest is the payload for enrolling a student into an exam.
type EnrollRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}
