package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamSession represents one student's single attempt at one exam.
// The version column backs optimistic concurrency: every state mutation loads
// the row, mutates in memory, and writes back with a version check. Heartbeat
// touches update last_heartbeat_at directly, without the check.
type ExamSession struct {
	ID               uuid.UUID  `json:"id"`
	EnrollmentID     uuid.UUID  `json:"enrollment_id"`
	ExamID           uuid.UUID  `json:"exam_id"`
	UserID           uuid.UUID  `json:"user_id"`
	StartedAt        time.Time  `json:"started_at"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	LastHeartbeatAt  time.Time  `json:"last_heartbeat_at"`
	IdentityVerified bool       `json:"identity_verified"`
	IsSuspended      bool       `json:"is_suspended"`
	SuspensionReason *string    `json:"suspension_reason,omitempty"`
	SuspendedAt      *time.Time `json:"suspended_at,omitempty"`
	ExtendedEndAt    *time.Time `json:"extended_end_at,omitempty"`
	IPAddress        string     `json:"ip_address"`
	UserAgent        string     `json:"user_agent"`
	Score            *float64   `json:"score,omitempty"`
	IsPassed         *bool      `json:"is_passed,omitempty"`
	Version          int64      `json:"-"`
}

// IsOpen reports whether the attempt is still running (not submitted).
func (s *ExamSession) IsOpen() bool {
	return s.SubmittedAt == nil
}

// EffectiveDeadline is the session's deadline: the per-session extension when
// the session was reinstated after suspension, the exam end otherwise.
func (s *ExamSession) EffectiveDeadline(exam *Exam) time.Time {
	if s.ExtendedEndAt != nil {
		return *s.ExtendedEndAt
	}
	return exam.EndTime
}

// SaveAnswerRequest upserts one answer for the session.
type SaveAnswerRequest struct {
	QuestionID     uuid.UUID `json:"question_id" binding:"required"`
	SelectedAnswer *string   `json:"selected_answer" binding:"omitempty,max=10"`
	TextAnswer     *string   `json:"text_answer" binding:"omitempty,max=8000"`
}

// SuspendRequest carries the reason for a manual suspension.
type SuspendRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=500"`
}

// ReinstateRequest optionally notes why the session was reinstated.
type ReinstateRequest struct {
	Reason string `json:"reason" binding:"omitempty,max=500"`
}

// VerifyIdentityRequest carries the live selfie for identity matching.
type VerifyIdentityRequest struct {
	SelfieBase64 string `json:"selfie_base64" binding:"required"`
}

// GradeAnswerRequest is the payload for manual short-answer grading.
type GradeAnswerRequest struct {
	QuestionID uuid.UUID `json:"question_id" binding:"required"`
	Marks      float64   `json:"marks" binding:"min=0"`
	Comment    string    `json:"comment" binding:"omitempty,max=1000"`
}
