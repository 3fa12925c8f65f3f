package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vigilhq/vigil-backend/internal/apperror"
)

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"
	ErrTokenRevoked       ErrCode = "TOKEN_REVOKED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden ErrCode = "FORBIDDEN"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Session engine ────────────────────────────────────────────────
	ErrSessionConflict   ErrCode = "SESSION_CONFLICT"
	ErrExamNotActive     ErrCode = "EXAM_NOT_ACTIVE"
	ErrSessionSuspended  ErrCode = "SESSION_SUSPENDED"
	ErrSessionSubmitted  ErrCode = "SESSION_SUBMITTED"
	ErrQuestionNotInExam ErrCode = "QUESTION_NOT_IN_EXAM"
	ErrSuspensionSticky  ErrCode = "SUSPENSION_STICKY"

	// ─── External collaborators ────────────────────────────────────────
	ErrInferenceUnavailable ErrCode = "INFERENCE_UNAVAILABLE"
	ErrServiceUnavailable   ErrCode = "SERVICE_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrInvalidCredentials:
		return "Email or password is incorrect."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is not valid."
	case ErrTokenExpired:
		return "The authentication token has expired."
	case ErrTokenRevoked:
		return "The authentication token has been revoked."
	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "The identifier format is not valid."
	case ErrInvalidPayload:
		return "The request payload is not valid."
	case ErrNotFound:
		return "The requested resource was not found."
	case ErrConflict:
		return "The resource already exists."
	case ErrSessionConflict:
		return "An active exam session already exists."
	case ErrExamNotActive:
		return "The exam is not currently open."
	case ErrSessionSuspended:
		return "The session has been suspended."
	case ErrSessionSubmitted:
		return "The session has already been submitted."
	case ErrQuestionNotInExam:
		return "The question does not belong to this exam."
	case ErrSuspensionSticky:
		return "The attempt has been flagged and cannot continue."
	case ErrInferenceUnavailable:
		return "Identity verification is temporarily unavailable. Please retry."
	case ErrServiceUnavailable:
		return "A backing service is temporarily unavailable. Please retry."
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}

// statusFor maps transport-neutral error kinds onto HTTP statuses.
func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperror.KindForbidden:
		return http.StatusForbidden
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindConflict, apperror.KindConcurrentModify:
		return http.StatusConflict
	case apperror.KindPrecondition:
		return http.StatusUnprocessableEntity
	case apperror.KindTransient, apperror.KindInferenceDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromError maps a service error onto the response envelope. Unclassified
// errors surface as 500 with their context logged by the caller.
func FromError(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	code := ErrCode(apperror.CodeOf(err))
	c.JSON(statusFor(kind), Response{
		Error:    &ErrorBody{Code: code, Message: GetMessage(code)},
		Metadata: buildMetadata(c),
	})
}
