package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error independent of transport. Handlers map kinds to
// HTTP status codes; workers use them to decide retry vs. drop vs. DLQ.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindUnauthenticated  Kind = "UNAUTHENTICATED"
	KindForbidden        Kind = "FORBIDDEN"
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindPrecondition     Kind = "PRECONDITION"
	KindConcurrentModify Kind = "CONCURRENT_MODIFICATION"
	KindTransient        Kind = "TRANSIENT"
	KindInferenceDown    Kind = "INFERENCE_UNAVAILABLE"
	KindDLQRoute         Kind = "DLQ_ROUTE"
	KindFatal            Kind = "FATAL"
)

// Error carries a kind, a stable machine-readable code and an optional cause.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without a cause.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap builds an Error around a cause.
func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// KindOf extracts the kind of err, or KindFatal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindFatal
}

// CodeOf extracts the machine-readable code of err, or "INTERNAL_ERROR".
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "INTERNAL_ERROR"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
