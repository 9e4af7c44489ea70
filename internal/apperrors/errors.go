package apperrors

import (
	"errors"
	"net/http"
	"strings"
)

// Code is the stable machine-readable error code returned to callers.
type Code string

const (
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeAlreadyProcessed      Code = "ALREADY_PROCESSED"
	CodeImmutabilityViolation Code = "IMMUTABILITY_VIOLATION"
	CodeValidationFailure     Code = "VALIDATION_FAILURE"
	CodeNotFound              Code = "NOT_FOUND"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeTransientInfra        Code = "TRANSIENT_INFRA"
	CodeExhausted             Code = "EXHAUSTED"
	CodeInternal              Code = "INTERNAL"
)

// HTTPStatus maps a code to the status used by the API layer.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidTransition, CodeImmutabilityViolation:
		return http.StatusConflict
	case CodeAlreadyProcessed:
		return http.StatusOK
	case CodeValidationFailure:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeTransientInfra, CodeExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Terminal reports whether errors with this code must never be retried.
func (c Code) Terminal() bool {
	switch c {
	case CodeTransientInfra:
		return false
	default:
		return true
	}
}

// Error is the engine error type. Message is safe to show to callers;
// Cause carries internal detail and is only logged.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code so callers can write errors.Is(err, apperrors.ErrNotFound).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrInvalidTransition     = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrAlreadyProcessed      = &Error{Code: CodeAlreadyProcessed, Message: "already processed"}
	ErrImmutabilityViolation = &Error{Code: CodeImmutabilityViolation, Message: "report is immutable once issued"}
	ErrValidationFailure     = &Error{Code: CodeValidationFailure, Message: "validation failed"}
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "not found"}
	ErrPermissionDenied      = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrTransientInfra        = &Error{Code: CodeTransientInfra, Message: "temporary infrastructure failure"}
	ErrExhausted             = &Error{Code: CodeExhausted, Message: "retry budget exhausted"}
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func InvalidTransition(resource, from, to string) *Error {
	return WithMetadata(CodeInvalidTransition, "transition "+from+" -> "+to+" is not allowed for "+resource,
		map[string]string{"resource": resource, "from": from, "to": to})
}

func NotFound(resource, id string) *Error {
	return WithMetadata(CodeNotFound, resource+" not found", map[string]string{"resource": resource, "id": id})
}

func PermissionDenied(permission string) *Error {
	return WithMetadata(CodePermissionDenied, "permission denied: "+permission, map[string]string{"permission": permission})
}

func Validation(message string, reasons []string) *Error {
	return WithMetadata(CodeValidationFailure, message, map[string]string{"reasons": strings.Join(reasons, "; ")})
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
