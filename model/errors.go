package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrBackendRejected    = "BACKEND_REJECTED"
)

// Review workflow error codes.
const (
	ErrCriticalStage        = "CRITICAL_STAGE"
	ErrConfirmationRequired = "CONFIRMATION_REQUIRED"
)

// ErrorEnvelope is the standard error response envelope returned by casedesk.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`

	// UpstreamStatus is the platform's HTTP status for BACKEND_REJECTED.
	UpstreamStatus int `json:"-"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err to an *ErrorEnvelope if one is in the chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries the given envelope code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The insurance platform is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The insurance platform did not respond in time",
	}
}

// NewBackendRejectedError returns a BACKEND_REJECTED error carrying the
// platform's own message.
func NewBackendRejectedError(status int, detail string) *ErrorEnvelope {
	if detail == "" {
		detail = fmt.Sprintf("The insurance platform rejected the request (status %d)", status)
	}
	return &ErrorEnvelope{
		Code:           ErrBackendRejected,
		Message:        detail,
		UpstreamStatus: status,
	}
}

// NewCriticalStageError returns a CRITICAL_STAGE error for a stage that can
// never be completed manually.
func NewCriticalStageError(stage string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCriticalStage,
		Message: fmt.Sprintf("%s is a critical step and cannot be manually completed", stage),
	}
}

// NewConfirmationRequiredError returns a CONFIRMATION_REQUIRED error.
func NewConfirmationRequiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfirmationRequired, Message: msg}
}
