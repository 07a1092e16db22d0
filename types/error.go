package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the relay.
type ErrorCode string

// Lookup and validation error codes
const (
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInvalidEvent      ErrorCode = "INVALID_EVENT"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrAlreadyExists     ErrorCode = "ALREADY_EXISTS"
	ErrStoreClosed       ErrorCode = "STORE_CLOSED"
)

// Delegation error codes
const (
	ErrProtocol       ErrorCode = "PROTOCOL_ERROR"
	ErrTransport      ErrorCode = "TRANSPORT_ERROR"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrCycleDetected  ErrorCode = "CYCLE_DETECTED"
	ErrAgentExecution ErrorCode = "AGENT_EXECUTION_ERROR"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Admission error codes
const (
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Retryable  bool           `json:"retryable"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithDetail attaches a detail key/value.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HTTPStatusFor maps an error to the status the HTTP layer should answer with.
func HTTPStatusFor(err error) int {
	e, ok := AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch e.Code {
	case ErrNotFound, ErrAgentNotFound:
		return http.StatusNotFound
	case ErrInvalidRequest, ErrInvalidEvent:
		return http.StatusBadRequest
	case ErrInvalidTransition, ErrAlreadyExists:
		return http.StatusConflict
	case ErrRateLimited, ErrBudgetExceeded:
		return http.StatusTooManyRequests
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrTransport, ErrProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
