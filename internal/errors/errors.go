package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Code Stream error code.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"      // 400
	ErrUnauthorized        ErrorCode = "UNAUTHORIZED"         // 401
	ErrForbidden           ErrorCode = "FORBIDDEN"            // 403
	ErrNotFound            ErrorCode = "NOT_FOUND"            // 404
	ErrNotConfigured       ErrorCode = "NOT_CONFIGURED"       // 428
	ErrStoreUnavailable    ErrorCode = "STORE_UNAVAILABLE"    // 503, retryable
	ErrStoreProtocol       ErrorCode = "STORE_PROTOCOL"       // 500
	ErrUpstreamUnreachable ErrorCode = "UPSTREAM_UNREACHABLE" // 502/504, retryable
	ErrUpstreamRejected    ErrorCode = "UPSTREAM_REJECTED"    // 401/403
	ErrUpstreamInvalid     ErrorCode = "UPSTREAM_INVALID"     // 502
	ErrThrottled           ErrorCode = "THROTTLED"            // 429, retryable
	ErrInternal            ErrorCode = "INTERNAL"             // 500
)

// StreamError represents a structured error with code, status, and details.
type StreamError struct {
	Code      ErrorCode
	Status    int
	Message   string
	Retryable bool
	Details   map[string]any

	cause error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *StreamError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for malformed input.
func NewInvalidRequest(msg string) *StreamError {
	return &StreamError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidSessionCode creates a 400 error for a malformed session code.
func NewInvalidSessionCode(code string) *StreamError {
	return &StreamError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: "session code must be exactly 6 alphanumeric characters",
		Details: map[string]any{"length": len(code)},
	}
}

// NewMissingField creates a 400 error for a required field that was not supplied.
func NewMissingField(field string) *StreamError {
	return &StreamError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: fmt.Sprintf("%s is required", field),
		Details: map[string]any{"field": field},
	}
}

// NewUnauthorized creates a 401 error for a missing or invalid caller credential.
func NewUnauthorized(msg string) *StreamError {
	return &StreamError{
		Code:    ErrUnauthorized,
		Status:  401,
		Message: msg,
	}
}

// NewForbidden creates a 403 error for a caller whose role may not perform the operation.
func NewForbidden(msg string) *StreamError {
	return &StreamError{
		Code:    ErrForbidden,
		Status:  403,
		Message: msg,
	}
}

// NewNotFound creates a 404 error. Store lookups report absence as a normal
// result; this is only used at the HTTP boundary.
func NewNotFound(msg string) *StreamError {
	return &StreamError{
		Code:    ErrNotFound,
		Status:  404,
		Message: msg,
	}
}

// NewNotConfigured creates a 428 error when the reader has no writer configured.
func NewNotConfigured(msg string) *StreamError {
	return &StreamError{
		Code:    ErrNotConfigured,
		Status:  428,
		Message: msg,
	}
}

// NewStoreUnavailable creates a retryable 503 error for an unreachable store.
func NewStoreUnavailable(err error) *StreamError {
	return &StreamError{
		Code:      ErrStoreUnavailable,
		Status:    503,
		Message:   "key-value store is unavailable, try again",
		Retryable: true,
		cause:     err,
	}
}

// NewStoreProtocol creates a 500 error for a store protocol or validation failure.
func NewStoreProtocol(err error) *StreamError {
	return &StreamError{
		Code:    ErrStoreProtocol,
		Status:  500,
		Message: "key-value store rejected the request",
		cause:   err,
	}
}

// NewUpstreamUnreachable creates a retryable error when the writer cannot be reached.
// Timeouts map to 504, everything else to 502.
func NewUpstreamUnreachable(msg string, timeout bool, err error) *StreamError {
	status := 502
	if timeout {
		status = 504
	}
	return &StreamError{
		Code:      ErrUpstreamUnreachable,
		Status:    status,
		Message:   msg,
		Retryable: true,
		cause:     err,
	}
}

// NewUpstreamRejected creates an error for a writer that answered but denied the request.
func NewUpstreamRejected(status int, msg string) *StreamError {
	return &StreamError{
		Code:    ErrUpstreamRejected,
		Status:  status,
		Message: msg,
		Details: map[string]any{"upstream_status": status},
	}
}

// NewUpstreamInvalid creates a 502 error when the writer's response cannot be used.
func NewUpstreamInvalid(msg string) *StreamError {
	return &StreamError{
		Code:    ErrUpstreamInvalid,
		Status:  502,
		Message: msg,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *StreamError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &StreamError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// NewThrottled creates a 429 error for a call dropped by a throttle window.
func NewThrottled(window string) *StreamError {
	return &StreamError{
		Code:      ErrThrottled,
		Status:    429,
		Message:   "sync was requested too recently; try again shortly",
		Retryable: true,
		Details:   map[string]any{"window": window},
	}
}

// Is checks if err (or anything it wraps) is a StreamError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *StreamError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// IsRetryable reports whether err is a transient condition the caller may retry.
func IsRetryable(err error) bool {
	var sErr *StreamError
	if stderrors.As(err, &sErr) {
		return sErr.Retryable
	}
	return false
}

// From converts any error into a StreamError. Errors that are already typed
// pass through; anything else becomes INTERNAL.
func From(err error) *StreamError {
	if err == nil {
		return nil
	}
	var sErr *StreamError
	if stderrors.As(err, &sErr) {
		return sErr
	}
	return NewInternal(err)
}
