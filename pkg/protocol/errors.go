package protocol

import (
	"fmt"
	"net/http"
)

// Code identifies a contract error class. The wire form is SCREAMING_SNAKE.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeInvalidParams       Code = "INVALID_PARAMS"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeTaskNotFound        Code = "TASK_NOT_FOUND"
	CodeLoopNotFound        Code = "LOOP_NOT_FOUND"
	CodeSessionNotFound     Code = "PLANNING_SESSION_NOT_FOUND"
	CodeCollectionNotFound  Code = "COLLECTION_NOT_FOUND"
	CodeMethodNotFound      Code = "METHOD_NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodePreconditionFailed  Code = "PRECONDITION_FAILED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeTimeout             Code = "TIMEOUT"
	CodeConfigInvalid       Code = "CONFIG_INVALID"
	CodeServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	CodeBackpressureDropped Code = "BACKPRESSURE_DROPPED"
	CodeInternal            Code = "INTERNAL"
)

// HTTPStatus maps a code to its fixed HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest, CodeInvalidParams, CodeConfigInvalid:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeTaskNotFound, CodeLoopNotFound,
		CodeSessionNotFound, CodeCollectionNotFound, CodeMethodNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeIdempotencyConflict:
		return http.StatusConflict
	case CodePreconditionFailed:
		return http.StatusPreconditionFailed
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeServiceUnavailable, CodeBackpressureDropped:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may safely retry the failed call.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeTimeout, CodeServiceUnavailable, CodeBackpressureDropped:
		return true
	default:
		return false
	}
}

// Error is the contract error carried through dispatch and rendered into
// error envelopes. RequestID and Method are filled by the runtime for
// logging; they never appear on the wire.
type Error struct {
	Code      Code
	Message   string
	Details   any
	RequestID string
	Method    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails attaches a structured details payload and returns the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithContext records the originating request id and method.
func (e *Error) WithContext(requestID, method string) *Error {
	e.RequestID = requestID
	e.Method = method
	return e
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func NewInvalidRequest(message string) *Error { return newError(CodeInvalidRequest, message) }
func NewInvalidParams(message string) *Error  { return newError(CodeInvalidParams, message) }
func NewUnauthorized(message string) *Error   { return newError(CodeUnauthorized, message) }
func NewForbidden(message string) *Error      { return newError(CodeForbidden, message) }
func NewNotFound(message string) *Error       { return newError(CodeNotFound, message) }
func NewTaskNotFound(message string) *Error   { return newError(CodeTaskNotFound, message) }
func NewLoopNotFound(message string) *Error   { return newError(CodeLoopNotFound, message) }
func NewSessionNotFound(message string) *Error {
	return newError(CodeSessionNotFound, message)
}
func NewCollectionNotFound(message string) *Error {
	return newError(CodeCollectionNotFound, message)
}
func NewConflict(message string) *Error { return newError(CodeConflict, message) }
func NewIdempotencyConflict(message string) *Error {
	return newError(CodeIdempotencyConflict, message)
}
func NewPreconditionFailed(message string) *Error {
	return newError(CodePreconditionFailed, message)
}
func NewTimeout(message string) *Error       { return newError(CodeTimeout, message) }
func NewConfigInvalid(message string) *Error { return newError(CodeConfigInvalid, message) }
func NewServiceUnavailable(message string) *Error {
	return newError(CodeServiceUnavailable, message)
}
func NewInternal(message string) *Error { return newError(CodeInternal, message) }

// NewMethodNotFound builds the fixed-form catalog miss error.
func NewMethodNotFound(method string) *Error {
	return newError(CodeMethodNotFound,
		fmt.Sprintf("method '%s' is not supported by rpc v1", method)).
		WithDetails(map[string]any{"method": method})
}
