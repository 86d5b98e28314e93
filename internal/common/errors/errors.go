// Package errors provides the client-facing error type shared by the chat adapters.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/session"
)

// Error codes as sent to clients.
const (
	ErrCodeSessionBusy      = "session_busy"
	ErrCodeSessionNotFound  = "session_not_found"
	ErrCodeInvalidSessionID = "invalid_session_id"
	ErrCodeConnectionFailed = "connection_failed"
	ErrCodeStreamAborted    = "stream_aborted"
	ErrCodeValidationError  = "validation_error"
	ErrCodeNotJoined        = "not_joined"
	ErrCodeUnavailable      = "service_unavailable"
	ErrCodeInternalError    = "internal_error"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotJoined is returned by the persistent adapter for frames sent before a join.
func NotJoined() *AppError {
	return &AppError{
		Code:       ErrCodeNotJoined,
		Message:    "join a room before sending messages",
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// FromSession maps registry and backend failures onto client-facing errors.
// Errors that are already an AppError pass through unchanged.
func FromSession(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, session.ErrInvalidSessionID):
		return &AppError{Code: ErrCodeInvalidSessionID, Message: "session id must be a UUID", HTTPStatus: http.StatusBadRequest, Err: err}
	case errors.Is(err, session.ErrSessionNotFound):
		return &AppError{Code: ErrCodeSessionNotFound, Message: "session not found", HTTPStatus: http.StatusNotFound, Err: err}
	case errors.Is(err, session.ErrSessionBusy), errors.Is(err, backend.ErrTurnInProgress):
		return &AppError{Code: ErrCodeSessionBusy, Message: "a turn is already in progress for this session", HTTPStatus: http.StatusConflict, Err: err}
	case errors.Is(err, session.ErrRegistryClosed):
		return &AppError{Code: ErrCodeUnavailable, Message: "server is shutting down", HTTPStatus: http.StatusServiceUnavailable, Err: err}
	case errors.Is(err, backend.ErrConnectionFailed), errors.Is(err, backend.ErrResumeFailed):
		return &AppError{Code: ErrCodeConnectionFailed, Message: "could not connect to the agent backend", HTTPStatus: http.StatusBadGateway, Err: err}
	case errors.Is(err, backend.ErrStreamAborted), errors.Is(err, backend.ErrClosed):
		return &AppError{Code: ErrCodeStreamAborted, Message: "the agent stream ended unexpectedly", HTTPStatus: http.StatusBadGateway, Err: err}
	}
	return InternalError("unexpected error", err)
}
