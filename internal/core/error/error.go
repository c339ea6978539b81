package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// NotFoundMessage describes a missing conversation, query, message or user.
	NotFoundMessage = "resource not found"
	// UpstreamErrorMessage describes failures of an external collaborator.
	UpstreamErrorMessage = "upstream collaborator failed"
)

// ErrNotFound is the sentinel every not-found AppError unwraps to.
var ErrNotFound = errors.New("not found")

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// NotFound reports a missing resource. The result matches ErrNotFound.
func NotFound(kind, id string) *AppError {
	return &AppError{
		Err:     fmt.Errorf("%s %q: %w", kind, id, ErrNotFound),
		Status:  http.StatusNotFound,
		Message: NotFoundMessage,
	}
}

// Upstream wraps an error returned by an external collaborator.
func Upstream(err error, collaborator string) error {
	if err == nil {
		return nil
	}
	return &AppError{
		Err:     fmt.Errorf("%s: %w", collaborator, err),
		Status:  http.StatusBadGateway,
		Message: UpstreamErrorMessage,
	}
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StatusOf returns the HTTP status carried by err, or 500 when it carries none.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}
