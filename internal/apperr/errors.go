// Package apperr defines the error kinds surfaced to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrConflict          = errors.New("conflict")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInvalidInput      = errors.New("invalid input")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrExpired           = errors.New("expired")
	ErrRetryable         = errors.New("temporarily unavailable, retry")
)

type kindInfo struct {
	err    error
	name   string
	status int
}

// Order matters: an expired invite wraps both ErrInvalidInput and ErrExpired
// and must report InvalidInput.
var kinds = []kindInfo{
	{ErrValidation, "ValidationError", http.StatusBadRequest},
	{ErrInvalidInput, "InvalidInput", http.StatusBadRequest},
	{ErrNotFound, "NotFound", http.StatusNotFound},
	{ErrPermissionDenied, "PermissionDenied", http.StatusForbidden},
	{ErrConflict, "Conflict", http.StatusConflict},
	{ErrInvalidOperation, "InvalidOperation", http.StatusUnprocessableEntity},
	{ErrResourceExhausted, "ResourceExhausted", http.StatusTooManyRequests},
	{ErrExpired, "Expired", http.StatusGone},
	{ErrRetryable, "Retryable", http.StatusServiceUnavailable},
}

// Errorf wraps kind with a formatted detail message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the client-facing name of err's kind, or "Internal".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// PublicMessage returns a message safe to send to clients. Errors outside the
// known kinds are reported generically.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if Kind(err) == "Internal" {
		return "internal error"
	}
	return err.Error()
}
