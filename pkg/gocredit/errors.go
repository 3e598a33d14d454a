package gocredit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNetworkFailure is returned when the backend could not be reached (no connectivity, timeout)
	ErrNetworkFailure = errors.New("network failure")

	// ErrServerError is returned when the backend answered with a non-2xx status
	ErrServerError = errors.New("server error")

	// ErrDecodeFailure is returned when a backend response is not the expected JSON
	ErrDecodeFailure = errors.New("decode failure")

	// ErrValidationFailure is returned when local input is rejected before any network call
	ErrValidationFailure = errors.New("validation failure")

	// ErrUnauthorized is returned for 401/403 responses
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidTransition is returned when an operation is not allowed in the current state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotConfirmed is returned when Submit is called without a pending confirmation
	ErrNotConfirmed = errors.New("adjustment not confirmed")

	// ErrSubmitInFlight is returned when an adjustment is already being submitted
	ErrSubmitInFlight = errors.New("adjustment already in flight")

	// ErrUserNotFound is returned when a user does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrInsufficientCredits is returned when an adjustment would make a balance negative
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrIdempotencyKeyExists is returned by storage when a key was already processed
	ErrIdempotencyKeyExists = errors.New("idempotency key already processed")

	// ErrStorageUnavailable is returned when a component is created without storage
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// APIError describes a non-2xx backend response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("server error: status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match APIError against the taxonomy sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrServerError:
		return true
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrInsufficientCredits:
		return e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusPaymentRequired
	case ErrUserNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// ValidationError describes a rejected input field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failure: %s: %s", e.Field, e.Message)
}

// Unwrap returns ErrValidationFailure
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailure
}

// IsUnavailable reports whether err means the backend endpoint cannot currently serve
// requests, as opposed to rejecting this particular request.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkFailure) || errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusNotFound ||
			apiErr.StatusCode == http.StatusNotImplemented
	}
	return false
}

// UserMessage converts any error into a message suitable for an inline error card
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var validationErr *ValidationError
	var apiErr *APIError

	switch {
	case errors.As(err, &validationErr):
		return validationErr.Message
	case errors.Is(err, ErrSubmitInFlight):
		return "An adjustment is already being submitted."
	case errors.Is(err, ErrCircuitOpen):
		return "The service is temporarily unavailable. Please try again shortly."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrNetworkFailure):
		return "Unable to reach the server. Check your connection and try again."
	case errors.Is(err, ErrDecodeFailure):
		return "Received an unexpected response from the server."
	case errors.Is(err, ErrUnauthorized):
		return "You are not authorized to perform this action."
	case errors.Is(err, ErrInsufficientCredits):
		return "The balance is too low for this change."
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == http.StatusNotFound {
			return "User not found."
		}
		if apiErr.Message != "" && apiErr.StatusCode < 500 {
			return capitalize(apiErr.Message)
		}
		return fmt.Sprintf("Server error (%d). Please try again.", apiErr.StatusCode)
	case errors.Is(err, ErrValidationFailure):
		return "Please check the entered values."
	case errors.Is(err, context.Canceled):
		return "Request was cancelled."
	default:
		return "Something went wrong. Please try again."
	}
}

func capitalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
