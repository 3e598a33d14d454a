package gocredit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

func TestAPIError_MatchesTaxonomy(t *testing.T) {
	tests := []struct {
		status       int
		unauthorized bool
		insufficient bool
		notFound     bool
	}{
		{400, false, false, false},
		{401, true, false, false},
		{402, false, true, false},
		{403, true, false, false},
		{404, false, false, true},
		{409, false, true, false},
		{500, false, false, false},
	}

	for _, tt := range tests {
		err := fmt.Errorf("adjust: %w", &gocredit.APIError{StatusCode: tt.status})

		assert.ErrorIs(t, err, gocredit.ErrServerError, "status %d", tt.status)
		assert.Equal(t, tt.unauthorized, errors.Is(err, gocredit.ErrUnauthorized), "status %d", tt.status)
		assert.Equal(t, tt.insufficient, errors.Is(err, gocredit.ErrInsufficientCredits), "status %d", tt.status)
		assert.Equal(t, tt.notFound, errors.Is(err, gocredit.ErrUserNotFound), "status %d", tt.status)
		assert.False(t, errors.Is(err, gocredit.ErrNetworkFailure))
	}
}

func TestAPIError_Error(t *testing.T) {
	assert.Equal(t, "server error: status 502", (&gocredit.APIError{StatusCode: 502}).Error())
	assert.Equal(t, "server error: status 400: bad amount", (&gocredit.APIError{StatusCode: 400, Message: "bad amount"}).Error())
}

func TestIsUnavailable(t *testing.T) {
	assert.False(t, gocredit.IsUnavailable(nil))
	assert.True(t, gocredit.IsUnavailable(fmt.Errorf("get: %w", gocredit.ErrNetworkFailure)))
	assert.True(t, gocredit.IsUnavailable(gocredit.ErrCircuitOpen))
	assert.True(t, gocredit.IsUnavailable(&gocredit.APIError{StatusCode: 503}))
	assert.True(t, gocredit.IsUnavailable(&gocredit.APIError{StatusCode: 404}))
	assert.True(t, gocredit.IsUnavailable(&gocredit.APIError{StatusCode: 501}))

	assert.False(t, gocredit.IsUnavailable(&gocredit.APIError{StatusCode: 400}))
	assert.False(t, gocredit.IsUnavailable(&gocredit.APIError{StatusCode: 403}))
	assert.False(t, gocredit.IsUnavailable(gocredit.ErrDecodeFailure))
	assert.False(t, gocredit.IsUnavailable(&gocredit.ValidationError{Field: "amount", Message: "x"}))
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", &gocredit.ValidationError{Field: "reason", Message: "Reason is required."}, "Reason is required."},
		{"network", fmt.Errorf("dial: %w", gocredit.ErrNetworkFailure), "Unable to reach the server. Check your connection and try again."},
		{"timeout", context.DeadlineExceeded, "Unable to reach the server. Check your connection and try again."},
		{"decode", gocredit.ErrDecodeFailure, "Received an unexpected response from the server."},
		{"not found", &gocredit.APIError{StatusCode: 404, Message: "user not found"}, "User not found."},
		{"server", &gocredit.APIError{StatusCode: 500, Message: "database down"}, "Server error (500). Please try again."},
		{"bad request", &gocredit.APIError{StatusCode: 400, Message: "amount must not be zero"}, "Amount must not be zero"},
		{"bad request without body", &gocredit.APIError{StatusCode: 422}, "Server error (422). Please try again."},
		{"forbidden", &gocredit.APIError{StatusCode: 403}, "You are not authorized to perform this action."},
		{"insufficient", &gocredit.APIError{StatusCode: 409, Message: "insufficient credits"}, "The balance is too low for this change."},
		{"circuit", gocredit.ErrCircuitOpen, "The service is temporarily unavailable. Please try again shortly."},
		{"in flight", gocredit.ErrSubmitInFlight, "An adjustment is already being submitted."},
		{"cancelled", context.Canceled, "Request was cancelled."},
		{"unknown", errors.New("boom"), "Something went wrong. Please try again."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gocredit.UserMessage(tt.err))
		})
	}
}
