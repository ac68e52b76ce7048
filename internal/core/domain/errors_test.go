package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeValidation, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      &APIError{Type: ErrorTypeRateLimit, Code: ErrorCodeRateLimitExceeded, Message: "rate limited"},
			expected: "rate_limit (rate_limit_exceeded): rate limited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"validation", ErrValidation("input", "input is required"), http.StatusBadRequest},
		{"authentication", ErrAuthentication("missing credential"), http.StatusUnauthorized},
		{"agent not found", ErrAgentNotFound("x"), http.StatusNotFound},
		{"rate limited", ErrRateLimited(time.Second), http.StatusTooManyRequests},
		{"upstream", ErrUpstream("both stages failed"), http.StatusInternalServerError},
		{"upstream timeout", ErrUpstreamTimeout("deadline"), http.StatusInternalServerError},
		{"internal", ErrInternal("boom"), http.StatusInternalServerError},
		{"explicit status", ErrInternal("unavailable").WithStatusCode(http.StatusServiceUnavailable), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestErrRateLimited_CarriesRetryAfter(t *testing.T) {
	err := ErrRateLimited(42 * time.Second)
	if err.RetryAfter != 42*time.Second {
		t.Errorf("RetryAfter = %v, want 42s", err.RetryAfter)
	}
	if err.Code != ErrorCodeRateLimitExceeded {
		t.Errorf("Code = %v, want %v", err.Code, ErrorCodeRateLimitExceeded)
	}
}

func TestAsAPIError(t *testing.T) {
	t.Run("passes through wrapped APIError", func(t *testing.T) {
		orig := ErrAgentNotFound("abc")
		got := AsAPIError(fmt.Errorf("resolve: %w", orig))
		if got != orig {
			t.Errorf("AsAPIError() = %v, want original", got)
		}
	})

	t.Run("deadline becomes upstream timeout", func(t *testing.T) {
		got := AsAPIError(fmt.Errorf("call: %w", context.DeadlineExceeded))
		if got.Type != ErrorTypeUpstreamTimeout {
			t.Errorf("Type = %v, want %v", got.Type, ErrorTypeUpstreamTimeout)
		}
		if !errors.Is(got, context.DeadlineExceeded) {
			t.Error("expected cause to be preserved")
		}
	})

	t.Run("unknown becomes internal", func(t *testing.T) {
		got := AsAPIError(errors.New("disk on fire"))
		if got.Type != ErrorTypeServer {
			t.Errorf("Type = %v, want %v", got.Type, ErrorTypeServer)
		}
		if got.Message == "disk on fire" {
			t.Error("internal message must not leak the cause")
		}
	})

	t.Run("nil", func(t *testing.T) {
		if AsAPIError(nil) != nil {
			t.Error("expected nil")
		}
	})
}

func TestAPIError_Chaining(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewAPIError(ErrorTypeUpstream, "test").
		WithCode(ErrorCodeAllStagesFailed).
		WithParam("input").
		WithDetails("workflow: 502").
		WithCause(cause)

	if err.Code != ErrorCodeAllStagesFailed {
		t.Errorf("Code = %v, want %v", err.Code, ErrorCodeAllStagesFailed)
	}
	if err.Param != "input" {
		t.Errorf("Param = %q, want %q", err.Param, "input")
	}
	if err.Details != "workflow: 502" {
		t.Errorf("Details = %q", err.Details)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}
