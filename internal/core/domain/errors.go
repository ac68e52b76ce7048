// Package domain holds the data model of the dispatch engine and its error taxonomy.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the category of an engine error.
type ErrorType string

const (
	// ErrorTypeValidation indicates a malformed or incomplete request.
	ErrorTypeValidation ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates a missing or invalid caller credential.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeNotFound indicates an unknown or inactive resource.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates the caller's quota is exhausted.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeUpstreamTimeout indicates an upstream stage exceeded its deadline.
	ErrorTypeUpstreamTimeout ErrorType = "upstream_timeout"

	// ErrorTypeUpstream indicates an upstream stage failed.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeServer indicates an unexpected internal failure.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeAgentNotFound     ErrorCode = "agent_not_found"
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey     ErrorCode = "invalid_api_key"
	ErrorCodeMissingAPIKey     ErrorCode = "missing_api_key"
	ErrorCodeAllStagesFailed   ErrorCode = "all_stages_failed"
)

// APIError is the canonical error surfaced to HTTP callers.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the stable, caller-visible error string
	Message string `json:"message"`

	// Param is the request field that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// Details is a sanitized description of upstream failures
	Details string `json:"details,omitempty"`

	// RetryAfter is set for rate limit errors
	RetryAfter time.Duration `json:"-"`

	// StatusCode overrides the default HTTP status mapping
	StatusCode int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithDetails attaches a sanitized detail string.
func (e *APIError) WithDetails(details string) *APIError {
	e.Details = details
	return e
}

// WithCause records the underlying error for errors.Is/As.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// ErrValidation creates a validation error for the named field.
func ErrValidation(param, message string) *APIError {
	return NewAPIError(ErrorTypeValidation, message).WithParam(param)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrAgentNotFound creates the error for an unknown or inactive agent.
func ErrAgentNotFound(agentID string) *APIError {
	return NewAPIError(ErrorTypeNotFound, fmt.Sprintf("agent %q not found or inactive", agentID)).
		WithCode(ErrorCodeAgentNotFound)
}

// ErrRateLimited creates a rate limit error carrying a retry hint.
func ErrRateLimited(retryAfter time.Duration) *APIError {
	e := NewAPIError(ErrorTypeRateLimit, "rate limit exceeded").
		WithCode(ErrorCodeRateLimitExceeded)
	e.RetryAfter = retryAfter
	return e
}

// ErrUpstream creates an upstream failure error.
func ErrUpstream(details string) *APIError {
	return NewAPIError(ErrorTypeUpstream, "agent execution failed").
		WithCode(ErrorCodeAllStagesFailed).
		WithDetails(details)
}

// ErrUpstreamTimeout creates an upstream timeout error.
func ErrUpstreamTimeout(details string) *APIError {
	return NewAPIError(ErrorTypeUpstreamTimeout, "agent execution timed out").
		WithCode(ErrorCodeAllStagesFailed).
		WithDetails(details)
}

// ErrInternal creates an internal server error.
func ErrInternal(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// AsAPIError converts any error into an APIError. Deadline errors map to
// UpstreamTimeout, everything unrecognized maps to an internal error.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout("deadline exceeded").WithCause(err)
	}
	return ErrInternal("internal error").WithCause(err)
}

// IsTimeout reports whether err represents a deadline being exceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
