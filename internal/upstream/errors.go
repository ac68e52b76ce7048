// Package upstream implements the two-stage execution chain: an external
// workflow engine first, a direct model call second.
package upstream

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// StageError describes a failed upstream call without leaking response
// bodies or credentials.
type StageError struct {
	Stage  domain.Source
	Status int
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Summary())
}

func (e *StageError) Unwrap() error { return e.Err }

// Summary is the caller-safe description of the failure.
func (e *StageError) Summary() string {
	switch {
	case e.Reason != "":
		return e.Reason
	case e.Status != 0:
		return fmt.Sprintf("status %d", e.Status)
	case domain.IsTimeout(e.Err):
		return "timeout"
	case errors.Is(e.Err, gobreaker.ErrOpenState), errors.Is(e.Err, gobreaker.ErrTooManyRequests):
		return "circuit open"
	default:
		return "unavailable"
	}
}

// Timeout reports whether the stage failed on its deadline.
func (e *StageError) Timeout() bool {
	return domain.IsTimeout(e.Err)
}

func stageError(stage domain.Source, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Stage: stage, Err: err}
}
