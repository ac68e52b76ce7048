package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	// Param names the offending request field on validation errors.
	Param string `json:"param,omitempty"`
	// RetryAfter is whole seconds until the caller may retry (429 only).
	RetryAfter int `json:"retryAfter,omitempty"`
	// Details is a sanitized upstream failure summary (5xx only).
	Details string `json:"details,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its status code and error body. Internal causes
// are logged through AddError, never written to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)
	AddError(r.Context(), err)

	status := apiErr.HTTPStatusCode()
	body := ErrorBody{Error: apiErr.Message, Param: apiErr.Param}
	if status == http.StatusTooManyRequests {
		body.RetryAfter = retrySeconds(apiErr)
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	if status >= http.StatusInternalServerError {
		body.Details = apiErr.Details
	}
	WriteJSON(w, status, body)
}

func retrySeconds(e *domain.APIError) int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
