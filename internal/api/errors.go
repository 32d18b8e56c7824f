// Package api provides the HTTP handlers of the insights service together with
// its standardized error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/insights/internal/analytics"
	"github.com/onnwee/insights/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeExperimentNotActive indicates the experiment does not accept
	// assignments or exposures in its current status.
	ErrCodeExperimentNotActive = "experiment_not_active"

	// ErrCodeInvalidTransition indicates an illegal experiment status change.
	ErrCodeInvalidTransition = "invalid_transition"

	// ErrCodeStoreUnavailable indicates the event store could not be reached.
	ErrCodeStoreUnavailable = "store_unavailable"

	// ErrCodeTimeout indicates the query did not finish within the query timeout.
	ErrCodeTimeout = "timeout"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records code for
// the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	errResp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeExperimentNotActive, ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode maps an engine error onto an API error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, analytics.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, analytics.ErrInvalidDefinition),
		errors.Is(err, analytics.ErrInvalidEvent),
		errors.Is(err, analytics.ErrInvalidRange),
		errors.Is(err, analytics.ErrUnknownVariant):
		return ErrCodeValidation
	case errors.Is(err, analytics.ErrExperimentNotActive):
		return ErrCodeExperimentNotActive
	case errors.Is(err, analytics.ErrInvalidTransition):
		return ErrCodeInvalidTransition
	case errors.Is(err, analytics.ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, analytics.ErrStoreUnavailable), errors.Is(err, analytics.ErrRecordFailed):
		return ErrCodeStoreUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	default:
		return ErrCodeInternal
	}
}

// WriteServiceError writes the envelope for an error returned by one of the
// engines. Validation and state errors carry their message to the client;
// infrastructure errors are logged and replaced with a generic message.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	code := ErrorCode(err)
	status := StatusCodeMapping(code)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()))
		switch code {
		case ErrCodeStoreUnavailable:
			message = "Event store unavailable"
		case ErrCodeTimeout:
			message = "Query timed out"
		default:
			message = "Internal server error"
		}
	}
	WriteError(w, ctx, status, code, message)
}
