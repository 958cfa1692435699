package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stepbus/stepbus/internal/parser"
	"github.com/stepbus/stepbus/internal/reconstruct"
	"github.com/stepbus/stepbus/internal/storage"
	"github.com/stepbus/stepbus/internal/worker"
)

// Error types reported in AppError.ErrorType.
const (
	ErrorTypeNotFound   = "NotFound"
	ErrorTypeBadRequest = "BadRequest"
	ErrorTypeInternal   = "InternalServerError"
)

// AppError is the JSON body of every failed request.
type AppError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

func (e *AppError) Error() string {
	return e.Message
}

// NotFound builds a 404 error.
func NotFound(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: "Not found: " + msg, ErrorType: ErrorTypeNotFound}
}

// BadRequest builds a 400 error.
func BadRequest(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: "Invalid request parameters: " + msg, ErrorType: ErrorTypeBadRequest}
}

// Internal builds a 500 error.
func Internal(msg string) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: "Internal server error: " + msg, ErrorType: ErrorTypeInternal}
}

// toAppError classifies err. An incomplete frame group is a 404, never a 500.
func toAppError(err error) *AppError {
	var appErr *AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, parser.ErrInvalidStep),
		errors.Is(err, parser.ErrInvalidEvent),
		errors.Is(err, worker.ErrBadByteOrder):
		return BadRequest(err.Error())
	case errors.Is(err, reconstruct.ErrNotYetAvailable),
		errors.Is(err, storage.ErrNotFound):
		return NotFound(err.Error())
	default:
		return Internal(err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := toAppError(err)
	if appErr.Code >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.DebugContext(r.Context(), "Request rejected", "path", r.URL.Path, "code", appErr.Code, "error", err)
	}
	writeJSON(w, appErr.Code, appErr)
}
