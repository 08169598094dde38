package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/polidocs/ingest-engine/pkg/apperrors"
)

// ApiResponse is the envelope for all API responses.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteJSON writes a success response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(ApiResponse{Success: true, Data: data})
}

// ErrorResponse writes an error response with the given status code.
func ErrorResponse(w http.ResponseWriter, status int, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(ApiResponse{Success: false, Error: message})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrConflict),
		errors.Is(err, apperrors.ErrJobInProgress),
		errors.Is(err, apperrors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrSourceDisabled):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// callerIdentity extracts the acting identity supplied by the auth layer in
// front of this service. Approval endpoints refuse requests without one.
func callerIdentity(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
