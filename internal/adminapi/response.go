package adminapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/categorize"
	"github.com/mhpenta/ingestq/feed"
)

// Envelope is the response wrapper for every route.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Data: data}); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, apiErr := mapError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("admin request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if jsonErr := json.NewEncoder(w).Encode(Envelope{Error: &apiErr}); jsonErr != nil {
		s.logger.Error("failed to send error response", "error", jsonErr)
	}
}

var errBadRequest = errors.New("adminapi: malformed request")

func mapError(err error) (int, APIError) {
	switch {
	case errors.Is(err, ingestq.ErrNotFound),
		errors.Is(err, feed.ErrFeedNotFound),
		errors.Is(err, categorize.ErrRuleNotFound):
		return http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: "The requested resource was not found",
		}
	case errors.Is(err, ingestq.ErrInvalidTransition),
		errors.Is(err, ingestq.ErrNotLeaseHolder):
		return http.StatusConflict, APIError{
			Code:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, APIError{
			Code:    "invalid_input",
			Message: err.Error(),
		}
	}

	var validationErr *ingestq.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, APIError{
			Code:    "validation_error",
			Message: "Validation failed",
			Details: []FieldError{
				{Field: validationErr.Field, Message: validationErr.Message},
			},
		}
	}

	return http.StatusInternalServerError, APIError{
		Code:    "internal_error",
		Message: "An unexpected error occurred",
	}
}
