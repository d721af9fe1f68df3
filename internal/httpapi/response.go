package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/dshills/bookfinder/internal/indexer"
	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/pkg/types"
)

// APIResponse is the envelope of every JSON reply
type APIResponse struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError describes a failed request
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in APIError.Code
const (
	CodeInvalidInput         = "INVALID_INPUT"
	CodeReferentialViolation = "REFERENTIAL_VIOLATION"
	CodeUnavailable          = "UNAVAILABLE"
	CodeBackfillInProgress   = "BACKFILL_IN_PROGRESS"
	CodePersistence          = "PERSISTENCE_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
)

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeEnvelope(w, status, &APIResponse{
		Status:    "success",
		Data:      data,
		RequestID: logging.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeEnvelope(w, status, &APIResponse{
		Status:    "error",
		Error:     &APIError{Code: code, Message: message},
		RequestID: logging.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, resp *APIResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger := logging.Logger()
		logger.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	w.Write(data)
}

// respondServiceError maps an engine error kind onto an HTTP status
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := logging.Ctx(r.Context(), logging.Component("http"))
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	respondError(w, r, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, types.ErrReferentialViolation):
		return http.StatusUnprocessableEntity, CodeReferentialViolation
	case errors.Is(err, types.ErrUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, indexer.ErrBackfillInProgress):
		return http.StatusConflict, CodeBackfillInProgress
	case errors.Is(err, types.ErrPersistence):
		return http.StatusInternalServerError, CodePersistence
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
