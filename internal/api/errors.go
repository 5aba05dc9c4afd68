package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/udmi-device/internal/managers/pointset"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeInternal    = "internal_error"
	ErrCodeValidation  = "validation_error"
	ErrCodeUnavailable = "unavailable"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // client may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writePointError maps a pointset error to its HTTP status. It reports
// false for errors it does not know, leaving the response unwritten.
func writePointError(w http.ResponseWriter, r *http.Request, err error) bool {
	var status int
	var code string
	switch {
	case errors.Is(err, pointset.ErrValueOutOfRange):
		status, code = http.StatusUnprocessableEntity, ErrCodeValidation
	case errors.Is(err, pointset.ErrInvalidPointName):
		status, code = http.StatusBadRequest, ErrCodeBadRequest
	default:
		return false
	}
	writeJSON(w, status, Error{Status: status, Code: code, Message: err.Error(), RequestID: requestID(r)})
	return true
}
