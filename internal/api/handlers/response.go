package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wonny/allocator/internal/contracts"
)

// UniverseSource returns the snapshot for the provider's current date
type UniverseSource interface {
	Instruments(ctx context.Context, dp contracts.DataProvider) (*contracts.Universe, error)
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error         string   `json:"error"`
	Kind          string   `json:"kind,omitempty"`
	RequiredFunds *float64 `json:"required_funds,omitempty"`
}

// statusFor maps the engine error taxonomy onto HTTP status codes
func statusFor(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}

	if u, ok := contracts.AsUnsatisfiable(err); ok {
		body.Kind = "UNSATISFIABLE"
		body.RequiredFunds = u.RequiredFunds
		return http.StatusUnprocessableEntity, body
	}

	switch {
	case errors.Is(err, contracts.ErrConfiguration):
		body.Kind = "CONFIGURATION"
		return http.StatusBadRequest, body
	case errors.Is(err, contracts.ErrNotFound):
		body.Kind = "NOT_FOUND"
		return http.StatusNotFound, body
	case errors.Is(err, contracts.ErrNoValidInstruments):
		body.Kind = "NO_VALID_INSTRUMENTS"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, contracts.ErrStaleData):
		body.Kind = "STALE_DATA"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, contracts.ErrOptimizationFailed):
		body.Kind = "OPTIMIZATION_FAILED"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		body.Kind = "CANCELED"
		return http.StatusServiceUnavailable, body
	}
	return http.StatusInternalServerError, body
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

func respondEngineError(w http.ResponseWriter, err error) {
	status, body := statusFor(err)
	respondJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
