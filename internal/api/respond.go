package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/star/orbitrack/internal/orbit"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps engine errors to HTTP status codes. Solver and geometry
// failures on valid input are reported as unprocessable.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, orbit.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, orbit.ErrNonConvergence), errors.Is(err, orbit.ErrDegenerateState):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err with its mapped status and error kind.
func writeEngineError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{
		"error":      err.Error(),
		"error_kind": orbit.ErrorKind(err),
	})
}
