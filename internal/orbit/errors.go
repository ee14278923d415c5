package orbit

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching. The concrete error types below report
// themselves as the matching sentinel.
var (
	ErrValidation      = errors.New("orbit: validation failed")
	ErrNonConvergence  = errors.New("orbit: kepler solver did not converge")
	ErrDegenerateState = errors.New("orbit: degenerate state")
)

// ValidationError is returned when orbital elements or body constants violate
// their invariants. It is raised before any numerical work begins.
type ValidationError struct {
	Field  string  // Offending field, e.g. "a" or "e"
	Value  float64 // Value that was rejected
	Reason string  // Human-readable constraint
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s = %g: %s", e.Field, e.Value, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NonConvergenceError is returned when the Kepler solver fails to reach its
// residual tolerance within the iteration cap. Callers may retry with a
// relaxed tolerance or skip the object; no partial answer is returned.
type NonConvergenceError struct {
	MeanAnomaly  float64 // radians, reduced to [0, 2π)
	Eccentricity float64
	Iterations   int     // iterations performed
	Residual     float64 // |E - e·sin E - M| at the last iterate
	Tolerance    float64
}

func (e *NonConvergenceError) Error() string {
	return fmt.Sprintf("kepler solver did not converge after %d iterations (M=%.6f rad, e=%.6f, residual %.3e > tolerance %.1e)",
		e.Iterations, e.MeanAnomaly, e.Eccentricity, e.Residual, e.Tolerance)
}

// Is reports whether target is ErrNonConvergence.
func (e *NonConvergenceError) Is(target error) bool {
	return target == ErrNonConvergence
}

// DegenerateStateError is returned when a position cannot be expressed in
// geographic coordinates (zero or non-finite radial distance).
type DegenerateStateError struct {
	Radius float64 // km
	Reason string
}

func (e *DegenerateStateError) Error() string {
	return fmt.Sprintf("degenerate state (r = %g km): %s", e.Radius, e.Reason)
}

// Is reports whether target is ErrDegenerateState.
func (e *DegenerateStateError) Is(target error) bool {
	return target == ErrDegenerateState
}

// ErrorKind classifies err into a short label for metrics and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNonConvergence):
		return "non_convergence"
	case errors.Is(err, ErrDegenerateState):
		return "degenerate"
	default:
		return "other"
	}
}
