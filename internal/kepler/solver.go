// Package kepler solves Kepler's equation and places a body in its orbital
// (perifocal) plane. All functions are pure.
package kepler

import (
	"math"

	"github.com/star/orbitrack/internal/orbit"
)

const (
	// DefaultTolerance bounds the residual |E - e·sin E - M| in radians.
	DefaultTolerance = 1e-12
	// DefaultMaxIterations caps Newton-Raphson steps.
	DefaultMaxIterations = 50

	// highEccentricity switches the starter from E0 = M to E0 = π, which
	// always converges for e < 1.
	highEccentricity = 0.8
)

// Config controls the Newton-Raphson iteration.
type Config struct {
	Tolerance     float64 // residual tolerance (rad); <= 0 uses DefaultTolerance
	MaxIterations int     // iteration cap; <= 0 uses DefaultMaxIterations
}

// DefaultConfig returns the default solver settings.
func DefaultConfig() Config {
	return Config{Tolerance: DefaultTolerance, MaxIterations: DefaultMaxIterations}
}

func (c Config) withDefaults() Config {
	if c.Tolerance <= 0 || math.IsNaN(c.Tolerance) {
		c.Tolerance = DefaultTolerance
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	return c
}

// Solution is the eccentric anomaly together with solver diagnostics.
type Solution struct {
	E          float64 // eccentric anomaly (rad), in [0, 2π] for M in [0, 2π)
	Iterations int     // Newton steps taken
	Residual   float64 // |E - e·sin E - M|
}

// Solve returns the eccentric anomaly E satisfying M = E - e·sin E, with M
// reduced to [0, 2π). Newton-Raphson starts from E0 = M, except for
// e >= 0.8 where it starts from E0 = π. Eccentricity outside [0, 1) yields a
// *orbit.ValidationError;
// failure to reach cfg.Tolerance within cfg.MaxIterations yields a
// *orbit.NonConvergenceError.
func Solve(M, e float64, cfg Config) (Solution, error) {
	cfg = cfg.withDefaults()

	if math.IsNaN(e) || e < 0 || e >= 1 {
		return Solution{}, &orbit.ValidationError{Field: "e", Value: e, Reason: "eccentricity must be in [0, 1)"}
	}
	if math.IsNaN(M) || math.IsInf(M, 0) {
		return Solution{}, &orbit.ValidationError{Field: "m", Value: M, Reason: "mean anomaly must be finite"}
	}

	M = orbit.NormalizeAngle(M)
	if e == 0 {
		return Solution{E: M}, nil
	}

	E := M
	if e >= highEccentricity {
		E = math.Pi
	}

	residual := kepler(E, e, M)
	for i := 0; i < cfg.MaxIterations; i++ {
		if math.Abs(residual) < cfg.Tolerance {
			return Solution{E: E, Iterations: i, Residual: math.Abs(residual)}, nil
		}
		E -= residual / (1 - e*math.Cos(E))
		residual = kepler(E, e, M)
	}

	if math.Abs(residual) < cfg.Tolerance {
		return Solution{E: E, Iterations: cfg.MaxIterations, Residual: math.Abs(residual)}, nil
	}

	return Solution{}, &orbit.NonConvergenceError{
		MeanAnomaly:  M,
		Eccentricity: e,
		Iterations:   cfg.MaxIterations,
		Residual:     math.Abs(residual),
		Tolerance:    cfg.Tolerance,
	}
}

// kepler evaluates f(E) = E - e·sin E - M.
func kepler(E, e, M float64) float64 {
	return E - e*math.Sin(E) - M
}

// TrueAnomaly converts an eccentric anomaly to the true anomaly in [0, 2π).
func TrueAnomaly(E, e float64) float64 {
	sinE, cosE := math.Sincos(E)
	return orbit.NormalizeAngle(math.Atan2(math.Sqrt(1-e*e)*sinE, cosE-e))
}
