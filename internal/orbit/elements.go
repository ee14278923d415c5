// Package orbit defines classical orbital elements, the reference body they
// orbit, and the error taxonomy shared by the propagation pipeline.
package orbit

import (
	"math"
	"time"
)

// TwoPi is one full revolution in radians.
const TwoPi = 2 * math.Pi

// Elements holds the classical elements of a bounded two-body orbit.
// Angles are in radians, distances in km. Elements are immutable values owned
// by the catalog; the engine only reads them.
type Elements struct {
	SemiMajorAxis float64 // a (km), > 0
	Eccentricity  float64 // e, in [0, 1)
	Inclination   float64 // i (rad)
	RAAN          float64 // Ω, right ascension of the ascending node (rad)
	ArgPeriapsis  float64 // ω, argument of periapsis (rad)
	MeanAnomaly   float64 // M0, mean anomaly at Epoch (rad)

	// Epoch is the instant at which MeanAnomaly applies. Zero means the
	// caller measures elapsed time from its own reference.
	Epoch time.Time
}

// Validate checks the element invariants: finite values, a > 0 and 0 <= e < 1.
func (el Elements) Validate() error {
	checks := []struct {
		field string
		value float64
	}{
		{"a", el.SemiMajorAxis},
		{"e", el.Eccentricity},
		{"i", el.Inclination},
		{"raan", el.RAAN},
		{"argp", el.ArgPeriapsis},
		{"m0", el.MeanAnomaly},
	}
	for _, c := range checks {
		if math.IsNaN(c.value) || math.IsInf(c.value, 0) {
			return &ValidationError{Field: c.field, Value: c.value, Reason: "must be finite"}
		}
	}
	if el.SemiMajorAxis <= 0 {
		return &ValidationError{Field: "a", Value: el.SemiMajorAxis, Reason: "semi-major axis must be > 0"}
	}
	if el.Eccentricity < 0 || el.Eccentricity >= 1 {
		return &ValidationError{Field: "e", Value: el.Eccentricity, Reason: "eccentricity must be in [0, 1)"}
	}
	return nil
}

// MeanMotion returns n = sqrt(GM / a³) in rad/s.
func (el Elements) MeanMotion(gm float64) float64 {
	a := el.SemiMajorAxis
	return math.Sqrt(gm / (a * a * a))
}

// PeriodSeconds returns T = 2π·sqrt(a³/GM).
func (el Elements) PeriodSeconds(gm float64) float64 {
	return TwoPi / el.MeanMotion(gm)
}

// Period returns the orbital period rounded to the nanosecond.
func (el Elements) Period(gm float64) time.Duration {
	return time.Duration(el.PeriodSeconds(gm) * float64(time.Second))
}

// MeanAnomalyAt returns M = M0 + n·dt reduced to [0, 2π).
func (el Elements) MeanAnomalyAt(gm, dt float64) float64 {
	return NormalizeAngle(el.MeanAnomaly + el.MeanMotion(gm)*dt)
}

// Periapsis returns the periapsis radius a(1-e).
func (el Elements) Periapsis() float64 {
	return el.SemiMajorAxis * (1 - el.Eccentricity)
}

// Apoapsis returns the apoapsis radius a(1+e).
func (el Elements) Apoapsis() float64 {
	return el.SemiMajorAxis * (1 + el.Eccentricity)
}

// Elapsed returns the seconds between the element epoch and t. When the
// elements carry no epoch, fallback is used as the reference instead.
func (el Elements) Elapsed(t, fallback time.Time) float64 {
	ref := el.Epoch
	if ref.IsZero() {
		ref = fallback
	}
	return t.Sub(ref).Seconds()
}

// NormalizeAngle wraps an angle into [0, 2π).
func NormalizeAngle(angle float64) float64 {
	wrapped := math.Mod(angle, TwoPi)
	if wrapped < 0 {
		wrapped += TwoPi
	}
	// math.Mod can return TwoPi itself for tiny negative inputs after the add.
	if wrapped >= TwoPi {
		wrapped = 0
	}
	return wrapped
}

// Deg2Rad converts degrees to radians.
func Deg2Rad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Rad2Deg converts radians to degrees.
func Rad2Deg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}
