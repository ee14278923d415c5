package orbit

import "math"

// Earth constants used as defaults. GM and radius match the values the
// globe renderer was authored against (spherical Earth).
const (
	EarthGM           = 398600.4418          // km³/s²
	EarthRadius       = 6371.0               // km, mean radius
	EarthRotationRate = 7.292115146706979e-5 // rad/s
)

// Body describes the reference body an orbit is defined around. All fields
// are configuration, so the same engine serves bodies other than Earth.
type Body struct {
	Name         string
	GM           float64 // standard gravitational parameter (km³/s²)
	Radius       float64 // reference radius R_ref (km)
	RotationRate float64 // sidereal rotation rate (rad/s), used by rotating frames
}

// Earth returns the default reference body.
func Earth() Body {
	return Body{
		Name:         "earth",
		GM:           EarthGM,
		Radius:       EarthRadius,
		RotationRate: EarthRotationRate,
	}
}

// Validate checks that GM and the reference radius are finite and positive.
func (b Body) Validate() error {
	if math.IsNaN(b.GM) || math.IsInf(b.GM, 0) || b.GM <= 0 {
		return &ValidationError{Field: "gm", Value: b.GM, Reason: "gravitational parameter must be finite and > 0"}
	}
	if math.IsNaN(b.Radius) || math.IsInf(b.Radius, 0) || b.Radius <= 0 {
		return &ValidationError{Field: "radius", Value: b.Radius, Reason: "reference radius must be finite and > 0"}
	}
	if math.IsNaN(b.RotationRate) || math.IsInf(b.RotationRate, 0) {
		return &ValidationError{Field: "rotation_rate", Value: b.RotationRate, Reason: "must be finite"}
	}
	return nil
}

// NormalizedAltitude returns (r - R_ref) / R_ref.
func (b Body) NormalizedAltitude(r float64) float64 {
	return (r - b.Radius) / b.Radius
}
