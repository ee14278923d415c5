package transform

import (
	"math"

	"github.com/star/orbitrack/internal/orbit"
)

// Geographic is a position on a spherical reference body. Altitude is
// normalized: (r - R_ref) / R_ref.
type Geographic struct {
	Lat      float64 `json:"lat"`      // degrees, [-90, 90]
	Lng      float64 `json:"lng"`      // degrees, (-180, 180]
	Altitude float64 `json:"altitude"` // normalized
}

// Project converts a body-fixed Cartesian position to latitude, longitude
// and normalized altitude over a sphere of the given radius. A zero or
// non-finite radial distance returns *orbit.DegenerateStateError.
func Project(v Vector3, radius float64) (Geographic, error) {
	if !v.IsFinite() {
		return Geographic{}, &orbit.DegenerateStateError{Radius: math.NaN(), Reason: "position is not finite"}
	}
	r := v.Norm()
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return Geographic{}, &orbit.DegenerateStateError{Radius: r, Reason: "radial distance is not finite"}
	}
	if r == 0 {
		return Geographic{}, &orbit.DegenerateStateError{Radius: 0, Reason: "position coincides with the body centre"}
	}

	// Rounding can push z/r a hair past ±1.
	sinLat := math.Max(-1, math.Min(1, v.Z/r))

	return Geographic{
		Lat:      orbit.Rad2Deg(math.Asin(sinLat)),
		Lng:      orbit.Rad2Deg(math.Atan2(v.Y, v.X)),
		Altitude: (r - radius) / radius,
	}, nil
}

// Unproject is the inverse of Project: it returns the body-fixed position
// for a geographic point over a sphere of the given radius.
func Unproject(g Geographic, radius float64) Vector3 {
	r := radius * (1 + g.Altitude)
	sLat, cLat := math.Sincos(orbit.Deg2Rad(g.Lat))
	sLng, cLng := math.Sincos(orbit.Deg2Rad(g.Lng))
	return Vector3{
		X: r * cLat * cLng,
		Y: r * cLat * sLng,
		Z: r * sLat,
	}
}
