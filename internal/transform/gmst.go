package transform

import (
	"time"

	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/sidereal"

	"github.com/star/orbitrack/internal/orbit"
)

// j2000 is the Julian Date of the J2000.0 epoch (January 1, 2000, 12:00:00 TT).
const j2000 = 2451545.0

// JulianDate converts a time.Time to Julian Date (UT).
func JulianDate(t time.Time) float64 {
	return julian.TimeToJD(t.UTC())
}

// JulianCenturies returns Julian centuries since J2000.0.
func JulianCenturies(t time.Time) float64 {
	return (JulianDate(t) - j2000) / 36525.0
}

// GMST returns Greenwich Mean Sidereal Time in radians, in [0, 2π), using the
// IAU-82 expression (Meeus, Astronomical Algorithms, eq. 12.4).
func GMST(t time.Time) float64 {
	return orbit.NormalizeAngle(sidereal.Mean(JulianDate(t)).Angle().Rad())
}
