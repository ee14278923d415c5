package transform

import (
	"math"

	"github.com/star/orbitrack/internal/orbit"
)

// Observer is a ground observer on a spherical reference body. The
// body-fixed position is precomputed once so it can be reused across many
// object lookups.
type Observer struct {
	LatRad, LonRad float64 // geographic (radians)
	AltKm          float64 // km above the reference sphere
	Position       Vector3 // body-fixed (km)
}

// LookAngles holds azimuth, elevation, and range from observer to object.
type LookAngles struct {
	AzimuthDeg   float64 // 0 = North, clockwise
	ElevationDeg float64 // 0 = horizon, 90 = zenith
	RangeKm      float64
}

// NewObserver creates an Observer from latitude and longitude in degrees and
// altitude in km over a sphere of the given radius.
func NewObserver(latDeg, lonDeg, altKm, radius float64) Observer {
	pos := Unproject(Geographic{Lat: latDeg, Lng: lonDeg, Altitude: altKm / radius}, radius)
	return Observer{
		LatRad:   orbit.Deg2Rad(latDeg),
		LonRad:   orbit.Deg2Rad(lonDeg),
		AltKm:    altKm,
		Position: pos,
	}
}

// Look computes azimuth, elevation, and range from an observer to a
// body-fixed position in km.
//
// Uses the SEZ (South-East-Zenith) topocentric rotation per Vallado Section 4.4.
func Look(obs Observer, sat Vector3) LookAngles {
	r := sat.Sub(obs.Position)

	sinLat, cosLat := math.Sincos(obs.LatRad)
	sinLon, cosLon := math.Sincos(obs.LonRad)

	south := sinLat*cosLon*r.X + sinLat*sinLon*r.Y - cosLat*r.Z
	east := -sinLon*r.X + cosLon*r.Y
	zenith := cosLat*cosLon*r.X + cosLat*sinLon*r.Y + sinLat*r.Z

	rangeKm := math.Sqrt(south*south + east*east + zenith*zenith)
	if rangeKm == 0 {
		return LookAngles{ElevationDeg: 90}
	}

	el := math.Asin(math.Max(-1, math.Min(1, zenith/rangeKm)))

	// In SEZ, North = -South direction, so az = atan2(east, -south).
	az := orbit.NormalizeAngle(math.Atan2(east, -south))

	return LookAngles{
		AzimuthDeg:   orbit.Rad2Deg(az),
		ElevationDeg: orbit.Rad2Deg(el),
		RangeKm:      rangeKm,
	}
}
