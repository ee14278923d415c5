package kepler

import "math"

// Perifocal is a position in the orbital plane, relative to the focus, with
// periapsis on the +X axis. Units are km.
type Perifocal struct {
	X, Y float64
}

// Radius returns the distance from the focus.
func (p Perifocal) Radius() float64 {
	return math.Hypot(p.X, p.Y)
}

// Position places the body in the perifocal frame:
//
//	x = a·(cos E - e)
//	y = a·sqrt(1 - e²)·sin E
func Position(E, a, e float64) Perifocal {
	sinE, cosE := math.Sincos(E)
	return Perifocal{
		X: a * (cosE - e),
		Y: a * math.Sqrt(1-e*e) * sinE,
	}
}

// RadiusAt returns the focal distance r = a·(1 - e·cos E) without forming
// the full position.
func RadiusAt(E, a, e float64) float64 {
	return a * (1 - e*math.Cos(E))
}
