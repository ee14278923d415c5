package transform

import (
	"math"
	"testing"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// TestJulianDate verifies the Julian Date conversion against known values.
func TestJulianDate(t *testing.T) {
	tests := []struct {
		name     string
		time     time.Time
		expected float64
	}{
		{
			name:     "J2000.0 epoch",
			time:     time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC),
			expected: 2451545.0,
		},
		{
			name:     "Unix epoch",
			time:     time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
			expected: 2440587.5,
		},
		{
			// Vallado Example 3-15: April 6, 2004, 07:51:28.386 UTC
			name:     "Vallado example date",
			time:     time.Date(2004, 4, 6, 7, 51, 28, 386009000, time.UTC),
			expected: 2453101.827411875,
		},
		{
			name:     "non-UTC location",
			time:     time.Date(2000, 1, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
			expected: 2451545.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JulianDate(tt.time)
			diff := math.Abs(got - tt.expected)
			if diff > 1e-6 {
				t.Errorf("JulianDate(%v) = %.10f, want %.10f (diff=%.2e)", tt.time, got, tt.expected, diff)
			}
		})
	}
}

// TestGMSTMeeusExample checks Meeus example 12.a: 1987 April 10, 0h UT,
// mean sidereal time 13h10m46.3668s.
func TestGMSTMeeusExample(t *testing.T) {
	got := GMST(time.Date(1987, 4, 10, 0, 0, 0, 0, time.UTC))
	const want = 3.4503971615
	if diff := math.Abs(got - want); diff > 1e-8 {
		t.Errorf("GMST = %.10f rad, want %.10f (diff=%.2e)", got, want, diff)
	}
}

// TestGMST validates GMST against the go-satellite library's GSTimeFromDate,
// which uses the same IAU-82 model.
func TestGMST(t *testing.T) {
	tests := []struct {
		name string
		time time.Time
	}{
		{
			name: "J2000.0 epoch",
			time: time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "Vallado example date",
			time: time.Date(2004, 4, 6, 7, 51, 28, 0, time.UTC), // integer seconds for library compat
		},
		{
			name: "recent date 2026",
			time: time.Date(2026, 2, 6, 4, 1, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			our := GMST(tt.time)
			if our < 0 || our >= 2*math.Pi {
				t.Fatalf("GMST(%v) = %v, out of [0, 2π)", tt.time, our)
			}
			ref := satellite.GSTimeFromDate(
				tt.time.Year(), int(tt.time.Month()), tt.time.Day(),
				tt.time.Hour(), tt.time.Minute(), tt.time.Second(),
			)

			diff := math.Abs(math.Remainder(our-ref, 2*math.Pi))
			if diff > 1e-6 {
				t.Errorf("GMST(%v) = %.12f rad, go-satellite = %.12f rad (diff=%.2e)", tt.time, our, ref, diff)
			}
		})
	}
}

// TestGMSTRate checks that one solar day advances GMST by slightly more than
// a full turn, consistent with the sidereal rotation rate.
func TestGMSTRate(t *testing.T) {
	t0 := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	d := math.Remainder(GMST(t0.Add(time.Hour))-GMST(t0), 2*math.Pi)
	want := 7.292115e-5 * 3600
	if math.Abs(d-want) > 1e-5 {
		t.Errorf("GMST advance over 1h = %.8f rad, want %.8f", d, want)
	}
}
