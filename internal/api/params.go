package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/orbit"
	"github.com/star/orbitrack/internal/propagation"
)

// instant is the time a request asks about. Relative requests carry the
// elapsed seconds they were given so propagation does not round-trip them
// through time.Duration.
type instant struct {
	At       time.Time
	Elapsed  float64
	Relative bool
}

// queryTime resolves the instant a request asks about for one record:
// ?t=<seconds since the element epoch>, ?time=<RFC3339>, or now. Records
// without an epoch count t from the dataset epoch.
func queryTime(r *http.Request, rec catalog.Record, ds *catalog.Dataset) (instant, error) {
	q := r.URL.Query()
	if v := q.Get("t"); v != "" {
		if q.Get("time") != "" {
			return instant{}, fmt.Errorf("t and time are mutually exclusive")
		}
		secs, err := floatParam(v, "t")
		if err != nil {
			return instant{}, err
		}
		if math.Abs(secs*float64(time.Second)) >= float64(math.MaxInt64) {
			return instant{}, &orbit.ValidationError{Field: "t", Value: secs, Reason: fmt.Sprintf("must be within ±%.4g s", propagation.MaxOffsetSeconds)}
		}
		ref := rec.Elements.Epoch
		if ref.IsZero() {
			ref = ds.Epoch
		}
		return instant{
			At:       ref.Add(time.Duration(secs * float64(time.Second))),
			Elapsed:  secs,
			Relative: true,
		}, nil
	}
	at, err := absoluteTime(r)
	return instant{At: at}, err
}

// absoluteTime reads ?time=<RFC3339>, defaulting to now.
func absoluteTime(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("time")
	if v == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: must be RFC3339", v)
	}
	return t.UTC(), nil
}

func floatParam(v, name string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &orbit.ValidationError{Field: name, Value: f, Reason: "must be a finite number"}
	}
	return f, nil
}

// optFloat parses an optional query value within [lo, hi].
func optFloat(r *http.Request, name string, def, lo, hi float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	f, err := floatParam(v, name)
	if err != nil {
		return 0, err
	}
	if f < lo || f > hi {
		return 0, &orbit.ValidationError{Field: name, Value: f, Reason: fmt.Sprintf("must be in [%g, %g]", lo, hi)}
	}
	return f, nil
}

// optInt parses an optional integer query value within [lo, hi].
func optInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &orbit.ValidationError{Field: name, Value: math.NaN(), Reason: "must be an integer"}
	}
	if n < lo || n > hi {
		return 0, &orbit.ValidationError{Field: name, Value: float64(n), Reason: fmt.Sprintf("must be in [%d, %d]", lo, hi)}
	}
	return n, nil
}

// reqFloat parses a required query value within [lo, hi].
func reqFloat(r *http.Request, name string, lo, hi float64) (float64, error) {
	if r.URL.Query().Get(name) == "" {
		return 0, fmt.Errorf("missing required parameter %q", name)
	}
	return optFloat(r, name, 0, lo, hi)
}

func optBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: must be a boolean", name, v)
	}
	return b, nil
}
