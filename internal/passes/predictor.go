// Package passes predicts when catalog objects rise above a ground
// observer's horizon.
package passes

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/transform"
)

// GroundTrackPoint is a sub-object position at a specific time during a pass.
type GroundTrackPoint struct {
	Time      time.Time `json:"time"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Altitude  float64   `json:"altitude"`  // normalized
	Elevation float64   `json:"elevation"` // degrees above observer's horizon (0-90)
}

// PassEvent describes a single pass over an observer location.
type PassEvent struct {
	StartTime        time.Time          `json:"start_time"`
	MaxElevationTime time.Time          `json:"max_elevation_time"`
	EndTime          time.Time          `json:"end_time"`
	DurationSeconds  float64            `json:"duration_seconds"`
	MaxElevation     float64            `json:"max_elevation"`
	AzimuthAtMax     float64            `json:"azimuth_at_max"`
	StartAzimuth     float64            `json:"start_azimuth"`
	EndAzimuth       float64            `json:"end_azimuth"`
	GroundTrack      []GroundTrackPoint `json:"ground_track"`
}

// ObjectPasses holds the predicted passes for one object.
type ObjectPasses struct {
	ID     string      `json:"id"`
	Name   string      `json:"name,omitempty"`
	Passes []PassEvent `json:"passes"`
	Error  string      `json:"error,omitempty"`
}

// Request holds the parameters for a pass prediction request. Passes only
// make sense when the engine's frame rotates with the body.
type Request struct {
	Engine       *propagation.Engine
	Observer     transform.Observer
	Records      []catalog.Record
	Reference    time.Time // elapsed-time origin for records without an epoch
	Start        time.Time
	HorizonHours float64
	MinElevation float64 // degrees
	MaxPasses    int
}

const (
	coarseStepSec      = 30 // seconds between coarse scan steps
	fineStepSec        = 1  // seconds between fine scan steps
	groundTrackStepSec = 10 // seconds between ground track samples
	minPassDur         = 10 * time.Second
)

// Predict computes passes for every record in the request. Each record is
// processed in its own goroutine, bounded by a semaphore. A record that
// cannot be propagated reports its error without affecting the others.
func Predict(ctx context.Context, req Request) []ObjectPasses {
	results := make([]ObjectPasses, len(req.Records))
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup

	for i, rec := range req.Records {
		wg.Add(1)
		go func(idx int, r catalog.Record) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ObjectPasses{ID: r.ID, Name: r.Name, Error: "cancelled"}
				return
			}

			passes, err := predictObject(ctx, req, r)
			if err != nil {
				results[idx] = ObjectPasses{ID: r.ID, Name: r.Name, Error: err.Error()}
				return
			}
			results[idx] = ObjectPasses{ID: r.ID, Name: r.Name, Passes: passes}
		}(i, rec)
	}

	wg.Wait()
	return results
}

// predictObject finds all passes for a single record.
func predictObject(ctx context.Context, req Request, rec catalog.Record) ([]PassEvent, error) {
	if err := rec.Elements.Validate(); err != nil {
		return nil, err
	}

	s := scanner{engine: req.Engine, obs: req.Observer, rec: rec, reference: req.Reference}
	end := req.Start.Add(time.Duration(req.HorizonHours * float64(time.Hour)))
	passes := []PassEvent{}

	// Coarse scan: step through the time range looking for elevation > 0.
	t := req.Start
	for t.Before(end) && len(passes) < req.MaxPasses {
		if ctx.Err() != nil {
			return passes, nil
		}

		sample, err := s.at(t)
		if err != nil {
			t = t.Add(coarseStepSec * time.Second)
			continue
		}

		if sample.look.ElevationDeg > 0 {
			pass, windowEnd := s.refine(ctx, t, req.Start, end, req.MinElevation)
			if pass != nil && pass.EndTime.Sub(pass.StartTime) >= minPassDur {
				passes = append(passes, *pass)
			}
			t = windowEnd.Add(coarseStepSec * time.Second)
		} else {
			t = t.Add(coarseStepSec * time.Second)
		}
	}

	return passes, nil
}

type scanner struct {
	engine    *propagation.Engine
	obs       transform.Observer
	rec       catalog.Record
	reference time.Time
}

type sample struct {
	look transform.LookAngles
	geo  transform.Geographic
}

// at computes the look angles and sub-object point at time t.
func (s scanner) at(t time.Time) (sample, error) {
	st, err := s.engine.PropagateAt(s.rec.Elements, t, s.reference)
	if err != nil {
		return sample{}, err
	}
	return sample{look: transform.Look(s.obs, st.BodyFixed), geo: st.Geographic}, nil
}

// refine does a fine-grained scan around a coarse-detected above-horizon
// region. It backs up to find the actual rise, then scans forward to find
// the set. Returns the pass event and the time the window ends.
func (s scanner) refine(ctx context.Context, coarseHit, windowStart, windowEnd time.Time, minElev float64) (*PassEvent, time.Time) {
	searchStart := coarseHit.Add(-coarseStepSec * time.Second)
	if searchStart.Before(windowStart) {
		searchStart = windowStart
	}

	var (
		riseTime    time.Time
		setTime     time.Time
		riseAz      float64
		setAz       float64
		maxEl       float64
		maxElTime   time.Time
		maxElAz     float64
		wasAbove    bool
		foundRise   bool
		groundTrack []GroundTrackPoint
	)

	t := searchStart
	for t.Before(windowEnd) {
		if ctx.Err() != nil {
			break
		}

		smp, err := s.at(t)
		if err != nil {
			t = t.Add(fineStepSec * time.Second)
			continue
		}
		el, az := smp.look.ElevationDeg, smp.look.AzimuthDeg
		above := el >= minElev

		if above && !wasAbove {
			riseTime = t
			riseAz = az
			foundRise = true
			maxEl = el
			maxElTime = t
			maxElAz = az
		}

		if above && foundRise {
			if el > maxEl {
				maxEl = el
				maxElTime = t
				maxElAz = az
			}
			if int(t.Sub(riseTime).Seconds())%groundTrackStepSec == 0 {
				groundTrack = append(groundTrack, GroundTrackPoint{
					Time:      t,
					Lat:       smp.geo.Lat,
					Lng:       smp.geo.Lng,
					Altitude:  smp.geo.Altitude,
					Elevation: el,
				})
			}
		}

		if !above && wasAbove && foundRise {
			setTime = t
			setAz = az
			break
		}

		wasAbove = above
		t = t.Add(fineStepSec * time.Second)
	}

	// Still above at windowEnd: close the pass there.
	if foundRise && setTime.IsZero() && wasAbove {
		setTime = t
		if smp, err := s.at(t); err == nil {
			setAz = smp.look.AzimuthDeg
			if smp.look.ElevationDeg > maxEl {
				maxEl = smp.look.ElevationDeg
				maxElTime = t
				maxElAz = smp.look.AzimuthDeg
			}
		}
	}

	if !foundRise || setTime.IsZero() {
		return nil, t
	}

	return &PassEvent{
		StartTime:        riseTime,
		MaxElevationTime: maxElTime,
		EndTime:          setTime,
		DurationSeconds:  setTime.Sub(riseTime).Seconds(),
		MaxElevation:     maxEl,
		AzimuthAtMax:     maxElAz,
		StartAzimuth:     riseAz,
		EndAzimuth:       setAz,
		GroundTrack:      groundTrack,
	}, setTime
}
