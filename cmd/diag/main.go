// Command diag loads a catalog and prints positions, one ground track, solver
// diagnostics and optionally passes over an observer. It reads the same
// ORBITRACK_* configuration as the service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/config"
	"github.com/star/orbitrack/internal/kepler"
	"github.com/star/orbitrack/internal/orbit"
	"github.com/star/orbitrack/internal/passes"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/transform"
)

func main() {
	var (
		file     = flag.String("catalog", "", "catalog document (JSON or TLE); empty uses the embedded sample")
		at       = flag.String("time", "", "RFC3339 instant; empty uses the catalog epoch")
		trackID  = flag.String("track", "", "object id to print a ground track for")
		points   = flag.Int("points", 10, "ground track points")
		period   = flag.Bool("one-period", false, "space track points over one orbital period")
		obsLat   = flag.Float64("lat", 0, "observer latitude (deg) for pass prediction")
		obsLon   = flag.Float64("lon", 0, "observer longitude (deg) for pass prediction")
		obsAlt   = flag.Float64("alt", 0, "observer altitude (km)")
		passHrs  = flag.Float64("passes", 0, "hours to search for passes; 0 skips")
		minElev  = flag.Float64("min-elevation", 10, "minimum pass elevation (deg)")
		logLevel = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		lvl = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	cfg, err := config.Load(logger)
	if err != nil {
		fatal("config", err)
	}
	engine, err := cfg.Engine()
	if err != nil {
		fatal("engine", err)
	}

	ds, err := load(*file, cfg.ParseOptions(), logger)
	if err != nil {
		fatal("catalog", err)
	}
	fmt.Printf("Loaded %d objects from %s (epoch %s, frame %s)\n",
		ds.Len(), ds.Source, ds.Epoch.Format(time.RFC3339), engine.FrameName())

	t := ds.Epoch
	if *at != "" {
		if t, err = time.Parse(time.RFC3339, *at); err != nil {
			fatal("time", err)
		}
	}

	printPositions(engine, ds, t)

	if *trackID != "" {
		printTrack(engine, ds, *trackID, propagation.TrackOptions{Points: *points, OnePeriod: *period})
	}

	if *passHrs > 0 {
		printPasses(engine, ds, passes.Request{
			Engine:       engine,
			Observer:     transform.NewObserver(*obsLat, *obsLon, *obsAlt, engine.Body.Radius),
			Records:      ds.Objects,
			Reference:    ds.Epoch,
			Start:        t,
			HorizonHours: *passHrs,
			MinElevation: *minElev,
			MaxPasses:    10,
		})
	}
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "ERROR %s: %v\n", what, err)
	os.Exit(1)
}

func load(path string, opts catalog.ParseOptions, logger *slog.Logger) (*catalog.Dataset, error) {
	if path == "" {
		return catalog.Sample(time.Now().UTC().Truncate(time.Second), logger)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return catalog.Load(data, filepath.Base(path), info.ModTime().UTC(), opts, logger)
}

// printPositions shows each object's position and what the solver did to
// get there.
func printPositions(engine *propagation.Engine, ds *catalog.Dataset, t time.Time) {
	fmt.Printf("\nPositions at %s\n", t.Format(time.RFC3339))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLAT\tLNG\tALT\tR(km)\tM(rad)\tE(rad)\tNU(rad)\tITER\tPERIOD")
	for _, rec := range ds.Objects {
		st, err := engine.PropagateAt(rec.Elements, t, ds.Epoch)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\tERROR [%s] %v\n", rec.ID, rec.Name, orbit.ErrorKind(err), err)
			continue
		}
		el := rec.Elements
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.3f\t%.5f\t%.1f\t%.6f\t%.6f\t%.6f\t%d\t%s\n",
			rec.ID, rec.Name,
			st.Geographic.Lat, st.Geographic.Lng, st.Geographic.Altitude,
			kepler.RadiusAt(st.Eccentric, el.SemiMajorAxis, el.Eccentricity),
			st.MeanAnomaly, st.Eccentric, kepler.TrueAnomaly(st.Eccentric, el.Eccentricity),
			st.Iterations,
			rec.Elements.Period(engine.Body.GM).Round(time.Second),
		)
	}
	tw.Flush()
}

func printTrack(engine *propagation.Engine, ds *catalog.Dataset, id string, opts propagation.TrackOptions) {
	rec, ok := ds.Lookup(id)
	if !ok {
		fmt.Printf("\nTrack: object %s not found\n", id)
		return
	}
	fmt.Printf("\nGround track for %s (%s)\n", rec.ID, rec.Name)
	k := 0
	for p, err := range engine.TrackSeq(rec.Elements, opts) {
		if err != nil {
			fmt.Printf("  ERROR [%s] %v\n", orbit.ErrorKind(err), err)
			return
		}
		fmt.Printf("  %3d  lng=%9.3f  lat=%8.3f  alt=%.5f\n", k, p.Lng, p.Lat, p.Altitude)
		k++
	}
}

func printPasses(engine *propagation.Engine, ds *catalog.Dataset, req passes.Request) {
	if engine.FrameName() == transform.FrameInertial {
		fmt.Println("\nNote: the inertial frame does not rotate; passes are illustrative only")
	}
	fmt.Printf("\nPasses over (%.4f, %.4f) for %.1f h\n",
		orbit.Rad2Deg(req.Observer.LatRad), orbit.Rad2Deg(req.Observer.LonRad), req.HorizonHours)

	total := 0
	for _, res := range passes.Predict(context.Background(), req) {
		if res.Error != "" {
			fmt.Printf("  %s: ERROR %s\n", res.ID, res.Error)
			continue
		}
		fmt.Printf("  %s: %d passes\n", res.ID, len(res.Passes))
		total += len(res.Passes)
		for j, p := range res.Passes {
			fmt.Printf("    pass %d: start=%s maxEl=%.1f° dur=%.0fs\n",
				j, p.StartTime.Format(time.RFC3339), p.MaxElevation, p.DurationSeconds)
		}
	}
	fmt.Printf("\nTotal passes found: %d\n", total)
}
