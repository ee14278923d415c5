package catalog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/star/orbitrack/internal/orbit"
)

// Format is a catalog document format.
type Format string

const (
	FormatJSON Format = "json"
	FormatTLE  Format = "tle"
)

// Angle units accepted in JSON catalogs.
const (
	AngleRadians = "rad"
	AngleDegrees = "deg"
)

// ParseOptions controls catalog decoding.
type ParseOptions struct {
	// AngleUnit applies to JSON documents that do not declare one.
	AngleUnit string
	// GM converts TLE mean motion to a semi-major axis. Zero uses Earth.
	GM float64
}

// Parsed is the result of decoding a catalog document.
type Parsed struct {
	Format  Format
	Records []Record
	Epoch   time.Time // reference epoch declared by the document, if any
	Skipped int       // entries dropped as malformed or invalid
}

// DetectFormat guesses the format from the first non-space byte.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatTLE
}

// Parse decodes a JSON or TLE catalog, detecting the format.
func Parse(data []byte, opts ParseOptions, logger *slog.Logger) (*Parsed, error) {
	if DetectFormat(data) == FormatJSON {
		return ParseJSON(bytes.NewReader(data), opts, logger)
	}
	return ParseTLE(bytes.NewReader(data), opts.GM, logger)
}

// NormalizeAngleUnit maps accepted spellings to AngleRadians or AngleDegrees.
func NormalizeAngleUnit(unit string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "rad", "radian", "radians":
		return AngleRadians, nil
	case "deg", "degree", "degrees":
		return AngleDegrees, nil
	default:
		return "", fmt.Errorf("unknown angle unit %q", unit)
	}
}

type jsonCatalog struct {
	AngleUnit string       `json:"angle_unit"`
	Epoch     *time.Time   `json:"epoch,omitempty"`
	Objects   []jsonObject `json:"objects"`
}

type jsonObject struct {
	ID    json.RawMessage `json:"id"`
	Name  string          `json:"name"`
	Color string          `json:"color"`
	Epoch *time.Time      `json:"epoch,omitempty"`
	Orbit jsonOrbit       `json:"orbit"`
}

type jsonOrbit struct {
	SemiMajorAxis     float64 `json:"semiMajorAxis"`
	Eccentricity      float64 `json:"eccentricity"`
	Inclination       float64 `json:"inclination"`
	RightAscension    float64 `json:"rightAscension"`
	ArgumentOfPerigee float64 `json:"argumentOfPerigee"`
	MeanAnomaly       float64 `json:"meanAnomaly"`
}

// ParseJSON reads one or more concatenated JSON catalog documents. Each
// document is either an object {"angle_unit", "epoch", "objects"} or a bare
// array of objects. Invalid records are skipped with a warning log.
func ParseJSON(r io.Reader, opts ParseOptions, logger *slog.Logger) (*Parsed, error) {
	defaultUnit, err := NormalizeAngleUnit(opts.AngleUnit)
	if err != nil {
		return nil, err
	}

	out := &Parsed{Format: FormatJSON}
	dec := json.NewDecoder(r)
	for doc := 0; ; doc++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decoding catalog document %d: %w", doc, err)
		}

		var cat jsonCatalog
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
			err = json.Unmarshal(raw, &cat.Objects)
		} else {
			err = json.Unmarshal(raw, &cat)
		}
		if err != nil {
			return nil, fmt.Errorf("decoding catalog document %d: %w", doc, err)
		}

		unit := defaultUnit
		if cat.AngleUnit != "" {
			if unit, err = NormalizeAngleUnit(cat.AngleUnit); err != nil {
				return nil, fmt.Errorf("catalog document %d: %w", doc, err)
			}
		}
		if cat.Epoch != nil && out.Epoch.IsZero() {
			out.Epoch = cat.Epoch.UTC()
		}

		for i, obj := range cat.Objects {
			rec, err := obj.record(unit)
			if err != nil {
				logger.Warn("skipping invalid catalog record",
					"document", doc,
					"index", i,
					"object_id", rec.ID,
					"name", obj.Name,
					"error", err,
				)
				out.Skipped++
				continue
			}
			out.Records = append(out.Records, rec)
		}
	}

	return out, nil
}

func (o jsonObject) record(unit string) (Record, error) {
	id, err := decodeID(o.ID)
	rec := Record{ID: id, Name: o.Name, Color: o.Color}
	if err != nil {
		return rec, err
	}

	angle := func(v float64) float64 { return v }
	if unit == AngleDegrees {
		angle = orbit.Deg2Rad
	}
	rec.Elements = orbit.Elements{
		SemiMajorAxis: o.Orbit.SemiMajorAxis,
		Eccentricity:  o.Orbit.Eccentricity,
		Inclination:   angle(o.Orbit.Inclination),
		RAAN:          angle(o.Orbit.RightAscension),
		ArgPeriapsis:  angle(o.Orbit.ArgumentOfPerigee),
		MeanAnomaly:   angle(o.Orbit.MeanAnomaly),
	}
	if o.Epoch != nil {
		rec.Elements.Epoch = o.Epoch.UTC()
	}
	return rec, rec.Elements.Validate()
}

// decodeID accepts a JSON string or number as an object id.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("missing id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.New("missing id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("id must be a string or number, got %s", raw)
	}
	return n.String(), nil
}

// EncodeJSON writes records as a catalog document in radians.
func EncodeJSON(w io.Writer, ds *Dataset) error {
	cat := jsonCatalog{AngleUnit: AngleRadians, Objects: make([]jsonObject, 0, ds.Len())}
	if !ds.Epoch.IsZero() {
		ep := ds.Epoch
		cat.Epoch = &ep
	}
	for _, rec := range ds.Objects {
		id, err := json.Marshal(rec.ID)
		if err != nil {
			return err
		}
		obj := jsonObject{
			ID:    id,
			Name:  rec.Name,
			Color: rec.Color,
			Orbit: jsonOrbit{
				SemiMajorAxis:     rec.Elements.SemiMajorAxis,
				Eccentricity:      rec.Elements.Eccentricity,
				Inclination:       rec.Elements.Inclination,
				RightAscension:    rec.Elements.RAAN,
				ArgumentOfPerigee: rec.Elements.ArgPeriapsis,
				MeanAnomaly:       rec.Elements.MeanAnomaly,
			},
		}
		if ep := rec.Elements.Epoch; !ep.IsZero() {
			obj.Epoch = &ep
		}
		cat.Objects = append(cat.Objects, obj)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cat)
}

// ParseTLE reads 3-line NORAD TLE format and converts the mean elements of
// each entry to classical elements: angles from line 2, eccentricity with
// its implied decimal point, and a = (GM / n²)^(1/3) from the mean motion.
// Malformed entries are skipped with a warning log.
func ParseTLE(r io.Reader, gm float64, logger *slog.Logger) (*Parsed, error) {
	if gm <= 0 {
		gm = orbit.EarthGM
	}

	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading TLE data: %w", err)
	}

	out := &Parsed{Format: FormatTLE}
	for i := 0; i+2 < len(lines); {
		name := lines[i]
		line1 := lines[i+1]
		line2 := lines[i+2]

		// Validate line prefixes.
		if !strings.HasPrefix(line1, "1 ") || !strings.HasPrefix(line2, "2 ") {
			// Try to find next valid triplet.
			logger.Warn("skipping malformed TLE entry", "line_index", i, "name", name)
			out.Skipped++
			i++
			continue
		}
		i += 3

		if len(line1) < 32 || len(line2) < 63 {
			logger.Warn("skipping TLE entry with short lines", "name", name)
			out.Skipped++
			continue
		}

		noradStr := strings.TrimSpace(line1[2:7])
		if _, err := strconv.Atoi(noradStr); err != nil {
			logger.Warn("skipping TLE entry with invalid NORAD ID", "norad_str", noradStr, "name", name)
			out.Skipped++
			continue
		}

		epochStr := strings.TrimSpace(line1[18:32])
		epoch, err := parseEpoch(epochStr)
		if err != nil {
			logger.Warn("skipping TLE entry with invalid epoch", "epoch_str", epochStr, "name", name, "error", err)
			out.Skipped++
			continue
		}

		el, err := meanElements(line2, gm)
		if err != nil {
			logger.Warn("skipping TLE entry with invalid elements", "object_id", noradStr, "name", name, "error", err)
			out.Skipped++
			continue
		}
		el.Epoch = epoch

		out.Records = append(out.Records, Record{
			ID:       noradStr,
			Name:     strings.TrimSpace(name),
			Elements: el,
		})
	}

	return out, nil
}

// meanElements extracts classical elements from TLE line 2.
func meanElements(line2 string, gm float64) (orbit.Elements, error) {
	field := func(name string, lo, hi int) (float64, error) {
		v, err := strconv.ParseFloat(strings.TrimSpace(line2[lo:hi]), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	inc, err := field("inclination", 8, 16)
	if err != nil {
		return orbit.Elements{}, err
	}
	raan, err := field("raan", 17, 25)
	if err != nil {
		return orbit.Elements{}, err
	}
	// Eccentricity has an implied leading decimal point.
	ecc, err := strconv.ParseFloat("0."+strings.TrimSpace(line2[26:33]), 64)
	if err != nil {
		return orbit.Elements{}, fmt.Errorf("eccentricity: %w", err)
	}
	argp, err := field("argument of perigee", 34, 42)
	if err != nil {
		return orbit.Elements{}, err
	}
	ma, err := field("mean anomaly", 43, 51)
	if err != nil {
		return orbit.Elements{}, err
	}
	revsPerDay, err := field("mean motion", 52, 63)
	if err != nil {
		return orbit.Elements{}, err
	}
	if revsPerDay <= 0 {
		return orbit.Elements{}, &orbit.ValidationError{Field: "n", Value: revsPerDay, Reason: "mean motion must be > 0"}
	}

	n := revsPerDay * orbit.TwoPi / 86400.0 // rad/s
	el := orbit.Elements{
		SemiMajorAxis: math.Cbrt(gm / (n * n)),
		Eccentricity:  ecc,
		Inclination:   orbit.Deg2Rad(inc),
		RAAN:          orbit.Deg2Rad(raan),
		ArgPeriapsis:  orbit.Deg2Rad(argp),
		MeanAnomaly:   orbit.Deg2Rad(ma),
	}
	return el, el.Validate()
}

// parseEpoch converts a TLE epoch string in YYDDD.DDDDDDDD format to time.Time.
// Year 00-56 → 2000s, 57-99 → 1900s.
func parseEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch string too short: %q", s)
	}

	yearStr := s[:2]
	dayStr := s[2:]

	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch year %q: %w", yearStr, err)
	}

	if year >= 57 {
		year += 1900
	} else {
		year += 2000
	}

	dayOfYear, err := strconv.ParseFloat(dayStr, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch day %q: %w", dayStr, err)
	}

	// dayOfYear is 1-based: day 1 = Jan 1.
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return t.Add(time.Duration((dayOfYear - 1) * float64(24*time.Hour))), nil
}
