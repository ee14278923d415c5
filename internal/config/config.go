// Package config loads service configuration from defaults, an optional
// config file and ORBITRACK_* environment variables, in increasing order of
// precedence.
//
// Keys are dotted (propagation.workers); the matching environment variable
// upper-cases the key and replaces dots with underscores
// (ORBITRACK_PROPAGATION_WORKERS). Durations accept plain seconds or Go
// duration strings. An invalid value logs a warning and keeps the default;
// only auth misconfiguration is fatal.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/star/orbitrack/internal/auth"
	"github.com/star/orbitrack/internal/cache"
	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/httputil"
	"github.com/star/orbitrack/internal/kepler"
	"github.com/star/orbitrack/internal/observability"
	"github.com/star/orbitrack/internal/orbit"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/stream"
	"github.com/star/orbitrack/internal/transform"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORBITRACK"

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Addr       string
	TrustProxy bool
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  slog.Level
	Format string // json | text
}

// BodyConfig selects the reference body and rotation model.
type BodyConfig struct {
	Body   orbit.Body
	Frame  string  // inertial | uniform | sidereal
	Theta0 float64 // rad, initial angle for the uniform model
}

// CatalogConfig describes where the catalog comes from.
type CatalogConfig struct {
	File            string // local catalog document loaded at startup
	SourceURL       string // empty disables fetching
	ExtraURLs       []string
	CacheDir        string
	MaxFiles        int
	MaxAge          time.Duration
	RefreshInterval time.Duration // 0 disables scheduled refresh
	AngleUnit       string        // default for JSON documents without angle_unit
}

// Config is the full service configuration.
type Config struct {
	HTTP           HTTPConfig
	Log            LogConfig
	Auth           auth.Config
	RateLimit      httputil.RateLimitConfig
	Body           BodyConfig
	Solver         kepler.Config
	MaxTrackPoints int
	Propagation    propagation.PropConfig
	Cache          cache.Config
	Stream         stream.Config
	Catalog        CatalogConfig
	Tracing        observability.TracingConfig
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: slog.LevelInfo, Format: "json"},
		RateLimit: httputil.RateLimitConfig{
			Enabled: true,
			RPS:     20,
			Burst:   40,
		},
		Body: BodyConfig{
			Body:  orbit.Earth(),
			Frame: transform.FrameInertial,
		},
		Solver:         kepler.DefaultConfig(),
		MaxTrackPoints: 2000,
		Propagation: propagation.PropConfig{
			Workers: runtime.NumCPU(),
			Step:    5 * time.Second,
			Horizon: 600 * time.Second,
			Track:   propagation.DefaultTrackOptions(),
		},
		Cache: cache.Config{
			Step:        5 * time.Second,
			Horizon:     600 * time.Second,
			GracePeriod: 30 * time.Second,
			Buffer:      60 * time.Second,
		},
		Stream: stream.Config{
			MaxConcurrentPerIP: 10,
			MaxConcurrent:      1000,
			BandwidthLimit:     1048576,
			KeepaliveInterval:  30 * time.Second,
		},
		Catalog: CatalogConfig{
			CacheDir:  "/tmp/orbitrack/catalog",
			MaxFiles:  5,
			MaxAge:    24 * time.Hour,
			AngleUnit: catalog.AngleRadians,
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Engine builds the propagation engine the configuration describes.
func (c Config) Engine() (*propagation.Engine, error) {
	frame, err := transform.ParseFrame(c.Body.Frame, c.Body.Body, c.Body.Theta0)
	if err != nil {
		return nil, err
	}
	return propagation.NewEngine(c.Body.Body, c.Solver, frame)
}

// ParseOptions returns the catalog decoding options.
func (c Config) ParseOptions() catalog.ParseOptions {
	return catalog.ParseOptions{AngleUnit: c.Catalog.AngleUnit, GM: c.Body.Body.GM}
}

// Load reads the configuration file named by ORBITRACK_CONFIG, if any, and
// the environment.
func Load(logger *slog.Logger) (Config, error) {
	v := viper.New()
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		logger.Info("loaded config file", "path", v.ConfigFileUsed())
	}
	return FromViper(v, logger)
}

// FromViper builds a Config from v, layering environment overrides on top.
func FromViper(v *viper.Viper, logger *slog.Logger) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	l := loader{v: v, logger: logger}
	cfg := Default()

	cfg.HTTP.Addr = l.str("http.addr", cfg.HTTP.Addr)
	cfg.HTTP.TrustProxy = l.boolean("http.trust_proxy", false)

	cfg.Log.Level = l.level("log.level", cfg.Log.Level)
	cfg.Log.Format = l.oneOf("log.format", cfg.Log.Format, "json", "text")

	authCfg, err := l.auth()
	if err != nil {
		return Config{}, err
	}
	cfg.Auth = authCfg

	cfg.RateLimit.Enabled = l.boolean("ratelimit.enabled", cfg.RateLimit.Enabled)
	cfg.RateLimit.RPS = l.float("ratelimit.rps", cfg.RateLimit.RPS, positive)
	cfg.RateLimit.Burst = l.intAtLeast("ratelimit.burst", cfg.RateLimit.Burst, 1)
	cfg.RateLimit.TrustProxy = cfg.HTTP.TrustProxy

	cfg.Body.Body.GM = l.float("body.gm", cfg.Body.Body.GM, positive)
	cfg.Body.Body.Radius = l.float("body.radius", cfg.Body.Body.Radius, positive)
	cfg.Body.Body.RotationRate = l.float("body.rotation_rate", cfg.Body.Body.RotationRate, finite)
	cfg.Body.Theta0 = l.float("body.theta0", 0, finite)
	cfg.Body.Frame = l.frame("body.frame", cfg.Body)

	cfg.Solver.Tolerance = l.float("solver.tolerance", cfg.Solver.Tolerance, positive)
	cfg.Solver.MaxIterations = l.intAtLeast("solver.max_iterations", cfg.Solver.MaxIterations, 1)

	track := &cfg.Propagation.Track
	track.Points = l.intAtLeast("track.points", track.Points, 1)
	track.Step = l.duration("track.step", track.Step)
	track.OnePeriod = l.boolean("track.one_period", false)
	cfg.MaxTrackPoints = l.intAtLeast("track.max_points", cfg.MaxTrackPoints, 1)
	if cfg.MaxTrackPoints > propagation.MaxTrackPoints {
		logger.Warn("track.max_points above hard limit, clamping", "value", cfg.MaxTrackPoints, "limit", propagation.MaxTrackPoints)
		cfg.MaxTrackPoints = propagation.MaxTrackPoints
	}
	if track.Points > cfg.MaxTrackPoints {
		logger.Warn("track.points above track.max_points, clamping", "value", track.Points, "max", cfg.MaxTrackPoints)
		track.Points = cfg.MaxTrackPoints
	}

	cfg.Propagation.Workers = l.intAtLeast("propagation.workers", cfg.Propagation.Workers, 1)
	cfg.Propagation.Step = l.duration("propagation.step", cfg.Propagation.Step)
	cfg.Propagation.Horizon = l.duration("propagation.horizon", cfg.Propagation.Horizon)

	// The cache follows the propagation window unless set on its own.
	cfg.Cache.Step = l.duration("cache.step", cfg.Propagation.Step)
	cfg.Cache.Horizon = l.duration("cache.horizon", cfg.Propagation.Horizon)
	cfg.Cache.GracePeriod = l.duration("cache.grace_period", cfg.Cache.GracePeriod)
	cfg.Cache.Buffer = l.duration("cache.buffer", cfg.Cache.Buffer)

	cfg.Stream.MaxConcurrentPerIP = l.intAtLeast("stream.max_concurrent_per_ip", cfg.Stream.MaxConcurrentPerIP, 1)
	cfg.Stream.MaxConcurrent = l.intAtLeast("stream.max_concurrent", cfg.Stream.MaxConcurrent, 1)
	cfg.Stream.BandwidthLimit = l.intAtLeast("stream.bandwidth_limit", cfg.Stream.BandwidthLimit, 0)
	cfg.Stream.KeepaliveInterval = l.duration("stream.keepalive_interval", cfg.Stream.KeepaliveInterval)
	cfg.Stream.AllowedOrigins = l.list("stream.allowed_origins")
	cfg.Stream.TrustProxy = cfg.HTTP.TrustProxy

	cfg.Catalog.File = l.str("catalog.file", "")
	cfg.Catalog.SourceURL = l.str("catalog.source_url", "")
	cfg.Catalog.ExtraURLs = l.list("catalog.extra_urls")
	cfg.Catalog.CacheDir = l.str("catalog.cache_dir", cfg.Catalog.CacheDir)
	cfg.Catalog.MaxFiles = l.intAtLeast("catalog.max_files", cfg.Catalog.MaxFiles, 1)
	cfg.Catalog.MaxAge = l.duration("catalog.max_age", cfg.Catalog.MaxAge)
	cfg.Catalog.RefreshInterval = l.durationOrZero("catalog.refresh_interval", 0)
	cfg.Catalog.AngleUnit = l.angleUnit("catalog.angle_unit", cfg.Catalog.AngleUnit)

	cfg.Tracing.Enabled = l.boolean("tracing.enabled", false)
	cfg.Tracing.ServiceName = l.str("tracing.service_name", cfg.Tracing.ServiceName)
	cfg.Tracing.Exporter = l.oneOf("tracing.exporter", cfg.Tracing.Exporter, "stdout", "otlp", "otlpgrpc")
	cfg.Tracing.Endpoint = l.str("tracing.endpoint", "")
	cfg.Tracing.SampleRatio = l.float("tracing.sample_ratio", cfg.Tracing.SampleRatio, func(f float64) bool {
		return f >= 0 && f <= 1
	})

	return cfg, nil
}

func positive(f float64) bool { return f > 0 && !math.IsInf(f, 0) }
func finite(f float64) bool   { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// loader reads typed values, warning and keeping the default when a value
// does not parse or fails its check.
type loader struct {
	v      *viper.Viper
	logger *slog.Logger
}

func (l loader) raw(key string) string {
	return strings.TrimSpace(l.v.GetString(key))
}

func (l loader) invalid(key, value string, def any) {
	l.logger.Warn("invalid config value, using default", "key", key, "value", value, "default", def)
}

func (l loader) str(key, def string) string {
	if s := l.raw(key); s != "" {
		return s
	}
	return def
}

func (l loader) boolean(key string, def bool) bool {
	s := l.raw(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		l.invalid(key, s, def)
		return def
	}
	return b
}

func (l loader) intAtLeast(key string, def, lo int) int {
	s := l.raw(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo {
		l.invalid(key, s, def)
		return def
	}
	return n
}

func (l loader) float(key string, def float64, ok func(float64) bool) float64 {
	s := l.raw(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !ok(f) {
		l.invalid(key, s, def)
		return def
	}
	return f
}

func (l loader) parseDuration(s string) (time.Duration, bool) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), finite(secs)
	}
	d, err := time.ParseDuration(s)
	return d, err == nil
}

// duration reads a strictly positive duration.
func (l loader) duration(key string, def time.Duration) time.Duration {
	s := l.raw(key)
	if s == "" {
		return def
	}
	d, ok := l.parseDuration(s)
	if !ok || d <= 0 {
		l.invalid(key, s, def)
		return def
	}
	return d
}

// durationOrZero reads a non-negative duration; zero disables the feature.
func (l loader) durationOrZero(key string, def time.Duration) time.Duration {
	s := l.raw(key)
	if s == "" {
		return def
	}
	d, ok := l.parseDuration(s)
	if !ok || d < 0 {
		l.invalid(key, s, def)
		return def
	}
	return d
}

func (l loader) oneOf(key, def string, allowed ...string) string {
	s := strings.ToLower(l.raw(key))
	if s == "" {
		return def
	}
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	l.invalid(key, s, def)
	return def
}

// list accepts a comma-separated string or a config-file array.
func (l loader) list(key string) []string {
	var out []string
	for _, item := range l.v.GetStringSlice(key) {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (l loader) level(key string, def slog.Level) slog.Level {
	s := l.raw(key)
	if s == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		l.invalid(key, s, def.String())
		return def
	}
	return lvl
}

func (l loader) frame(key string, body BodyConfig) string {
	s := l.raw(key)
	if s == "" {
		return body.Frame
	}
	f, err := transform.ParseFrame(s, body.Body, body.Theta0)
	if err != nil {
		l.invalid(key, s, body.Frame)
		return body.Frame
	}
	return f.Name()
}

func (l loader) angleUnit(key, def string) string {
	s := l.raw(key)
	if s == "" {
		return def
	}
	unit, err := catalog.NormalizeAngleUnit(s)
	if err != nil {
		l.invalid(key, s, def)
		return def
	}
	return unit
}

// auth errors are fatal rather than falling back.
func (l loader) auth() (auth.Config, error) {
	var cfg auth.Config
	if s := l.raw("auth.enabled"); s != "" {
		enabled, err := strconv.ParseBool(s)
		if err != nil {
			return cfg, fmt.Errorf("%s_AUTH_ENABLED must be a boolean value (true/false/1/0)", EnvPrefix)
		}
		cfg.Enabled = enabled
	}
	if cfg.Enabled {
		cfg.Token = l.raw("auth.token")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
