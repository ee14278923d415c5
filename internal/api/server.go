package api

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/star/orbitrack/internal/auth"
	"github.com/star/orbitrack/internal/cache"
	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/health"
	"github.com/star/orbitrack/internal/httputil"
	"github.com/star/orbitrack/internal/metrics"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/stream"
)

var tracer = otel.Tracer("github.com/star/orbitrack/internal/api")

// Deps are the components the HTTP surface serves from. Cache, Stream and
// Refresher may be nil; their routes then answer 503.
type Deps struct {
	Logger     *slog.Logger
	Auth       auth.Config
	RateLimit  httputil.RateLimitConfig
	TrustProxy bool

	Store      *catalog.Store
	Refresher  *catalog.Refresher
	Propagator *propagation.Propagator
	Cache      *cache.FrameCache
	Stream     *stream.Handler

	// MaxTrackPoints caps points per track request; <= 0 uses
	// propagation.MaxTrackPoints.
	MaxTrackPoints int
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	limiter    *httputil.IPRateLimiter
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, deps Deps) *Server {
	if deps.MaxTrackPoints <= 0 || deps.MaxTrackPoints > propagation.MaxTrackPoints {
		deps.MaxTrackPoints = propagation.MaxTrackPoints
	}
	h := &handlers{deps: deps, logger: deps.Logger}

	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(func() (bool, string) {
		if deps.Store.Get() == nil {
			return false, "no catalog loaded"
		}
		return true, ""
	}))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/objects", traced("api.objects", h.objects))
	mux.HandleFunc("GET /api/v1/catalog/metadata", traced("api.catalog_metadata", h.catalogMetadata))
	mux.HandleFunc("POST /api/v1/catalog/fetch", traced("api.catalog_fetch", h.catalogFetch))
	mux.HandleFunc("GET /api/v1/propagate/{id}", traced("api.propagate", h.propagate))
	mux.HandleFunc("GET /api/v1/track/{id}", traced("api.track", h.track))
	mux.HandleFunc("GET /api/v1/positions", traced("api.positions", h.positions))
	mux.HandleFunc("GET /api/v1/passes/{id}", traced("api.passes", h.passes))

	mux.HandleFunc("GET /api/v1/cache/frames/latest", h.cacheLatest)
	mux.HandleFunc("GET /api/v1/cache/stats", h.cacheStats)
	mux.HandleFunc("GET /api/v1/cache/tracks", h.cacheTracks)

	if deps.Stream != nil {
		mux.HandleFunc("GET /api/v1/stream/frames", deps.Stream.HandleFrames)
		mux.HandleFunc("GET /api/v1/stream/ws", deps.Stream.HandleWebSocket)
	} else {
		mux.HandleFunc("GET /api/v1/stream/", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "streaming is disabled")
		})
	}

	var limiter *httputil.IPRateLimiter
	if deps.RateLimit.Enabled {
		limiter = httputil.NewIPRateLimiter(rate.Limit(deps.RateLimit.RPS), deps.RateLimit.Burst)
	}

	// Build middleware chain: metrics -> logging -> rate limit -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(deps.Auth)(handler)
	handler = httputil.RateLimitMiddleware(deps.RateLimit, limiter)(handler)
	handler = loggingMiddleware(deps.Logger, deps.TrustProxy)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			// Streams push their own per-write deadlines.
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		limiter: limiter,
		logger:  deps.Logger,
	}
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// SweepRateLimiter drops idle per-IP buckets every interval until ctx is
// cancelled.
func (s *Server) SweepRateLimiter(ctx context.Context, interval time.Duration) {
	if s.limiter == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Sweep(); n > 0 {
				s.logger.Debug("swept idle rate limiter buckets", "removed", n, "remaining", s.limiter.Len())
			}
		}
	}
}

// traced wraps a handler in a server span named name.
func traced(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()
		h(w, r.WithContext(ctx))
	}
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrade reach the underlying connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	sr.statusCode = http.StatusSwitchingProtocols
	return http.NewResponseController(sr.ResponseWriter).Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
