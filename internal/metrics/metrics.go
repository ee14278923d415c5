// Package metrics defines the service's Prometheus collectors and the
// helpers the rest of the code records through.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orbitrack"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	propagationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "propagation_duration_seconds",
			Help:      "Time to propagate the whole catalog to one instant.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	propagationResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_results_total",
			Help:      "Object propagations by outcome.",
		},
		[]string{"outcome"},
	)

	propagationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_errors_total",
			Help:      "Failed object propagations by error kind.",
		},
		[]string{"kind"},
	)

	keplerIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kepler_iterations",
			Help:      "Newton-Raphson iterations per successful Kepler solve.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 8, 10, 20, 50},
		},
	)

	propagationWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "propagation_workers",
			Help:      "Configured propagation worker pool size.",
		},
	)

	trackGenerationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "track_generation_seconds",
			Help:      "Time to sample ground tracks for the whole catalog.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	catalogObjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_objects",
			Help:      "Number of objects in the current catalog dataset.",
		},
	)

	catalogAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_age_seconds",
			Help:      "Seconds since the current catalog dataset was fetched.",
		},
	)

	catalogFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_fetches_total",
			Help:      "Catalog fetch attempts by result.",
		},
		[]string{"result"},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Frames currently held in the frame cache.",
		},
	)

	cacheSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Estimated memory held by cached frames.",
		},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Frame cache lookups served from the cache.",
		},
	)

	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Frame cache lookups that found nothing.",
		},
	)

	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Frames evicted from the cache.",
		},
	)

	cacheGracePeriodActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_grace_period_active",
			Help:      "1 while the cache serves old frames during a dataset cutover.",
		},
	)

	cacheRegenerationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_regeneration_seconds",
			Help:      "Time to regenerate cached frames.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	cacheRegenerationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_regeneration_errors_total",
			Help:      "Failed frame regenerations.",
		},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connections_total",
			Help:      "Stream connection events.",
		},
		[]string{"transport", "event"},
	)

	streamsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Currently open streams.",
		},
		[]string{"transport"},
	)

	streamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Messages sent to stream clients.",
		},
	)

	streamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Bytes sent to stream clients.",
		},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Stream errors by reason.",
		},
		[]string{"reason"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the per-IP rate limiter.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		propagationDurationSeconds,
		propagationResultsTotal,
		propagationErrorsTotal,
		keplerIterations,
		propagationWorkers,
		trackGenerationSeconds,
		catalogObjects,
		catalogAgeSeconds,
		catalogFetchesTotal,
		cacheEntries,
		cacheSizeBytes,
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		cacheGracePeriodActive,
		cacheRegenerationSeconds,
		cacheRegenerationErrorsTotal,
		streamConnectionsTotal,
		streamsActive,
		streamMessagesTotal,
		streamBytesTotal,
		streamErrorsTotal,
		rateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPropagation records one catalog-wide propagation.
func RecordPropagation(d time.Duration, success, errors int) {
	propagationDurationSeconds.Observe(d.Seconds())
	propagationResultsTotal.WithLabelValues("success").Add(float64(success))
	propagationResultsTotal.WithLabelValues("error").Add(float64(errors))
}

// IncPropagationErrors counts one failed object by error kind.
func IncPropagationErrors(kind string) {
	propagationErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveKeplerIterations records the iterations of one successful solve.
func ObserveKeplerIterations(n int) {
	keplerIterations.Observe(float64(n))
}

// SetPropagationWorkers sets the worker pool size gauge.
func SetPropagationWorkers(n int) {
	propagationWorkers.Set(float64(n))
}

// ObserveTrackGeneration records one catalog-wide track build.
func ObserveTrackGeneration(d time.Duration) {
	trackGenerationSeconds.Observe(d.Seconds())
}

// SetCatalogObjects sets the current dataset size.
func SetCatalogObjects(n int) {
	catalogObjects.Set(float64(n))
}

// SetCatalogAge sets the current dataset age in seconds.
func SetCatalogAge(seconds float64) {
	catalogAgeSeconds.Set(seconds)
}

// IncCatalogFetches counts a fetch attempt; result is "success" or "error".
func IncCatalogFetches(result string) {
	catalogFetchesTotal.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the number of cached frames.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// SetCacheSizeBytes sets the estimated cache size.
func SetCacheSizeBytes(n int64) {
	cacheSizeBytes.Set(float64(n))
}

// IncCacheHits counts a cache hit.
func IncCacheHits() {
	cacheHitsTotal.Inc()
}

// IncCacheMisses counts a cache miss.
func IncCacheMisses() {
	cacheMissesTotal.Inc()
}

// AddCacheEvictions counts evicted frames.
func AddCacheEvictions(n int) {
	cacheEvictionsTotal.Add(float64(n))
}

// SetCacheGracePeriodActive flags a cutover in progress.
func SetCacheGracePeriodActive(active bool) {
	if active {
		cacheGracePeriodActive.Set(1)
		return
	}
	cacheGracePeriodActive.Set(0)
}

// ObserveCacheRegenerationDuration records a frame regeneration.
func ObserveCacheRegenerationDuration(d time.Duration) {
	cacheRegenerationSeconds.Observe(d.Seconds())
}

// IncCacheRegenerationErrors counts a failed regeneration.
func IncCacheRegenerationErrors() {
	cacheRegenerationErrorsTotal.Inc()
}

// IncStreamConnections counts a connect or disconnect on a transport.
func IncStreamConnections(transport, event string) {
	streamConnectionsTotal.WithLabelValues(transport, event).Inc()
}

// IncStreamsActive marks a stream opened.
func IncStreamsActive(transport string) {
	streamsActive.WithLabelValues(transport).Inc()
}

// DecStreamsActive marks a stream closed.
func DecStreamsActive(transport string) {
	streamsActive.WithLabelValues(transport).Dec()
}

// IncStreamMessages counts one message sent.
func IncStreamMessages() {
	streamMessagesTotal.Inc()
}

// AddStreamBytes counts bytes sent.
func AddStreamBytes(n int64) {
	streamBytesTotal.Add(float64(n))
}

// IncStreamErrors counts a stream error by reason.
func IncStreamErrors(reason string) {
	streamErrorsTotal.WithLabelValues(reason).Inc()
}

// IncRateLimited counts a request rejected by the rate limiter.
func IncRateLimited() {
	rateLimitedTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrade take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		path := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(path, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(path, r.Method).Observe(duration)
	})
}

var exactRoutes = map[string]bool{
	"/":                           true,
	"/healthz":                    true,
	"/readyz":                     true,
	"/metrics":                    true,
	"/api/v1/objects":             true,
	"/api/v1/positions":           true,
	"/api/v1/catalog/metadata":    true,
	"/api/v1/catalog/fetch":       true,
	"/api/v1/cache/frames/latest": true,
	"/api/v1/cache/stats":         true,
	"/api/v1/cache/tracks":        true,
	"/api/v1/stream/frames":       true,
	"/api/v1/stream/ws":           true,
}

// Routes whose last segment is an object id.
var objectRoutes = []string{
	"/api/v1/propagate/",
	"/api/v1/track/",
	"/api/v1/passes/",
}

// normalizeRoute collapses object ids and unknown paths so the path label
// has bounded cardinality.
func normalizeRoute(path string) string {
	if exactRoutes[path] {
		return path
	}
	for _, prefix := range objectRoutes {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			return prefix + "{id}"
		}
	}
	return "other"
}
