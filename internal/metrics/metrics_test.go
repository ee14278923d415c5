package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// Known exact routes.
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/", "/"},
		{"/api/v1/objects", "/api/v1/objects"},
		{"/api/v1/positions", "/api/v1/positions"},
		{"/api/v1/catalog/metadata", "/api/v1/catalog/metadata"},
		{"/api/v1/catalog/fetch", "/api/v1/catalog/fetch"},
		{"/api/v1/cache/frames/latest", "/api/v1/cache/frames/latest"},
		{"/api/v1/cache/stats", "/api/v1/cache/stats"},
		{"/api/v1/cache/tracks", "/api/v1/cache/tracks"},
		{"/api/v1/stream/frames", "/api/v1/stream/frames"},
		{"/api/v1/stream/ws", "/api/v1/stream/ws"},

		// Object routes collapse to one label per route.
		{"/api/v1/propagate/25544", "/api/v1/propagate/{id}"},
		{"/api/v1/propagate/satellite-a", "/api/v1/propagate/{id}"},
		{"/api/v1/track/25544", "/api/v1/track/{id}"},
		{"/api/v1/passes/ISS", "/api/v1/passes/{id}"},

		// Missing or nested ids are not object routes.
		{"/api/v1/propagate/", "other"},
		{"/api/v1/track/1/extra", "other"},

		// Unknown/bot paths collapse to "other".
		{"/wp-admin", "other"},
		{"/robots.txt", "other"},
		{"/.env", "other"},
		{"/api/v2/something", "other"},
		{"/favicon.ico", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := normalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestMetricsCardinality verifies that 100 unique object ids produce
// exactly 1 distinct path label, not 100.
func TestMetricsCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[normalizeRoute(fmt.Sprintf("/api/v1/track/%d", 40000+i))] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 unique label for parameterized paths, got %d: %v", len(seen), seen)
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	counter := httpRequestsTotal.WithLabelValues("/api/v1/propagate/{id}", http.MethodGet, "418")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/propagate/abc", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("counter delta = %v, want 1", got)
	}
}

func TestMiddlewareKeepsFlusher(t *testing.T) {
	var flushed bool
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer is not a Flusher")
		}
		f.Flush()
		flushed = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/stream/frames", nil))
	if !flushed {
		t.Error("handler did not run")
	}
}

func TestRecordPropagation(t *testing.T) {
	success := testutil.ToFloat64(propagationResultsTotal.WithLabelValues("success"))
	failed := testutil.ToFloat64(propagationResultsTotal.WithLabelValues("error"))

	RecordPropagation(10*time.Millisecond, 5, 2)

	if got := testutil.ToFloat64(propagationResultsTotal.WithLabelValues("success")) - success; got != 5 {
		t.Errorf("success delta = %v, want 5", got)
	}
	if got := testutil.ToFloat64(propagationResultsTotal.WithLabelValues("error")) - failed; got != 2 {
		t.Errorf("error delta = %v, want 2", got)
	}
}

func TestGauges(t *testing.T) {
	SetCacheGracePeriodActive(true)
	if got := testutil.ToFloat64(cacheGracePeriodActive); got != 1 {
		t.Errorf("grace gauge = %v, want 1", got)
	}
	SetCacheGracePeriodActive(false)
	if got := testutil.ToFloat64(cacheGracePeriodActive); got != 0 {
		t.Errorf("grace gauge = %v, want 0", got)
	}

	IncStreamsActive("sse")
	IncStreamsActive("sse")
	DecStreamsActive("sse")
	if got := testutil.ToFloat64(streamsActive.WithLabelValues("sse")); got != 1 {
		t.Errorf("active sse streams = %v, want 1", got)
	}
	DecStreamsActive("sse")

	SetCatalogObjects(3)
	if got := testutil.ToFloat64(catalogObjects); got != 3 {
		t.Errorf("catalog objects = %v, want 3", got)
	}
}
