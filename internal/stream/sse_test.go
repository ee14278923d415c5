package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/star/orbitrack/internal/cache"
	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/transform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func testStore(t testing.TB) *catalog.Store {
	t.Helper()
	ds, err := catalog.Sample(time.Date(2026, 2, 6, 3, 45, 0, 0, time.UTC), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	store := catalog.NewStore()
	store.Set(ds)
	return store
}

func testConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		BandwidthLimit:     1048576,
		KeepaliveInterval:  30 * time.Second,
	}
}

// coldCache returns a cache that is never filled.
func coldCache(store *catalog.Store) *cache.FrameCache {
	return cache.NewFrameCache(cache.Config{
		Step:        5 * time.Second,
		Horizon:     30 * time.Second,
		GracePeriod: 5 * time.Second,
		Buffer:      10 * time.Second,
	}, nil, store, testLogger())
}

// warmCache starts a cache with one-second frames and waits for its warmup.
func warmCache(t *testing.T, store *catalog.Store) *cache.FrameCache {
	t.Helper()
	e := propagation.DefaultEngine()
	e.Frame = transform.Sidereal{}
	prop := propagation.NewPropagator(store, e, propagation.PropConfig{
		Workers: 2,
		Step:    time.Second,
		Horizon: 10 * time.Second,
		Track:   propagation.TrackOptions{Points: 5},
	}, testLogger())
	c := cache.NewFrameCache(cache.Config{
		Step:    time.Second,
		Horizon: 10 * time.Second,
		Buffer:  10 * time.Second,
	}, prop, store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().Entries < 5 {
		if time.Now().After(deadline) {
			t.Fatal("cache warmup did not finish")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return c
}

// TestBuildBatchMessage verifies the frame batch payload structure.
func TestBuildBatchMessage(t *testing.T) {
	ts := time.Date(2026, 2, 6, 4, 0, 0, 0, time.UTC)
	f := &propagation.Frame{
		Timestamp: ts,
		FrameName: transform.FrameSidereal,
		Objects: []propagation.ObjectPosition{
			{ID: "1", Geographic: transform.Geographic{Lat: 10, Lng: 20, Altitude: 0.1}},
			{ID: "bad", Error: "validation: eccentricity out of range", ErrorKind: "validation"},
		},
	}
	older := &propagation.Frame{
		Timestamp: ts.Add(-5 * time.Second),
		Objects: []propagation.ObjectPosition{
			{ID: "1", Geographic: transform.Geographic{Lat: 9, Lng: 19, Altitude: 0.1}},
			{ID: "bad", Error: "validation"},
		},
	}

	msg := buildBatchMessage(f, []*propagation.Frame{older, f})

	if msg.Type != "frame_batch" || msg.Frame != transform.FrameSidereal || msg.T != "2026-02-06T04:00:00Z" {
		t.Errorf("header = %q %q %q", msg.Type, msg.Frame, msg.T)
	}
	if len(msg.Obj) != 2 {
		t.Fatalf("obj count = %d, want 2", len(msg.Obj))
	}
	ok := msg.Obj[0]
	if ok.P == nil || *ok.P != (propagation.PathPoint{Lng: 20, Lat: 10, Altitude: 0.1}) {
		t.Errorf("obj[0].p = %v", ok.P)
	}
	if len(ok.Tr) != 2 || ok.Tr[0].Lat != 9 {
		t.Errorf("obj[0].tr = %v, want two points oldest first", ok.Tr)
	}
	bad := msg.Obj[1]
	if bad.P != nil || bad.Err == "" || bad.Tr != nil {
		t.Errorf("failed object payload = %+v", bad)
	}
}

// TestBatchMessageJSON verifies the JSON wire shape.
func TestBatchMessageJSON(t *testing.T) {
	p := propagation.PathPoint{Lng: 20, Lat: 10, Altitude: 0.5}
	msg := frameBatchMessage{
		Type:  "frame_batch",
		T:     "2026-02-06T04:00:00Z",
		Frame: "inertial",
		Obj:   []objPayload{{ID: "1", P: &p}, {ID: "2", Err: "boom"}},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"frame_batch","t":"2026-02-06T04:00:00Z","frame":"inertial","obj":[{"id":"1","p":[20,10,0.5]},{"id":"2","err":"boom"}]}`
	if string(data) != want {
		t.Errorf("json = %s\nwant %s", data, want)
	}
}

// TestMetadataMessageJSON verifies the metadata message format.
func TestMetadataMessageJSON(t *testing.T) {
	store := testStore(t)
	msg := newMetadataMessage("abc", store.Get())

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}

	if parsed["type"] != "metadata" || parsed["client_id"] != "abc" {
		t.Errorf("metadata = %v", parsed)
	}
	if parsed["dataset_fetched_at"] != "2026-02-06T03:45:00Z" {
		t.Errorf("dataset_fetched_at = %v", parsed["dataset_fetched_at"])
	}
	if parsed["objects"].(float64) != 3 || parsed["source"] != catalog.SampleSource {
		t.Errorf("objects/source = %v %v", parsed["objects"], parsed["source"])
	}
	if _, ok := parsed["catalog_age_seconds"]; !ok {
		t.Error("metadata missing catalog_age_seconds")
	}
}

// TestSSEMessageFormat verifies the SSE wire format: "data: {json}\n\n".
func TestSSEMessageFormat(t *testing.T) {
	store := testStore(t)
	handler := NewHandler(warmCache(t, store), store, testConfig(), testLogger())

	req := httptest.NewRequest("GET", "/api/v1/stream/frames?step=1&trail=2", nil)
	req.RemoteAddr = "127.0.0.1:12345"

	ctx, cancel := context.WithTimeout(req.Context(), 2500*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	handler.HandleFrames(w, req)

	resp := w.Result()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", resp.Header.Get("Cache-Control"))
	}

	body := w.Body.String()
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var types []string
	for scanner.Scan() {
		line := scanner.Text()
		jsonStr, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
			t.Errorf("invalid JSON in SSE data line: %v", err)
			continue
		}
		types = append(types, msg["type"].(string))
		if msg["type"] == "frame_batch" {
			if msg["frame"] != transform.FrameSidereal {
				t.Errorf("frame = %v", msg["frame"])
			}
			if objs := msg["obj"].([]any); len(objs) != 3 {
				t.Errorf("batch has %d objects, want 3", len(objs))
			}
		}
	}

	if len(types) < 2 || types[0] != "metadata" || types[1] != "frame_batch" {
		t.Errorf("message types = %v, want metadata then frame_batch", types)
	}

	// Lines should be "data: ...", "retry: ...", ":" (keepalive) or empty.
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") && !strings.HasPrefix(line, "retry: ") && line != ":" {
			t.Errorf("unexpected SSE line: %q", line)
		}
	}
}

// TestRateLimiting verifies per-IP concurrent stream limits.
func TestRateLimiting(t *testing.T) {
	limiter := newStreamLimiter(3, 0)

	for i := 0; i < 3; i++ {
		if !limiter.acquire("10.0.0.1") {
			t.Fatalf("acquire %d should succeed", i+1)
		}
	}
	if limiter.acquire("10.0.0.1") {
		t.Error("acquire beyond limit should fail")
	}
	if !limiter.acquire("10.0.0.2") {
		t.Error("different IP should not be rate limited")
	}

	limiter.release("10.0.0.1")
	if !limiter.acquire("10.0.0.1") {
		t.Error("acquire after release should succeed")
	}

	if c := limiter.count("10.0.0.1"); c != 3 {
		t.Errorf("count = %d, want 3", c)
	}
	if c := limiter.count("10.0.0.2"); c != 1 {
		t.Errorf("count = %d, want 1", c)
	}
}

func TestGlobalStreamLimit(t *testing.T) {
	limiter := newStreamLimiter(5, 2)
	if !limiter.acquire("a") || !limiter.acquire("b") {
		t.Fatal("first two acquires should succeed")
	}
	if limiter.acquire("c") {
		t.Error("global cap should reject a third stream")
	}
}

// TestRateLimitingConcurrent verifies rate limiter thread safety.
func TestRateLimitingConcurrent(t *testing.T) {
	limiter := newStreamLimiter(100, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.acquire("10.0.0.1") {
				defer limiter.release("10.0.0.1")
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if c := limiter.count("10.0.0.1"); c != 0 {
		t.Errorf("count after all released = %d, want 0", c)
	}
}

// TestRateLimitHTTPResponse verifies 429 response when limit exceeded.
func TestRateLimitHTTPResponse(t *testing.T) {
	store := testStore(t)
	cfg := testConfig()
	cfg.MaxConcurrentPerIP = 1
	handler := NewHandler(coldCache(store), store, cfg, testLogger())

	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest("GET", "/api/v1/stream/frames", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		ctx, cancel := context.WithCancel(req.Context())
		req = req.WithContext(ctx)
		w := httptest.NewRecorder()

		go func() {
			time.Sleep(50 * time.Millisecond)
			close(ready)
			time.Sleep(200 * time.Millisecond)
			cancel()
		}()

		handler.HandleFrames(w, req)
	}()

	<-ready

	req := httptest.NewRequest("GET", "/api/v1/stream/frames", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	w := httptest.NewRecorder()
	handler.HandleFrames(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	<-done
}

// TestInvalidQueryParams verifies error responses for bad step/trail values.
func TestInvalidQueryParams(t *testing.T) {
	store := testStore(t)
	handler := NewHandler(coldCache(store), store, testConfig(), testLogger())

	tests := []struct {
		name  string
		query string
	}{
		{"bad step", "?step=0"},
		{"step too large", "?step=100"},
		{"step non-numeric", "?step=abc"},
		{"negative trail", "?trail=-1"},
		{"trail too large", "?trail=500"},
		{"trail non-numeric", "?trail=xyz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/api/v1/stream/frames", "/api/v1/stream/ws"} {
				req := httptest.NewRequest("GET", path+tt.query, nil)
				req.RemoteAddr = "127.0.0.1:12345"
				w := httptest.NewRecorder()
				if strings.HasSuffix(path, "ws") {
					handler.HandleWebSocket(w, req)
				} else {
					handler.HandleFrames(w, req)
				}

				if w.Code != http.StatusBadRequest {
					t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusBadRequest)
				}
			}
		})
	}
}

func TestWaitBandwidth(t *testing.T) {
	if err := waitBandwidth(context.Background(), nil, 1<<30); err != nil {
		t.Errorf("unlimited wait = %v", err)
	}

	l := rate.NewLimiter(100, 100)
	if err := waitBandwidth(context.Background(), l, 100); err != nil {
		t.Fatalf("first burst = %v", err)
	}

	// The bucket is empty: 250 more bytes need 2.5s, more than the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := waitBandwidth(ctx, l, 250); err == nil {
		t.Error("expected the throttle to give up before the deadline")
	} else if errors.Is(err, context.Canceled) {
		t.Errorf("unexpected cancellation: %v", err)
	}
}
