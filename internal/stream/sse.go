// Package stream pushes cached position frames to clients over
// Server-Sent Events (GET /api/v1/stream/frames) and WebSocket
// (GET /api/v1/stream/ws). Both transports send the same JSON messages.
//
// First message is always metadata:
//
//	{"type":"metadata","client_id":"...","source":"sample","dataset_fetched_at":"...","catalog_age_seconds":1800,"objects":3}
//
// Then one batch per step:
//
//	{"type":"frame_batch","t":"2026-02-06T04:00:00Z","frame":"sidereal","obj":[{"id":"1","p":[lng,lat,alt],"tr":[[lng,lat,alt],...]}]}
//
// SSE wraps each message as "data: {json}\n\n" and sends ":\n\n" comments
// as keep-alives; WebSocket sends text messages and pings.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/star/orbitrack/internal/cache"
	"github.com/star/orbitrack/internal/catalog"
	"github.com/star/orbitrack/internal/httputil"
	"github.com/star/orbitrack/internal/metrics"
	"github.com/star/orbitrack/internal/propagation"
)

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxConcurrent      int           // Max concurrent streams overall (default: 1000).
	BandwidthLimit     int           // Bytes per second per stream, 0 for unlimited (default: 1048576).
	KeepaliveInterval  time.Duration // Keep-alive interval (default: 30s).
	TrustProxy         bool          // Take the client IP from X-Forwarded-For.
	AllowedOrigins     []string      // WebSocket origins; empty means same host only.
}

// Handler manages streaming connections.
type Handler struct {
	cache   *cache.FrameCache
	store   *catalog.Store
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(frames *cache.FrameCache, store *catalog.Store, config Config, logger *slog.Logger) *Handler {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		cache:   frames,
		store:   store,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxConcurrent),
		logger:  logger,
	}
}

// streamParams are the query parameters shared by both transports.
type streamParams struct {
	step  int // seconds between batches
	trail int // past frames attached to each object
}

func parseStreamParams(r *http.Request) (streamParams, error) {
	p := streamParams{step: 5, trail: 20}
	var err error
	if p.step, err = intParam(r, "step", p.step, 1, 60); err != nil {
		return p, err
	}
	if p.trail, err = intParam(r, "trail", p.trail, 0, 120); err != nil {
		return p, err
	}
	return p, nil
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s parameter, must be %d-%d", name, lo, hi)
	}
	return n, nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// admit enforces the concurrent stream limits. It writes the 429 response
// itself and returns false when the client is over its limit.
func (h *Handler) admit(w http.ResponseWriter, ip string) bool {
	if h.limiter.acquire(ip) {
		return true
	}
	metrics.IncStreamErrors("rate_limit")
	h.logger.Warn("stream rate limit exceeded",
		"remote_ip", ip,
		"current_count", h.limiter.count(ip),
	)
	w.Header().Set("Retry-After", "30")
	writeJSONError(w, http.StatusTooManyRequests, "too many concurrent streams")
	return false
}

// HandleFrames serves the SSE frame stream.
// GET /api/v1/stream/frames?step=5&trail=20
func (h *Handler) HandleFrames(w http.ResponseWriter, r *http.Request) {
	params, err := parseStreamParams(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if !h.admit(w, ip) {
		return
	}
	defer h.limiter.release(ip)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	// Jittered retry interval (3-7s) prevents reconnection storms when the
	// server restarts.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.IntN(4000))
	flusher.Flush()

	c := &sseClient{
		w:        w,
		flusher:  flusher,
		rc:       rc,
		throttle: newThrottle(h.config.BandwidthLimit),
		logger:   h.logger,
	}
	h.serve(r.Context(), c, "sse", ip, r.UserAgent(), params)
}

// sender is one connected client, whatever the transport.
type sender interface {
	send(ctx context.Context, data []byte) error
	keepalive(ctx context.Context) error
}

// serve runs the stream loop for one client until ctx is done or a write
// fails.
func (h *Handler) serve(ctx context.Context, c sender, transport, ip, userAgent string, params streamParams) {
	clientID := uuid.NewString()
	metrics.IncStreamConnections(transport, "connect")
	metrics.IncStreamsActive(transport)

	startTime := time.Now()
	logger := h.logger.With("client_id", clientID, "transport", transport, "remote_ip", ip)
	logger.Info("stream connected",
		"user_agent", userAgent,
		"step", params.step,
		"trail", params.trail,
	)

	defer func() {
		metrics.IncStreamConnections(transport, "disconnect")
		metrics.DecStreamsActive(transport)
		logger.Info("stream disconnected",
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	if ds := h.store.Get(); ds != nil {
		if err := sendJSON(ctx, c, newMetadataMessage(clientID, ds)); err != nil {
			metrics.IncStreamErrors("send_error")
			logger.Warn("stream send error (metadata)", "error", err)
			return
		}
	}

	ticker := time.NewTicker(time.Duration(params.step) * time.Second)
	defer ticker.Stop()

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case t := <-ticker.C:
			f := h.cache.Get(t)
			if f == nil {
				metrics.IncStreamErrors("cache_miss")
				logger.Debug("stream cache miss",
					"timestamp", h.cache.RoundToStep(t).Format(time.RFC3339),
				)
				continue
			}

			var trail []*propagation.Frame
			if params.trail > 0 {
				trail = h.cache.GetRecent(t, params.trail)
			}

			if err := sendJSON(ctx, c, buildBatchMessage(f, trail)); err != nil {
				metrics.IncStreamErrors("send_error")
				logger.Warn("stream send error", "error", err)
				return
			}
			keepaliveTicker.Reset(h.config.KeepaliveInterval)

		case <-keepaliveTicker.C:
			if err := c.keepalive(ctx); err != nil {
				metrics.IncStreamErrors("send_error")
				logger.Warn("stream keepalive error", "error", err)
				return
			}
		}
	}
}

func sendJSON(ctx context.Context, c sender, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		metrics.IncStreamErrors("marshal_error")
		return fmt.Errorf("json marshal: %w", err)
	}
	return c.send(ctx, data)
}

// Message payload types.

type metadataMessage struct {
	Type             string `json:"type"`
	ClientID         string `json:"client_id"`
	Source           string `json:"source"`
	DatasetFetchedAt string `json:"dataset_fetched_at"`
	CatalogAge       int    `json:"catalog_age_seconds"`
	Objects          int    `json:"objects"`
}

func newMetadataMessage(clientID string, ds *catalog.Dataset) metadataMessage {
	return metadataMessage{
		Type:             "metadata",
		ClientID:         clientID,
		Source:           ds.Source,
		DatasetFetchedAt: ds.FetchedAt.UTC().Format(time.RFC3339),
		CatalogAge:       int(time.Since(ds.FetchedAt).Seconds()),
		Objects:          ds.Len(),
	}
}

type frameBatchMessage struct {
	Type  string       `json:"type"`
	T     string       `json:"t"`
	Frame string       `json:"frame"`
	Obj   []objPayload `json:"obj"`
}

type objPayload struct {
	ID  string                  `json:"id"`
	P   *propagation.PathPoint  `json:"p,omitempty"`
	Tr  []propagation.PathPoint `json:"tr,omitempty"`
	Err string                  `json:"err,omitempty"`
}

// buildBatchMessage formats a frame into the batch payload. If trail is
// non-empty, each object carries its past positions (oldest first). Failed
// objects carry their error instead of a position.
func buildBatchMessage(f *propagation.Frame, trail []*propagation.Frame) frameBatchMessage {
	var trailIndex map[string][]propagation.PathPoint
	if len(trail) > 0 {
		trailIndex = make(map[string][]propagation.PathPoint, len(f.Objects))
		for _, tf := range trail {
			for _, o := range tf.Objects {
				if o.Error != "" {
					continue
				}
				trailIndex[o.ID] = append(trailIndex[o.ID], pathPoint(o))
			}
		}
	}

	objs := make([]objPayload, len(f.Objects))
	for i, o := range f.Objects {
		objs[i] = objPayload{ID: o.ID}
		if o.Error != "" {
			objs[i].Err = o.Error
			continue
		}
		p := pathPoint(o)
		objs[i].P = &p
		if tr, ok := trailIndex[o.ID]; ok {
			objs[i].Tr = tr
		}
	}
	return frameBatchMessage{
		Type:  "frame_batch",
		T:     f.Timestamp.UTC().Format(time.RFC3339),
		Frame: f.FrameName,
		Obj:   objs,
	}
}

func pathPoint(o propagation.ObjectPosition) propagation.PathPoint {
	return propagation.PathPoint{Lng: o.Lng, Lat: o.Lat, Altitude: o.Altitude}
}
