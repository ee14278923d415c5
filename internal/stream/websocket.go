package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/star/orbitrack/internal/httputil"
	"github.com/star/orbitrack/internal/metrics"
)

const (
	// Clients only send control frames; anything bigger is abuse.
	maxClientMessage = 512
	wsWriteWait      = 10 * time.Second
)

func (h *Handler) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(h.config.AllowedOrigins) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return slices.ContainsFunc(h.config.AllowedOrigins, func(allowed string) bool {
				return allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Host)
			})
		}
	}
	return u
}

// HandleWebSocket serves the frame stream over a WebSocket.
// GET /api/v1/stream/ws?step=5&trail=20
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
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

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		metrics.IncStreamErrors("upgrade_error")
		h.logger.Warn("websocket upgrade failed", "remote_ip", ip, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsClient{
		conn:     conn,
		throttle: newThrottle(h.config.BandwidthLimit),
		pongWait: 2 * h.config.KeepaliveInterval,
	}
	go c.readLoop(cancel)

	h.serve(ctx, c, "websocket", ip, r.UserAgent(), params)

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}

// wsClient manages a single WebSocket connection's write operations. Only
// the stream loop writes data frames; control frames may come from anywhere.
type wsClient struct {
	conn     *websocket.Conn
	throttle *rate.Limiter
	pongWait time.Duration
}

// readLoop consumes client frames so pings, pongs and close frames are
// processed, and cancels the stream when the client goes away.
func (c *wsClient) readLoop(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *wsClient) send(ctx context.Context, data []byte) error {
	if err := waitBandwidth(ctx, c.throttle, len(data)); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	metrics.IncStreamMessages()
	metrics.AddStreamBytes(int64(len(data)))
	return nil
}

func (c *wsClient) keepalive(context.Context) error {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
