package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/star/orbitrack/internal/metrics"
)

const writeTimeout = 30 * time.Second

// sseClient manages a single SSE connection's write operations.
type sseClient struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	rc       *http.ResponseController
	throttle *rate.Limiter
	logger   *slog.Logger

	messagesSent int64
	bytesSent    int64
}

// send writes data as an SSE "data:" message: "data: {json}\n\n".
func (c *sseClient) send(ctx context.Context, data []byte) error {
	msg := fmt.Sprintf("data: %s\n\n", data)
	if err := waitBandwidth(ctx, c.throttle, len(msg)); err != nil {
		return err
	}

	// Extend the write deadline before each write on the long-lived connection.
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.logger.Debug("could not set write deadline", "error", err)
	}

	n, err := fmt.Fprint(c.w, msg)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	c.flusher.Flush()
	c.messagesSent++
	c.bytesSent += int64(n)
	metrics.IncStreamMessages()
	metrics.AddStreamBytes(int64(n))

	return nil
}

// keepalive sends an SSE comment line: ":\n\n".
func (c *sseClient) keepalive(context.Context) error {
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.logger.Debug("could not set write deadline", "error", err)
	}

	n, err := fmt.Fprint(c.w, ":\n\n")
	if err != nil {
		return fmt.Errorf("keepalive write: %w", err)
	}

	c.flusher.Flush()
	c.bytesSent += int64(n)
	metrics.AddStreamBytes(int64(n))

	return nil
}
