package stream

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream/ws" + query
}

func TestWebSocketStream(t *testing.T) {
	store := testStore(t)
	handler := NewHandler(warmCache(t, store), store, testConfig(), testLogger())
	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?step=1&trail=0"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var meta metadataMessage
	if err := conn.ReadJSON(&meta); err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if meta.Type != "metadata" || meta.Objects != 3 {
		t.Errorf("metadata = %+v", meta)
	}
	if _, err := uuid.Parse(meta.ClientID); err != nil {
		t.Errorf("client_id %q is not a UUID: %v", meta.ClientID, err)
	}

	var batch frameBatchMessage
	if err := conn.ReadJSON(&batch); err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if batch.Type != "frame_batch" || len(batch.Obj) != 3 {
		t.Fatalf("batch = %+v", batch)
	}
	for _, o := range batch.Obj {
		if o.P == nil || o.Err != "" {
			t.Errorf("object %s: p=%v err=%q", o.ID, o.P, o.Err)
		}
		if o.Tr != nil {
			t.Errorf("object %s has a trail with trail=0", o.ID)
		}
	}
}

func TestWebSocketConcurrentLimit(t *testing.T) {
	store := testStore(t)
	cfg := testConfig()
	cfg.MaxConcurrentPerIP = 1
	handler := NewHandler(coldCache(store), store, cfg, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer srv.Close()

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()
	// Wait for the metadata so the slot is certainly held.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatal(err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("second dial err = %v, want bad handshake", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	store := testStore(t)
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"orbit.example.com"}
	handler := NewHandler(coldCache(store), store, cfg, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), http.Header{"Origin": {"https://evil.example.net"}})
	if err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("resp = %v, want 403", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), http.Header{"Origin": {"https://orbit.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
