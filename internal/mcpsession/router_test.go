package mcpsession

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// newFakeUpstream starts a websocket server that echoes every frame it
// receives, standing in for an MCP-speaking upstream.
func newFakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

// TestRouterFrameOrdering verifies that frames sent by the client reach the
// (echoing) upstream and come back in the order they were sent.
func TestRouterFrameOrdering(t *testing.T) {
	upstream := newFakeUpstream(t)

	router := NewRouter(Config{
		IdleTimeout:  time.Minute,
		Heartbeat:    time.Minute,
		SendQueueMax: 16,
		DialTimeout:  5 * time.Second,
	}, discardLogger())

	var clientSrv *httptest.Server
	clientSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := UpstreamTarget{InstanceID: uuid.New(), URL: wsURL(upstream.URL)}
		_ = router.Open(r.Context(), w, r, uuid.New(), "acme", target)
	}))
	defer clientSrv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL(clientSrv.URL), nil)
	if err != nil {
		t.Fatalf("dialing router: %v", err)
	}
	defer clientConn.Close()

	frames := []string{"one", "two", "three", "four"}
	for _, f := range frames {
		if err := clientConn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("writing frame %q: %v", f, err)
		}
	}

	for _, want := range frames {
		clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, got, err := clientConn.ReadMessage()
		if err != nil {
			t.Fatalf("reading echoed frame: %v", err)
		}
		if string(got) != want {
			t.Errorf("frame order mismatch: got %q, want %q", got, want)
		}
	}
}

// TestRouterUpstreamUnavailable verifies that Open reports
// ErrUpstreamUnavailable when the upstream cannot be dialed.
func TestRouterUpstreamUnavailable(t *testing.T) {
	router := NewRouter(Config{
		IdleTimeout:  time.Minute,
		Heartbeat:    time.Minute,
		SendQueueMax: 16,
		DialTimeout:  200 * time.Millisecond,
	}, discardLogger())

	var openErr error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := UpstreamTarget{InstanceID: uuid.New(), URL: "ws://127.0.0.1:1/unreachable"}
		openErr = router.Open(r.Context(), w, r, uuid.New(), "acme", target)
	}))
	defer srv.Close()

	conn, _, dialErr := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if dialErr == nil {
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for openErr == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if !errors.Is(openErr, ErrUpstreamUnavailable) {
		t.Fatalf("expected Open to report ErrUpstreamUnavailable for an unreachable upstream, got %v", openErr)
	}
}

// TestRouterClosePropagatesBothDirections verifies that a client disconnect
// ends the session: Open returns within a bounded interval once the client
// leg closes.
func TestRouterClosePropagatesBothDirections(t *testing.T) {
	upstream := newFakeUpstream(t)

	router := NewRouter(Config{
		IdleTimeout:  time.Minute,
		Heartbeat:    20 * time.Millisecond,
		SendQueueMax: 16,
		DialTimeout:  5 * time.Second,
	}, discardLogger())

	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := UpstreamTarget{InstanceID: uuid.New(), URL: wsURL(upstream.URL)}
		_ = router.Open(r.Context(), w, r, uuid.New(), "acme", target)
		close(done)
	}))
	defer srv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dialing router: %v", err)
	}
	clientConn.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close within the bounded interval after client disconnect")
	}
}
