package webrtc

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exopticon/exopticon/internal/broadcast"
	"github.com/exopticon/exopticon/internal/router"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bus := broadcast.New(nil)
	r := router.New(bus)
	return NewServer(r, nil, nil, nil)
}

func TestHandleWebSocketAcceptsConnection(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler([]string{"*"}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.SessionCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected one active session after websocket upgrade")
}

func TestHandleWebSocketCleansUpOnClose(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler([]string{"*"}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.SessionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected session to be cleaned up after client disconnect")
}
