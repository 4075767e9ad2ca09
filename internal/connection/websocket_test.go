package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStreamURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:40903", want: "ws://localhost:40903"},
		{in: "https://localhost:40903", want: "wss://localhost:40903"},
		{in: "https://example.com:8443/api/v1/fileSystems/fs/events", want: "wss://example.com:8443/api/v1/fileSystems/fs/events"},
		{in: "ws://localhost:1", want: "ws://localhost:1"},
		{in: "ftp://localhost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := StreamURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("StreamURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("StreamURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWebSocketReconnectsAfterServerClose(t *testing.T) {
	var upgrader websocket.Upgrader
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		ws.WriteMessage(websocket.TextMessage, []byte{byte('0' + n)})
		if n == 1 {
			ws.Close()
			return
		}
		// Hold the second connection until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url, err := StreamURL(srv.URL)
	if err != nil {
		t.Fatalf("StreamURL: %v", err)
	}
	received := make(chan string, 10)
	ep := &WebSocketEndpoint{
		URL:       url,
		OnMessage: func(data []byte) { received <- string(data) },
	}
	m := NewManager(ep, AutoReconnectPolicy{Delay: 10 * time.Millisecond})

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for _, want := range []string{"1", "2"} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("expected message %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %s not received", want)
		}
	}
	waitForState(t, m, StateConnected)

	m.Close()
	if s := m.Session(); s != nil {
		s.Close()
	}
	waitForState(t, m, StateClosedByClient)
	time.Sleep(50 * time.Millisecond)
	if n := conns.Load(); n != 2 {
		t.Errorf("expected 2 connections, got %d", n)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	url, _ := StreamURL(srv.URL)
	ep := &WebSocketEndpoint{URL: url}
	if _, err := ep.Connect(context.Background(), nil); err == nil {
		t.Fatal("expected handshake error")
	}
}
