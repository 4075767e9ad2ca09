package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamURL maps a request endpoint to its streaming endpoint: http becomes
// ws and https becomes wss. Host, port and path are preserved.
func StreamURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// WebSocketEndpoint dials a websocket and hands every text or binary frame
// to OnMessage from a single reader goroutine.
type WebSocketEndpoint struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	OnMessage    func(data []byte)
}

func (e *WebSocketEndpoint) String() string {
	return e.URL
}

// Connect dials once. The handshake failure is returned unchanged.
func (e *WebSocketEndpoint) Connect(ctx context.Context, onClose func(error)) (Session, error) {
	dialer := e.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, e.URL, e.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", e.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", e.URL, err)
	}

	s := &wsSession{ws: ws, writeTimeout: e.WriteTimeout}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 5 * time.Second
	}
	go s.read(e.OnMessage, onClose)
	return s, nil
}

type wsSession struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (s *wsSession) read(onMessage func([]byte), onClose func(error)) {
	for {
		messageType, message, err := s.ws.ReadMessage()
		if err != nil {
			s.ws.Close()
			if onClose != nil {
				onClose(err)
			}
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if onMessage != nil && len(message) > 0 {
				onMessage(message)
			}
		}
	}
}

// Close sends a close frame and releases the connection. The reader then
// reports the closure through onClose.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
		err = s.ws.Close()
	})
	return err
}
