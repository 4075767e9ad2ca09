package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/pkg/models"
)

const (
	eventBufferSize = 256
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
)

var errSlowSubscriber = errors.New("event subscriber is not keeping up, dropping event")

// handleEvents streams the node events of one file system as JSON text
// frames. Optional topic (repeatable) and projectId query parameters narrow
// the subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	scope := events.Scope{
		FileSystem: b.FileSystemName(),
		Topics:     q["topic"],
		ProjectID:  q.Get("projectId"),
	}

	// Subscribe before the upgrade so that every event published after the
	// client sees the handshake complete is delivered.
	frames := make(chan models.NodeEventContainer, eventBufferSize)
	reg := s.bus.AddListener(scope, events.ListenerFunc(func(c models.NodeEventContainer) error {
		select {
		case frames <- c:
			return nil
		default:
			return errSlowSubscriber
		}
	}))
	defer reg.Release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithContext(r.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	log := logging.WithContext(r.Context()).With(
		zap.String("file_system", scope.FileSystem),
		zap.String("topics", strings.Join(scope.Topics, ",")))
	log.Info("event subscriber connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Info("event subscriber disconnected")
			return
		case c := <-frames:
			data, err := json.Marshal(c)
			if err != nil {
				log.Warn("failed to encode event", zap.Stringer("event", c), zap.Error(err))
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Info("event subscriber write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
