package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anicoll/espeasy-integration/internal/pkg/units"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// GetEvents streams unit events to a websocket client. Events are dropped
// for a client that does not keep up.
func (s *server) GetEvents(w http.ResponseWriter, r *http.Request) {
	events := make(chan units.Event, eventBuffer)
	unsubscribe := s.registry.Subscribe(units.ObserverFunc(func(e units.Event) {
		select {
		case events <- e:
		default:
			s.logger.Debug("dropping event for slow websocket client", zap.String("kind", string(e.Kind)))
		}
	}))
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	// the http server read deadline survives the hijack
	_ = conn.SetReadDeadline(time.Time{})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case e := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Info("websocket client gone", zap.Error(err))
				return
			}
		}
	}
}
