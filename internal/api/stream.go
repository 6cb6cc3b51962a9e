package api

import (
	"net/http"
	"time"

	"github.com/fdm-monster/fdm-connector/internal/lifecycle"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	streamBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StreamMessage is one frame on the state stream. The first frame is a
// snapshot, every later one carries a transition.
type StreamMessage struct {
	Type       string                `json:"type"`
	State      lifecycle.State       `json:"state"`
	Transition *lifecycle.Transition `json:"transition,omitempty"`
}

// handleStream upgrades to a websocket and pushes state transitions
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade state stream", zap.Error(err))
		return
	}
	defer conn.Close()

	updates := make(chan lifecycle.Transition, streamBuffer)
	unsubscribe := s.source.Subscribe(func(t lifecycle.Transition) {
		select {
		case updates <- t:
		default:
			s.logger.Warn("State stream client too slow, dropping transition",
				zap.String("remote_addr", r.RemoteAddr))
		}
	})
	defer unsubscribe()

	// The reader only exists to process pongs and notice the client leaving
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("State stream opened", zap.String("remote_addr", r.RemoteAddr))

	if err := writeFrame(conn, StreamMessage{Type: "snapshot", State: s.source.State()}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case t := <-updates:
			if err := writeFrame(conn, StreamMessage{Type: "transition", State: t.To, Transition: &t}); err != nil {
				s.logger.Debug("State stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			s.logger.Debug("State stream closed by client", zap.String("remote_addr", r.RemoteAddr))
			return
		case <-s.closing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"))
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
