package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// StreamFrame is one websocket message. The first frame carries the snapshot, every
// following one a single delta.
type StreamFrame struct {
	Type     string                   `json:"type"` // snapshot or delta
	Snapshot []model.Conversation     `json:"snapshot,omitempty"`
	Delta    *model.ConversationDelta `json:"delta,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream subscribes before taking the snapshot so no delta is lost between the two.
// A slow client loses deltas rather than blocking publishers; it can reconnect to resync.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOr(r.Context(), s.logger)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	deltas, unsubscribe := s.deps.Feed.Subscribe(streamBuffer)
	defer unsubscribe()

	if err := s.writeFrame(conn, StreamFrame{Type: "snapshot", Snapshot: s.deps.Feed.Snapshot()}); err != nil {
		log.Debug("Websocket snapshot write failed", zap.Error(err))
		return
	}

	// The read loop only watches for the close handshake and pongs.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("Websocket closed unexpectedly", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case delta, ok := <-deltas:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			if err := s.writeFrame(conn, StreamFrame{Type: "delta", Delta: &delta}); err != nil {
				log.Debug("Websocket delta write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame StreamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
