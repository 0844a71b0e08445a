package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shiftswap/internal/ws"
)

// wsTransport adapts a gorilla connection to the registry's Transport.
// Writes carry a deadline so a blocked peer fails fast instead of
// stalling the sender.
type wsTransport struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// handleWebSocket upgrades the real-time channel for an authenticated
// user. The token travels as a query parameter since browsers cannot
// set headers on WebSocket handshakes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session := s.sessions.Get(r.URL.Query().Get("token"))
	if session == nil {
		// Complete the handshake, then close with a policy code the
		// client can distinguish from a network failure.
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "unauthorized"), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	transport := &wsTransport{conn: conn, timeout: s.writeTimeout}
	registered := s.registry.Connect(session.UserID, transport)

	go s.readPump(conn, registered)
}

// readPump consumes inbound messages: heartbeat replies and
// notification acknowledgements. Exit drops the connection.
func (s *Server) readPump(conn *websocket.Conn, registered *ws.Conn) {
	defer s.registry.Drop(registered)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("invalid ws message",
				zap.String("user_id", registered.UserID()))
			continue
		}

		switch msg.Type {
		case ws.TypePong:
			s.registry.Pong(registered.UserID())
		case ws.TypeAck:
			s.handleAck(registered.UserID(), msg.Payload)
		}
	}
}

// handleAck marks an acknowledged notification as read
func (s *Server) handleAck(userID string, payload any) {
	fields, ok := payload.(map[string]any)
	if !ok {
		return
	}
	id, ok := fields["notification_id"].(string)
	if !ok || id == "" {
		return
	}
	if _, err := s.store.MarkNotificationRead(id, userID); err != nil {
		s.log.Error("failed to mark acknowledged notification read",
			zap.String("notification_id", id), zap.Error(err))
	}
}
