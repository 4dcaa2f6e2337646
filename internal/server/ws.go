package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/pkg/protocol"
)

// wsConn wraps a WebSocket connection with a write lock, since gorilla
// allows only one concurrent writer.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.New().String(), conn: conn}
}

func (c *wsConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) sendRaw(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.Close()
}

// hostFrame is one frame from the host page: either a page-state mirror
// update, or a relayed window message with its origin attached.
type hostFrame struct {
	Type    string          `json:"type"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// handleHostWS serves the host page connection. The host streams page
// state and relayed messages in; host commands flow out.
func (s *Server) handleHostWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("host upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.maxBytes)

	c := newWSConn(conn)
	s.proxy.AttachHost(c)
	s.broker.SetHostNotify(c.sendJSON)
	s.bus.PublishType(eventbus.HostConnected, map[string]any{"conn": c.id})
	s.logger.Info("host connected", "conn", c.id)
	defer func() {
		s.proxy.DetachHost(c)
		s.broker.SetHostNotify(nil)
		s.bus.PublishType(eventbus.HostDisconnected, map[string]any{"conn": c.id})
		s.logger.Info("host disconnected", "conn", c.id)
		c.close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame hostFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("unreadable host frame dropped")
			continue
		}

		if frame.Type == protocol.TypeHostPageState {
			var state protocol.PageState
			if err := json.Unmarshal(frame.Payload, &state); err != nil {
				s.logger.Debug("unreadable page state dropped")
				continue
			}
			s.proxy.UpdatePageState(state)
			continue
		}

		// Relayed window message: decode and dispatch with the sender's
		// origin. Decode is total, so hostile frames fall out as no-ops.
		relayed := frame.Data
		if relayed == nil {
			relayed = data
		}
		msg := protocol.Decode(relayed)
		msg.Origin = frame.Origin
		s.broker.Handle(r.Context(), msg)
	}
}

// handleMentorWS serves the mentor iframe connection.
func (s *Server) handleMentorWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("mentor upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.maxBytes)

	c := newWSConn(conn)
	s.broker.SetMentorSend(c.sendJSON)
	s.bus.PublishType(eventbus.MentorConnected, map[string]any{"conn": c.id})
	s.logger.Info("mentor connected", "conn", c.id)
	defer func() {
		s.broker.SetMentorSend(nil)
		s.bus.PublishType(eventbus.MentorDisconnected, map[string]any{"conn": c.id})
		s.logger.Info("mentor disconnected", "conn", c.id)
		c.close()
	}()

	origin := r.Header.Get("Origin")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg := protocol.Decode(data)
		msg.Origin = origin
		s.broker.Handle(r.Context(), msg)
	}
}

// handlePopupWS serves a screen-share popup connection. The popup
// identifies itself by window name so the coordinator's lookups resolve.
func (s *Server) handlePopupWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("popup upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.maxBytes)

	c := newWSConn(conn)
	s.proxy.AttachPopup(name, c)
	s.logger.Info("popup connected", "name", name)
	defer func() {
		s.proxy.DetachPopup(name, c)
		s.logger.Info("popup disconnected", "name", name)
		c.close()
	}()

	origin := r.Header.Get("Origin")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg := protocol.Decode(data)
		msg.Origin = origin
		s.broker.Handle(r.Context(), msg)
	}
}
