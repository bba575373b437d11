package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/alexbotov/slotgate/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSClient represents a WebSocket client connection
type WSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	playerID  string
}

// Hub fans session changes out to the clients watching that session
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*WSClient]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*WSClient]struct{})}
}

func (hub *Hub) register(c *WSClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	set, ok := hub.clients[c.sessionID]
	if !ok {
		set = make(map[*WSClient]struct{})
		hub.clients[c.sessionID] = set
	}
	set[c] = struct{}{}
}

func (hub *Hub) unregister(c *WSClient) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if set, ok := hub.clients[c.sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(hub.clients, c.sessionID)
		}
	}
}

// Subscribers returns the number of clients watching a session
func (hub *Hub) Subscribers(sessionID string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients[sessionID])
}

// Publish sends a session update to its watchers. It never blocks: a client
// whose buffer is full misses the update.
func (hub *Hub) Publish(s domain.Session) {
	msg, err := encodeMessage("session_update", viewSession(s))
	if err != nil {
		return
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for c := range hub.clients[s.ID] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func encodeMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{Type: msgType, Payload: raw})
}

// HandleWebSocket handles GET /api/v1/ws/sessions/{id}
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	sess, err := h.orchestrator.Owned(mux.Vars(r)["id"], claims.PlayerID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if sess.Status != domain.SessionActive {
		respondError(w, http.StatusConflict, "SESSION_NOT_ACTIVE", "Session is not active")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", sess.ID, "error", err)
		return
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: sess.ID,
		playerID:  claims.PlayerID,
	}
	h.hub.register(client)

	go client.writePump()
	go h.readPump(client)
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the WebSocket connection to the handler
func (h *Handler) readPump(c *WSClient) {
	defer func() {
		h.hub.unregister(c)
		// unregister holds the write lock, so no Publish is sending on c.send
		close(c.send)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	h.sendMessage(c, "connected", map[string]interface{}{
		"session_id": c.sessionID,
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket closed", "session_id", c.sessionID, "error", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.sendError(c, "INVALID_MESSAGE", "Invalid message format")
			continue
		}
		h.handleWSMessage(c, &msg)
	}
}

// handleWSMessage processes incoming WebSocket messages
func (h *Handler) handleWSMessage(c *WSClient, msg *WSMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch msg.Type {
	case "ping":
		h.sendMessage(c, "pong", map[string]interface{}{
			"timestamp": time.Now().Unix(),
		})

	case "session_info":
		sess, err := h.sessions.Get(c.sessionID)
		if err != nil {
			h.sendError(c, "SESSION_ERROR", "Failed to get session")
			return
		}
		h.sendMessage(c, "session_info", viewSession(sess))

	case "balance":
		res, err := h.ledger.Balance(ctx, c.playerID)
		if err != nil {
			h.sendError(c, "BALANCE_ERROR", "Failed to get balance")
			return
		}
		h.sendMessage(c, "balance", map[string]interface{}{
			"balance":  res.Balance.String(),
			"currency": res.Balance.Currency,
		})

	default:
		h.sendError(c, "UNKNOWN_TYPE", "Unknown message type")
	}
}

func (h *Handler) sendMessage(c *WSClient, msgType string, payload interface{}) {
	msg, err := encodeMessage(msgType, payload)
	if err != nil {
		h.logger.Error("websocket encode failed", "type", msgType, "error", err)
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Handler) sendError(c *WSClient, code, message string) {
	h.sendMessage(c, "error", map[string]string{
		"code":    code,
		"message": message,
	})
}
