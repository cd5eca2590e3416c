package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sipeed/wadesk/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	heartbeat      = 30 * time.Second
	readDeadline   = 2 * heartbeat // spec.md §4.9: idle > 2x heartbeat is evicted
	maxMessageSize = 32 * 1024
	sendQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS enforced by the reverse proxy in front of this
}

// Client is one authenticated operator connection.
type Client struct {
	id        string
	advisorID string
	hub       *Hub
	conn      *websocket.Conn
	send      chan outbound

	mu            sync.RWMutex
	subscriptions map[string]struct{}

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, advisorID string) *Client {
	return &Client{
		id:            uuid.NewString(),
		advisorID:     advisorID,
		hub:           hub,
		conn:          conn,
		send:          make(chan outbound, sendQueueSize),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *Client) isSubscribed(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[conversationID]
	return ok
}

func (c *Client) subscribe(conversationIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		c.subscriptions[id] = struct{}{}
	}
}

// trySend enqueues msg without blocking; per spec.md §4.9, an overflowing
// client is dropped rather than allowed to back up the whole hub. The
// recover guards against the narrow race where closeSend has already
// closed the channel concurrently with a broadcast in flight.
func (c *Client) trySend(msg outbound) {
	defer func() { recover() }()
	select {
	case c.send <- msg:
	default:
		logger.WarnCF("realtime", "client send queue full, dropping client", map[string]interface{}{
			"client_id": c.id, "advisor_id": c.advisorID,
		})
		go func() { c.hub.unregister <- c }()
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// ServeHTTP upgrades an authenticated request to a WebSocket connection
// and runs it until the client disconnects. The caller (cmd/wadeskd)
// extracts the bearer token and authenticates before routing here —
// kept as a plain method rather than http.Handler so the caller can
// reject unauthenticated requests with its own HTTP error shape first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, advisorID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("realtime", "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := newClient(h, conn, advisorID)
	h.register <- c

	c.trySend(outbound{
		Type:       TypeWelcome,
		ClientID:   c.id,
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	})

	go c.writePump()
	c.readPump() // blocks until the connection closes
}

func (c *Client) readPump() {
	defer func() { c.hub.unregister <- c }()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.trySend(outbound{Type: TypeError, Reason: "malformed frame"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg inbound) {
	switch msg.Type {
	case TypeHello:
		c.trySend(outbound{Type: TypeAck})
	case TypeSubscribe:
		c.subscribe(msg.ConversationIDs)
		c.trySend(outbound{Type: TypeAck})
	case TypeTyping:
		if msg.ConversationID == "" {
			c.trySend(outbound{Type: TypeError, Reason: "typing requires conversation_id"})
			return
		}
		c.hub.broadcastTyping(c, msg.ConversationID, msg.State)
		c.trySend(outbound{Type: TypeAck, ConversationID: msg.ConversationID})
	case TypeRead:
		if msg.ConversationID == "" || msg.UpToMessageID == "" {
			c.trySend(outbound{Type: TypeError, Reason: "read requires conversation_id and up_to_message_id"})
			return
		}
		// Read-receipt persistence is a REST-side concern (pkg/store);
		// the socket's job is only to ack the client's optimistic UI.
		c.trySend(outbound{Type: TypeAck, ConversationID: msg.ConversationID})
	default:
		c.trySend(outbound{Type: TypeError, Reason: "unknown message type"})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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
