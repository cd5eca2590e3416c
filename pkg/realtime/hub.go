// Package realtime is the authenticated WebSocket fan-out bus (spec.md
// §4.9 C9): operators subscribe to the conversations they're viewing
// and receive crm:* events sourced from pkg/store's change_records
// table, with a bounded per-client queue so one slow reader can't back
// up delivery to everyone else.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/store"
)

// Authenticator resolves a bearer token to the advisor it belongs to.
// Implemented by cmd/wadeskd; kept as a narrow interface so the hub
// never depends on how credentials are issued or stored.
type Authenticator interface {
	Authenticate(token string) (advisorID string, err error)
}

// ChangeSource is the store surface the hub's poll loop needs.
type ChangeSource interface {
	ChangesSince(afterID int64, limit int) ([]store.ChangeRecord, error)
	LatestChangeID() (int64, error)
}

const changeBatchSize = 500

// DefaultPollInterval is how often Run checks for new change records
// when cmd/wadeskd doesn't override it.
const DefaultPollInterval = 500 * time.Millisecond

// Hub owns the client registry and the change-record poll loop. Safe
// for concurrent use; Run blocks and should be started in its own
// goroutine at startup.
type Hub struct {
	auth    Authenticator
	changes ChangeSource

	mu        sync.RWMutex
	clients   map[*Client]struct{}
	byAdvisor map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
}

func NewHub(auth Authenticator, changes ChangeSource) *Hub {
	return &Hub{
		auth:       auth,
		changes:    changes,
		clients:    make(map[*Client]struct{}),
		byAdvisor:  make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// IsOnline implements pkg/queue.Presence: an advisor is online if at
// least one authenticated client connection is registered for them
// (multiple browser tabs count as one advisor being online).
func (h *Hub) IsOnline(advisorID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byAdvisor[advisorID]) > 0
}

// Run drives client (un)registration and the change-record poll loop
// until stop is closed, polling for new change records every
// pollInterval.
func (h *Hub) Run(stop <-chan struct{}, pollInterval time.Duration) {
	lastID, err := h.changes.LatestChangeID()
	if err != nil {
		logger.ErrorCF("realtime", "failed to seed change cursor", map[string]interface{}{"error": err.Error()})
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			h.closeAll()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case <-ticker.C:
			lastID = h.pollAndBroadcast(lastID)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	set, ok := h.byAdvisor[c.advisorID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byAdvisor[c.advisorID] = set
	}
	set[c] = struct{}{}
	logger.InfoCF("realtime", "client connected", map[string]interface{}{"advisor_id": c.advisorID, "client_id": c.id})
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if set, ok := h.byAdvisor[c.advisorID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byAdvisor, c.advisorID)
		}
	}
	c.closeSend()
	logger.InfoCF("realtime", "client disconnected", map[string]interface{}{"advisor_id": c.advisorID, "client_id": c.id})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.closeSend()
	}
}

func (h *Hub) pollAndBroadcast(afterID int64) int64 {
	changes, err := h.changes.ChangesSince(afterID, changeBatchSize)
	if err != nil {
		logger.ErrorCF("realtime", "poll change records failed", map[string]interface{}{"error": err.Error()})
		return afterID
	}
	for _, change := range changes {
		afterID = change.ID
		convID, eventType, ok := translateChange(change)
		if !ok {
			continue
		}
		h.broadcastToSubscribers(convID, outbound{
			Type:           eventType,
			ConversationID: convID,
			Data:           change.Payload,
		})
	}
	return afterID
}

// translateChange maps a store change record to the crm:* event it
// represents and the conversation_id it's scoped to, the two pieces of
// information every event.crm:* frame carries per spec.md §4.9's
// per-conversation ordering rule.
func translateChange(change store.ChangeRecord) (conversationID, eventType string, ok bool) {
	switch change.EntityType {
	case "message":
		if change.Event == "status_changed" {
			var payload struct {
				ConversationID string `json:"conversation_id"`
			}
			if err := json.Unmarshal(change.Payload, &payload); err != nil || payload.ConversationID == "" {
				return "", "", false
			}
			return payload.ConversationID, EventMsgUpdate, true
		}
		var msg model.Message
		if err := json.Unmarshal(change.Payload, &msg); err != nil || msg.ConversationID == "" {
			return "", "", false
		}
		return msg.ConversationID, EventMsgNew, true
	case "conversation":
		var conv model.Conversation
		if err := json.Unmarshal(change.Payload, &conv); err != nil || conv.ID == "" {
			return "", "", false
		}
		return conv.ID, EventConvUpdate, true
	default:
		return "", "", false
	}
}

// broadcastToSubscribers fans msg out to every connected client
// subscribed to conversationID, dropping (not blocking on) any client
// whose send queue is already full per spec.md §4.9's overflow rule.
func (h *Hub) broadcastToSubscribers(conversationID string, msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.isSubscribed(conversationID) {
			c.trySend(msg)
		}
	}
}

// broadcastTyping fans a typing indicator out to every other client
// subscribed to the conversation — typing is not itself persisted as a
// change record, so it bypasses the poll loop entirely.
func (h *Hub) broadcastTyping(from *Client, conversationID, state string) {
	payload, err := json.Marshal(struct {
		AdvisorID string `json:"advisor_id"`
		State     string `json:"state"`
	}{AdvisorID: from.advisorID, State: state})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c == from || !c.isSubscribed(conversationID) {
			continue
		}
		c.trySend(outbound{Type: EventTypingUpdate, ConversationID: conversationID, Data: payload})
	}
}
