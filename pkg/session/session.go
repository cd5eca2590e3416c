// Package session manages the bot engine's per-conversation execution
// cursor: which flow, which node, and the variable bag collected along
// the way (spec.md §4 C4). Every mutation holds the conversation's
// store-level keyed mutex; Advance holds it for the full
// load -> apply -> persist sequence, so two webhook deliveries for the
// same conversation can never race each other onto different nodes.
package session

import (
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/store"
)

type Backend interface {
	GetBotSession(conversationID string) (*store.BotSession, error)
	SaveBotSession(bs *store.BotSession) error
	DeleteBotSession(conversationID string) error
	WithConversationLock(conversationID string, fn func() error) error
}

type Manager struct {
	db Backend
}

func NewManager(db Backend) *Manager {
	return &Manager{db: db}
}

// Start begins a fresh bot session for conversationID at a flow's
// start node, replacing any prior session for the same conversation.
func (m *Manager) Start(conversationID, flowID, startNodeID string) error {
	return m.db.WithConversationLock(conversationID, func() error {
		return m.db.SaveBotSession(&store.BotSession{
			ConversationID: conversationID,
			FlowID:         flowID,
			NodeID:         startNodeID,
			Variables:      map[string]string{},
			StartedAt:      time.Now().UTC(),
			AwaitingInput:  false,
			Interruptible:  true,
		})
	})
}

// Get returns the current session for a conversation, or
// errs.KindNotFound if the bot doesn't own it.
func (m *Manager) Get(conversationID string) (*store.BotSession, error) {
	return m.db.GetBotSession(conversationID)
}

// Advance runs mutate against the current session under the
// conversation's lock and persists the result — the only way callers
// should move a session between nodes, so a load and its matching
// save can never be split across two different goroutines.
func (m *Manager) Advance(conversationID string, mutate func(bs *store.BotSession) error) error {
	return m.db.WithConversationLock(conversationID, func() error {
		bs, err := m.db.GetBotSession(conversationID)
		if err != nil {
			return err
		}
		if err := mutate(bs); err != nil {
			return err
		}
		return m.db.SaveBotSession(bs)
	})
}

// SetVariable records a variable captured by a question/validation
// node, for later {{variable_name}} substitution.
func (m *Manager) SetVariable(conversationID, name, value string) error {
	return m.Advance(conversationID, func(bs *store.BotSession) error {
		if bs.Variables == nil {
			bs.Variables = map[string]string{}
		}
		bs.Variables[name] = value
		return nil
	})
}

// MoveTo transitions a session to nextNodeID, clearing any
// awaiting-input flag left by the node being exited.
func (m *Manager) MoveTo(conversationID, nextNodeID string) error {
	return m.Advance(conversationID, func(bs *store.BotSession) error {
		bs.NodeID = nextNodeID
		bs.AwaitingInput = false
		return nil
	})
}

// Pause marks a session as waiting on user input (a question or
// buttons node), optionally non-interruptible (e.g. a strict
// validation retry loop that must not be pre-empted by unrelated
// chatter).
func (m *Manager) Pause(conversationID string, interruptible bool) error {
	return m.Advance(conversationID, func(bs *store.BotSession) error {
		bs.AwaitingInput = true
		bs.Interruptible = interruptible
		return nil
	})
}

// End releases a conversation from bot ownership entirely, e.g. when
// the flow reaches an end node or transfers to a queue.
func (m *Manager) End(conversationID string) error {
	return m.db.WithConversationLock(conversationID, func() error {
		return m.db.DeleteBotSession(conversationID)
	})
}

// IsAwaitingInput reports whether the session is paused for a reply,
// surfacing errs.KindNotFound as false rather than an error — a
// conversation with no bot session simply isn't bot-owned.
func (m *Manager) IsAwaitingInput(conversationID string) (bool, error) {
	bs, err := m.db.GetBotSession(conversationID)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return bs.AwaitingInput, nil
}
