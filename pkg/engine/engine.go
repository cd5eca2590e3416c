// Package engine is the flow runtime (spec.md §4.5 C5): a per-
// conversation state machine that walks a flowcat.Flow one macro-step
// at a time. One logical task runs per inbound event; tasks for
// different conversations run fully in parallel, tasks for the same
// conversation are serialized (keyedSerializer) so the session's
// current node never advances from two goroutines at once. A task
// traverses nodes in sequence until it reaches one that must wait for
// the user (question, buttons, menu), suspends (delay) or terminates
// (end, transfer, webhook_in park).
package engine

import (
	"fmt"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/flowcat"
	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/session"
	"github.com/sipeed/wadesk/pkg/wire"
)

// DB is the persistence surface the engine needs from *store.Store.
type DB interface {
	GetConversation(id string) (*model.Conversation, error)
	AppendMessage(msg *model.Message) error
	StartBotFlow(conversationID, flowID string) error
	EndBotFlow(conversationID string) error
	Transfer(conversationID, fromAdvisorID, toQueueID string) error
	Close(conversationID string) error
}

// ConnResolver resolves a conversation to the channel connection it
// arrived on. Implemented by *store.Store (GetChannelConnection) via a
// small adapter cmd/wadeskd wires at startup, keeping the engine free
// of any direct dependency on how connections are looked up.
type ConnResolver interface {
	ResolveConnection(conv *model.Conversation) (conn *model.ChannelConnection, codecName string, err error)
}

// TokenResolver yields the live (decrypted) access token for a channel
// connection, used to authenticate outbound sends.
type TokenResolver interface {
	AccessToken(conn *model.ChannelConnection) (string, error)
}

// AgentRunner drives an `agent` node's multi-turn tool-calling loop
// (spec.md §4.6 C6). Implemented by pkg/agent; the engine depends only
// on this contract so the two packages don't import each other.
type AgentRunner interface {
	Run(conv *model.Conversation, node flowcat.Node, vars map[string]string, userMessage string) (handle string, err error)
}

// maxRetries is the default retry budget for question/menu/buttons
// nodes before falling through to out:error, when a node's own config
// doesn't override it.
const maxRetries = 3

type Engine struct {
	db       DB
	flows    *flowcat.Catalog
	sessions *session.Manager
	codecs   *wire.Registry
	conns    ConnResolver
	tokens   TokenResolver
	crm      CRMResolver
	agent    AgentRunner

	serializer *keyedSerializer
}

func NewEngine(db DB, flows *flowcat.Catalog, sessions *session.Manager, codecs *wire.Registry, conns ConnResolver, tokens TokenResolver, crm CRMResolver, agent AgentRunner) *Engine {
	return &Engine{
		db:         db,
		flows:      flows,
		sessions:   sessions,
		codecs:     codecs,
		conns:      conns,
		tokens:     tokens,
		crm:        crm,
		agent:      agent,
		serializer: newKeyedSerializer(),
	}
}

// StartFlow begins a fresh bot session for a newly inbound conversation
// that has no session yet, then immediately runs its first macro-step
// (the start node always advances unconditionally).
func (e *Engine) StartFlow(conv *model.Conversation, flowID string) error {
	return e.serializer.Run(conv.ID, func() error {
		f, ok := e.flows.Get(flowID)
		if !ok {
			return errs.New(errs.KindNotFound, fmt.Sprintf("flow %q not in catalog", flowID))
		}
		startID, ok := f.StartNodeID()
		if !ok {
			return errs.New(errs.KindInternal, fmt.Sprintf("flow %q has no start node", flowID))
		}
		if err := e.db.StartBotFlow(conv.ID, flowID); err != nil {
			return err
		}
		if err := e.sessions.Start(conv.ID, flowID, startID); err != nil {
			return err
		}
		return e.runMacroStep(conv, f, "")
	})
}

// Advance is the entrypoint for every subsequent inbound message while
// a conversation is bot-owned: it resumes the session at its current
// node, treating userMessage as the reply to whatever the session was
// waiting on (if anything).
func (e *Engine) Advance(conv *model.Conversation, userMessage string) error {
	return e.serializer.Run(conv.ID, func() error {
		sess, err := e.sessions.Get(conv.ID)
		if err != nil {
			return err
		}
		f, ok := e.flows.Get(sess.FlowID)
		if !ok {
			return errs.New(errs.KindNotFound, fmt.Sprintf("flow %q not in catalog", sess.FlowID))
		}
		return e.runMacroStep(conv, f, userMessage)
	})
}

// runMacroStep walks nodes until the session must wait for the user or
// the step terminates (end, transfer, delay suspend, webhook_in park).
// It must only be called from inside e.serializer.Run for conv.ID.
func (e *Engine) runMacroStep(conv *model.Conversation, f *flowcat.Flow, userMessage string) error {
	sess, err := e.sessions.Get(conv.ID)
	if err != nil {
		return err
	}

	node, ok := f.Nodes[sess.NodeID]
	if !ok {
		return errs.New(errs.KindInternal, fmt.Sprintf("session at unknown node %q", sess.NodeID))
	}

	resumedWithInput := sess.AwaitingInput

	for {
		outcome, err := e.execNode(conv, f, node, sess, userMessage, resumedWithInput)
		if err != nil {
			return e.handleNodeError(conv, f, node, err)
		}
		resumedWithInput = false // only the first iteration consumes the caller's input

		switch outcome.kind {
		case outcomeWait:
			return nil // persisted by the handler itself via sessions.Pause
		case outcomeTerminal:
			return nil // session already ended/transferred by the handler
		case outcomeContinue:
			next, ok := f.Nodes[outcome.nextNodeID]
			if !ok {
				return errs.New(errs.KindValidation, fmt.Sprintf("node %q: edge points to missing node %q", node.ID, outcome.nextNodeID))
			}
			if err := e.sessions.MoveTo(conv.ID, outcome.nextNodeID); err != nil {
				return err
			}
			// Re-fetch rather than patch in place: SetVariable calls made
			// by the node just executed (retry counters, captured
			// answers) must be visible to the next node's config reads.
			sess, err = e.sessions.Get(conv.ID)
			if err != nil {
				return err
			}
			node = next
		}
	}
}

// handleNodeError routes a node execution failure along out:error if
// present, otherwise transfers to the channel connection's fallback
// queue (FallbackQueueID) with a system message (spec.md §7 error
// propagation).
func (e *Engine) handleNodeError(conv *model.Conversation, f *flowcat.Flow, node flowcat.Node, cause error) error {
	logger.ErrorCF("engine", "node execution failed", map[string]interface{}{
		"conversation_id": conv.ID, "node_id": node.ID, "error": cause.Error(),
	})
	if next, ok := node.Edges["out:error"]; ok {
		if _, ok := f.Nodes[next]; !ok {
			return errs.New(errs.KindValidation, fmt.Sprintf("node %q: out:error points to missing node %q", node.ID, next))
		}
		if err := e.sessions.MoveTo(conv.ID, next); err != nil {
			return err
		}
		return e.runMacroStep(conv, f, "")
	}
	return e.transferToFallback(conv, "node_error: "+cause.Error())
}

func (e *Engine) transferToFallback(conv *model.Conversation, reason string) error {
	queueID := conv.QueueID
	if conn, _, err := e.conns.ResolveConnection(conv); err == nil && conn.FallbackQueueID != "" {
		queueID = conn.FallbackQueueID
	}
	if err := e.db.Transfer(conv.ID, conv.AssignedTo, queueID); err != nil {
		return err
	}
	if err := e.sessions.End(conv.ID); err != nil {
		return err
	}
	return e.appendSystemMessage(conv.ID, "chat transferred to queue "+queueID+": "+reason)
}

func (e *Engine) appendSystemMessage(conversationID, text string) error {
	return e.db.AppendMessage(&model.Message{
		ConversationID: conversationID,
		Direction:      model.DirectionOut,
		Type:           model.MessageSystem,
		Text:           text,
		Status:         model.MessageSent,
		Timestamp:      time.Now().UTC(),
	})
}

// sendText materializes and delivers a plain text outbound message,
// persisting it only after the provider has acknowledged — outbound
// ordering within one macro-step is preserved because sendText always
// blocks until this round-trip completes before the caller continues.
func (e *Engine) sendText(conv *model.Conversation, text string) error {
	return e.sendOutbound(conv, wire.OutboundMessage{RemotePhone: conv.RemotePhone, Text: text})
}

func (e *Engine) sendOutbound(conv *model.Conversation, msg wire.OutboundMessage) error {
	conn, codec, token, err := e.resolveSink(conv)
	if err != nil {
		return err
	}
	providerMsgID, err := codec.Send(conn, token, msg)
	status := model.MessageSent
	if err != nil {
		status = model.MessageFailed
	}
	msgType := model.MessageText
	if len(msg.Buttons) > 0 {
		msgType = model.MessageButtons
	} else if msg.MediaURL != "" {
		msgType = model.MessageMedia
	} else if msg.TemplateName != "" {
		msgType = model.MessageTemplate
	}
	appendErr := e.db.AppendMessage(&model.Message{
		ConversationID: conv.ID,
		Direction:      model.DirectionOut,
		Type:           msgType,
		Text:           msg.Text,
		MediaURL:       msg.MediaURL,
		Status:         status,
		Timestamp:      time.Now().UTC(),
		ProviderMsgID:  providerMsgID,
	})
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "send outbound message", err)
	}
	return appendErr
}

// resolveSink looks up the channel connection, codec, and live access
// token a conversation's outbound messages should go through.
func (e *Engine) resolveSink(conv *model.Conversation) (*model.ChannelConnection, wire.Codec, string, error) {
	conn, codecName, err := e.conns.ResolveConnection(conv)
	if err != nil {
		return nil, nil, "", err
	}
	codec, ok := e.codecs.Get(codecName)
	if !ok {
		return nil, nil, "", errs.New(errs.KindConfig, fmt.Sprintf("no codec registered for %q", codecName))
	}
	token, err := e.tokens.AccessToken(conn)
	if err != nil {
		return nil, nil, "", err
	}
	return conn, codec, token, nil
}
