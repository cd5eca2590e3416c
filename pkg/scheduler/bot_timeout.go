package scheduler

import (
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
)

// BotTimeoutDB is the store surface the bot-timeout pass needs.
type BotTimeoutDB interface {
	ListBotOwnedConversations() ([]*model.Conversation, error)
}

// ConnResolver mirrors pkg/engine.ConnResolver structurally — any
// adapter satisfying the engine's interface also satisfies this one,
// so cmd/wadeskd wires a single implementation for both.
type ConnResolver interface {
	ResolveConnection(conv *model.Conversation) (*model.ChannelConnection, string, error)
}

// SessionEnder is the subset of *session.Manager the bot-timeout pass
// needs to tear down a timed-out flow cursor.
type SessionEnder interface {
	End(conversationID string) error
}

// Transferer is the subset of *queue.Dispatcher the bot-timeout pass
// needs to hand a conversation to its fallback queue.
type Transferer interface {
	TransferToQueue(conv *model.Conversation, toQueueID, reason string) error
}

// BotTimeoutJob implements spec.md §4.8's bot-flow timeout: any
// conversation still owned by the flow runtime past its channel
// connection's configured bot_timeout_minutes is pulled out of the
// flow and handed to the connection's fallback queue.
type BotTimeoutJob struct {
	db       BotTimeoutDB
	conns    ConnResolver
	sessions SessionEnder
	transfer Transferer
}

func NewBotTimeoutJob(db BotTimeoutDB, conns ConnResolver, sessions SessionEnder, transfer Transferer) *BotTimeoutJob {
	return &BotTimeoutJob{db: db, conns: conns, sessions: sessions, transfer: transfer}
}

func (j *BotTimeoutJob) Run() error {
	convs, err := j.db.ListBotOwnedConversations()
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := j.checkOne(conv); err != nil {
			return err
		}
	}
	return nil
}

func (j *BotTimeoutJob) checkOne(conv *model.Conversation) error {
	if conv.BotStartedAt == nil {
		return nil // invariant violation, left to the invariant-check pass
	}

	conn, _, err := j.conns.ResolveConnection(conv)
	if err != nil {
		logger.WarnCF("scheduler", "bot timeout: cannot resolve connection", map[string]interface{}{
			"conversation_id": conv.ID, "error": err.Error(),
		})
		return nil
	}

	timeout := time.Duration(conn.BotTimeoutMinutes) * time.Minute
	if timeout <= 0 || time.Since(*conv.BotStartedAt) < timeout {
		return nil
	}

	if conn.FallbackQueueID == "" {
		logger.WarnCF("scheduler", "bot timeout with no fallback queue configured", map[string]interface{}{
			"conversation_id": conv.ID, "connection_id": conn.ID,
		})
		return nil
	}

	if err := j.sessions.End(conv.ID); err != nil && errs.KindOf(err) != errs.KindNotFound {
		return err
	}
	if err := j.transfer.TransferToQueue(conv, conn.FallbackQueueID, "bot_timeout"); err != nil {
		return err
	}
	logger.InfoCF("scheduler", "bot timeout: conversation returned to fallback queue", map[string]interface{}{
		"conversation_id": conv.ID, "flow_id": conv.BotFlowID, "fallback_queue_id": conn.FallbackQueueID,
	})
	return nil
}
