package scheduler

import (
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/store"
)

// SessionCleanupDB is the store surface the orphaned-session pass needs.
type SessionCleanupDB interface {
	ListStaleBotSessions(cutoff time.Time) ([]*store.BotSession, error)
	GetConversation(id string) (*model.Conversation, error)
	DeleteBotSession(conversationID string) error
}

// SessionCleanupJob deletes bot_sessions rows left behind when a
// conversation moved on (transfer, close, manual reassignment) without
// the flow runtime getting a chance to call EndBotFlow/DeleteBotSession
// itself — e.g. a crash mid-transition. A session is orphaned once its
// conversation's assigned_to no longer says "bot"; staleAfter guards
// against deleting a session that's merely idle mid-flow waiting on a
// slow user reply.
type SessionCleanupJob struct {
	db         SessionCleanupDB
	staleAfter time.Duration
}

func NewSessionCleanupJob(db SessionCleanupDB, staleAfter time.Duration) *SessionCleanupJob {
	return &SessionCleanupJob{db: db, staleAfter: staleAfter}
}

func (j *SessionCleanupJob) Run() error {
	sessions, err := j.db.ListStaleBotSessions(time.Now().UTC().Add(-j.staleAfter))
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		conv, err := j.db.GetConversation(sess.ConversationID)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				if err := j.db.DeleteBotSession(sess.ConversationID); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if conv.AssignedTo == model.BotAssignee {
			continue // still legitimately owned by the flow runtime, just idle
		}
		logger.InfoCF("scheduler", "deleting orphaned bot session", map[string]interface{}{
			"conversation_id": sess.ConversationID, "flow_id": sess.FlowID,
		})
		if err := j.db.DeleteBotSession(sess.ConversationID); err != nil {
			return err
		}
	}
	return nil
}

// InvariantCheckDB is the store surface the invariant-check pass needs.
type InvariantCheckDB interface {
	ListAllConversations() ([]*model.Conversation, error)
	RecordMaintenanceAlert(kind, conversationID, detail string) error
}

// InvariantCheckJob walks every conversation and flags any that break
// model.Conversation.ReconciliationViolation's bot-ownership invariant.
// Detection only: it records a maintenance_alerts row rather than
// auto-correcting, since a mismatch here means something upstream (a
// bug, or a crash mid-mutation) left the store in a state none of the
// normal operations should ever produce, and that deserves a human
// look rather than a silent patch.
type InvariantCheckJob struct {
	db InvariantCheckDB
}

func NewInvariantCheckJob(db InvariantCheckDB) *InvariantCheckJob {
	return &InvariantCheckJob{db: db}
}

func (j *InvariantCheckJob) Run() error {
	convs, err := j.db.ListAllConversations()
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if !conv.ReconciliationViolation() {
			continue
		}
		detail := "assigned_to=" + conv.AssignedTo + " bot_flow_id=" + conv.BotFlowID
		logger.ErrorCF("scheduler", "bot-ownership invariant violated", map[string]interface{}{
			"conversation_id": conv.ID, "detail": detail,
		})
		if err := j.db.RecordMaintenanceAlert("bot_ownership_violation", conv.ID, detail); err != nil {
			return err
		}
	}
	return nil
}
