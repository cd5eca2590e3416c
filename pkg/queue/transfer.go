package queue

import (
	"fmt"
	"time"

	"github.com/sipeed/wadesk/pkg/model"
)

// TransferToQueue implements spec.md §4.7's transfer_to_queue: move a
// conversation to a different queue, clear its assignment, record a
// system message, then re-run the dispatcher for the destination queue
// so it doesn't sit idle until the next unrelated trigger.
func (d *Dispatcher) TransferToQueue(conv *model.Conversation, toQueueID, reason string) error {
	fromAdvisor := conv.AssignedTo
	if err := d.db.Transfer(conv.ID, fromAdvisor, toQueueID); err != nil {
		return err
	}
	if err := d.systemMessage(conv.ID, fmt.Sprintf("chat transferred to queue %s: %s", toQueueID, reason)); err != nil {
		return err
	}
	return d.Dispatch(TriggerChatQueued, toQueueID)
}

// TransferToAdvisor bypasses the queue entirely when the target
// advisor is currently eligible; otherwise it falls back to queuing
// the chat under toQueueID for the ordinary dispatcher to pick up.
func (d *Dispatcher) TransferToAdvisor(conv *model.Conversation, toQueueID, advisorID, reason string) error {
	q, err := d.db.GetQueue(toQueueID)
	if err != nil {
		return err
	}
	eligible, err := d.eligibleAdvisors(q)
	if err != nil {
		return err
	}
	for _, c := range eligible {
		if c.id != advisorID {
			continue
		}
		fromAdvisor := conv.AssignedTo
		if err := d.db.Transfer(conv.ID, fromAdvisor, toQueueID); err != nil {
			return err
		}
		if err := d.systemMessage(conv.ID, fmt.Sprintf("chat transferred to %s: %s", advisorID, reason)); err != nil {
			return err
		}
		return d.assign(conv, advisorID)
	}
	return d.TransferToQueue(conv, toQueueID, reason)
}

// Release returns a conversation to its current queue (advisor went
// offline, or released it manually) and immediately re-triggers the
// dispatcher so it doesn't wait idle for the next unrelated event.
func (d *Dispatcher) Release(conv *model.Conversation) error {
	if err := d.db.Release(conv.ID); err != nil {
		return err
	}
	if conv.QueueID == "" {
		return nil
	}
	return d.Dispatch(TriggerConversationReleased, conv.QueueID)
}

// Logout implements spec.md §4.7's logout semantics: every conversation
// the advisor was attending returns to status=active/assigned_to=null
// with queue_id preserved, and each gets its own
// "👋 {advisor} cerró sesión" system message, after which every affected
// queue is re-dispatched.
func (d *Dispatcher) Logout(advisorID string) error {
	adv, err := d.db.GetAdvisor(advisorID)
	if err != nil {
		return err
	}
	held, err := d.db.ListForAdvisor(advisorID)
	if err != nil {
		return err
	}

	affectedQueues := map[string]bool{}
	for _, conv := range held {
		if err := d.db.Release(conv.ID); err != nil {
			return err
		}
		if err := d.systemMessage(conv.ID, fmt.Sprintf("👋 %s cerró sesión (%s)", adv.DisplayName, time.Now().UTC().Format(time.RFC3339))); err != nil {
			return err
		}
		if conv.QueueID != "" {
			affectedQueues[conv.QueueID] = true
		}
	}
	for queueID := range affectedQueues {
		if err := d.Dispatch(TriggerConversationReleased, queueID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) systemMessage(conversationID, text string) error {
	return d.db.AppendMessage(&model.Message{
		ConversationID: conversationID,
		Direction:      model.DirectionOut,
		Type:           model.MessageSystem,
		Text:           text,
		Status:         model.MessageSent,
		Timestamp:      time.Now().UTC(),
	})
}
