// Package queue is the event-driven assignment dispatcher (spec.md §4.7
// C7): on each of its five triggers it re-evaluates the pending chats
// in the affected queue against currently-eligible advisors and
// assigns as many as capacity allows, respecting each queue's
// configured distribution mode.
package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
)

// Trigger names the event that caused a dispatch pass, logged for
// observability; it carries no behavior of its own — every trigger
// re-runs the same eligibility/capacity evaluation.
type Trigger string

const (
	TriggerChatQueued           Trigger = "chat_queued"
	TriggerAdvisorOnline        Trigger = "advisor_online"
	TriggerAdvisorStatusChanged Trigger = "advisor_status_changed"
	TriggerConversationReleased Trigger = "conversation_released"
	TriggerAdvisorCapacityFreed Trigger = "advisor_capacity_freed"
)

// DB is the persistence surface the dispatcher needs from *store.Store.
type DB interface {
	GetQueue(id string) (*model.Queue, error)
	ListQueues() ([]*model.Queue, error)
	ListQueued(queueID string) ([]*model.Conversation, error)
	ListForAdvisor(advisorID string) ([]*model.Conversation, error)
	GetAdvisor(id string) (*model.Advisor, error)
	GetAdvisorStatus(id string) (*model.AdvisorStatus, error)
	CountActiveSessions(advisorID string) (int, error)
	OpenAdvisorSession(advisorID, conversationID string) (*model.AdvisorSession, error)
	TouchAdvisorAssignment(advisorID string, at time.Time) error
	Accept(conversationID, advisorID string) error
	Transfer(conversationID, fromAdvisorID, toQueueID string) error
	Release(conversationID string) error
	AdvanceRoundRobinCursor(queueID string, advisorCount int) (int, error)
	AppendMessage(msg *model.Message) error
}

// Presence reports whether an advisor currently holds an open,
// authenticated real-time connection (spec.md §4.9 C9) — the "is
// currently online" half of spec.md §4.7's eligibility rule.
// Implemented by pkg/realtime's hub; kept as a narrow interface here so
// the dispatcher never imports the websocket package.
type Presence interface {
	IsOnline(advisorID string) bool
}

type Dispatcher struct {
	db       DB
	presence Presence
}

func New(db DB, presence Presence) *Dispatcher {
	return &Dispatcher{db: db, presence: presence}
}

// Dispatch re-evaluates one queue's pending chats against its eligible
// advisors, assigning greedily until either the queue is empty or no
// advisor has spare capacity. Safe to call repeatedly; it is a no-op
// once nothing can be assigned.
func (d *Dispatcher) Dispatch(trigger Trigger, queueID string) error {
	q, err := d.db.GetQueue(queueID)
	if err != nil {
		return err
	}
	logger.DebugCF("queue", "dispatch", map[string]interface{}{"trigger": string(trigger), "queue_id": queueID})

	if q.DistributionMode == model.DistManual {
		return nil
	}

	for {
		pending, err := d.db.ListQueued(queueID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		advisor, err := d.pickAdvisor(q)
		if err != nil {
			return err
		}
		if advisor == "" {
			return nil // no eligible advisor has spare capacity right now
		}

		if err := d.assign(pending[0], advisor); err != nil {
			return err
		}
	}
}

// DispatchAll re-evaluates every queue, used by triggers that are not
// scoped to a single queue (e.g. an advisor coming online may be
// eligible across several queues at once).
func (d *Dispatcher) DispatchAll(trigger Trigger) error {
	queues, err := d.db.ListQueues()
	if err != nil {
		return err
	}
	for _, q := range queues {
		if err := d.Dispatch(trigger, q.ID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) assign(conv *model.Conversation, advisorID string) error {
	if err := d.db.Accept(conv.ID, advisorID); err != nil {
		return err
	}
	if _, err := d.db.OpenAdvisorSession(advisorID, conv.ID); err != nil {
		return err
	}
	if err := d.db.TouchAdvisorAssignment(advisorID, time.Now().UTC()); err != nil {
		return err
	}
	logger.InfoCF("queue", "conversation assigned", map[string]interface{}{
		"conversation_id": conv.ID, "advisor_id": advisorID, "queue_id": conv.QueueID,
	})
	return nil
}

// pickAdvisor selects the next advisor to receive a chat in q per its
// distribution mode, or "" if nobody currently has spare capacity.
func (d *Dispatcher) pickAdvisor(q *model.Queue) (string, error) {
	eligible, err := d.eligibleAdvisors(q)
	if err != nil {
		return "", err
	}
	if len(eligible) == 0 {
		return "", nil
	}

	switch q.DistributionMode {
	case model.DistLeastBusy:
		return leastBusy(eligible), nil
	case model.DistRoundRobin:
		cursor, err := d.db.AdvanceRoundRobinCursor(q.ID, len(eligible))
		if err != nil {
			return "", err
		}
		return eligible[cursor%len(eligible)].id, nil
	default:
		return "", errs.New(errs.KindConfig, fmt.Sprintf("queue %q: unknown distribution mode %q", q.ID, q.DistributionMode))
	}
}

type candidate struct {
	id             string
	active         int
	lastAssignment time.Time
}

// eligibleAdvisors returns, in queue.AssignedAdvisors order, every
// member advisor that is online, effectively in accept status, not
// manually offline, and currently under the queue's concurrency cap —
// spec.md §4.7's eligibility rule.
func (d *Dispatcher) eligibleAdvisors(q *model.Queue) ([]candidate, error) {
	var out []candidate
	for _, advisorID := range q.AssignedAdvisors {
		if !d.presence.IsOnline(advisorID) {
			continue
		}
		adv, err := d.db.GetAdvisor(advisorID)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return nil, err
		}
		if adv.IsManuallyOffline || adv.StatusID == "" {
			continue
		}
		st, err := d.db.GetAdvisorStatus(adv.StatusID)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				continue
			}
			return nil, err
		}
		if st.Action != model.ActionAccept {
			continue
		}
		active, err := d.db.CountActiveSessions(advisorID)
		if err != nil {
			return nil, err
		}
		if active >= q.MaxConcurrent {
			continue
		}
		out = append(out, candidate{id: advisorID, active: active, lastAssignment: adv.LastAssignmentAt})
	}
	return out, nil
}

// leastBusy picks the lowest active-session count, breaking ties by
// oldest last_assignment_at (spec.md §4.7) — an advisor never yet
// assigned has a zero LastAssignmentAt, the oldest possible value, so
// they win ties over anyone who has already picked up a chat.
func leastBusy(cands []candidate) string {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].active != sorted[j].active {
			return sorted[i].active < sorted[j].active
		}
		return sorted[i].lastAssignment.Before(sorted[j].lastAssignment)
	})
	return sorted[0].id
}
