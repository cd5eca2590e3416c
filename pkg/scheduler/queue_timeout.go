package scheduler

import (
	"sync"
	"time"

	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
)

// queueTimeoutBuckets are spec.md §4.8's escalating stall thresholds:
// an attending conversation with no advisor reply crossing one of
// these durations triggers a release-and-reassign plus a Slack
// escalation sized to how far past due it is.
var queueTimeoutBuckets = []time.Duration{
	10 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
	120 * time.Minute,
	240 * time.Minute,
	480 * time.Minute,
	720 * time.Minute,
}

// QueueTimeoutDB is the store surface the queue-timeout pass needs.
type QueueTimeoutDB interface {
	ListAttending() ([]*model.Conversation, error)
	HasAdvisorRespondedSince(conversationID, advisorID string, since time.Time) (bool, error)
	GetQueue(id string) (*model.Queue, error)
	AppendMessage(msg *model.Message) error
}

// Releaser is the subset of *queue.Dispatcher the queue-timeout pass
// needs to return a stalled chat to its queue for reassignment.
type Releaser interface {
	Release(conv *model.Conversation) error
}

// Escalator is notified when a conversation crosses a new stall
// bucket; implemented by SlackEscalator. Must be best-effort: a
// failure must never block the release it accompanies.
type Escalator interface {
	Notify(queue *model.Queue, conv *model.Conversation, bucket time.Duration)
}

// QueueTimeoutJob implements spec.md §4.8's stalled-queue reassignment:
// an attending conversation an advisor hasn't replied to since
// assignment, once it crosses a bucket boundary, is released back to
// its queue and the crossing is escalated to the queue's Slack
// webhook. Crossing is tracked per-conversation so the same boundary
// is never re-notified on every poll tick, and is forgotten once the
// conversation leaves attending (reassigned, closed, or transferred
// elsewhere) so its stall clock starts clean next time.
type QueueTimeoutJob struct {
	db       QueueTimeoutDB
	releaser Releaser
	escalate Escalator

	mu         sync.Mutex
	lastBucket map[string]int
}

func NewQueueTimeoutJob(db QueueTimeoutDB, releaser Releaser, escalate Escalator) *QueueTimeoutJob {
	return &QueueTimeoutJob{db: db, releaser: releaser, escalate: escalate, lastBucket: make(map[string]int)}
}

func (j *QueueTimeoutJob) Run() error {
	convs, err := j.db.ListAttending()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(convs))
	for _, conv := range convs {
		seen[conv.ID] = true
		if err := j.checkOne(conv); err != nil {
			return err
		}
	}
	j.forgetDeparted(seen)
	return nil
}

func (j *QueueTimeoutJob) checkOne(conv *model.Conversation) error {
	if conv.AssignedAt == nil || conv.AssignedTo == "" {
		return nil
	}

	bucketIdx := -1
	elapsed := time.Since(*conv.AssignedAt)
	for i, b := range queueTimeoutBuckets {
		if elapsed >= b {
			bucketIdx = i
		}
	}
	if bucketIdx < 0 {
		return nil
	}

	responded, err := j.db.HasAdvisorRespondedSince(conv.ID, conv.AssignedTo, *conv.AssignedAt)
	if err != nil {
		return err
	}
	if responded {
		j.forget(conv.ID)
		return nil
	}

	j.mu.Lock()
	last, seen := j.lastBucket[conv.ID]
	crossedNew := !seen || bucketIdx > last
	if crossedNew {
		j.lastBucket[conv.ID] = bucketIdx
	}
	j.mu.Unlock()
	if !crossedNew {
		return nil
	}

	bucket := queueTimeoutBuckets[bucketIdx]
	if q, err := j.db.GetQueue(conv.QueueID); err == nil {
		j.escalate.Notify(q, conv, bucket)
	} else {
		logger.WarnCF("scheduler", "queue timeout: cannot load queue for escalation", map[string]interface{}{
			"conversation_id": conv.ID, "queue_id": conv.QueueID, "error": err.Error(),
		})
	}

	if err := j.db.AppendMessage(&model.Message{
		ConversationID: conv.ID,
		Direction:      model.DirectionOut,
		Type:           model.MessageSystem,
		Status:         model.MessageSent,
		Timestamp:      time.Now().UTC(),
		Text:           "no response for " + bucket.String() + ", returning to queue",
	}); err != nil {
		return err
	}
	if err := j.releaser.Release(conv); err != nil {
		return err
	}
	j.forget(conv.ID) // assigned_at resets on reassignment; the stall clock starts over
	logger.InfoCF("scheduler", "queue timeout: conversation released", map[string]interface{}{
		"conversation_id": conv.ID, "queue_id": conv.QueueID, "bucket": bucket.String(),
	})
	return nil
}

func (j *QueueTimeoutJob) forget(conversationID string) {
	j.mu.Lock()
	delete(j.lastBucket, conversationID)
	j.mu.Unlock()
}

// forgetDeparted drops tracking for any conversation no longer in the
// attending set, so a stale bucket index can't linger forever.
func (j *QueueTimeoutJob) forgetDeparted(stillAttending map[string]bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id := range j.lastBucket {
		if !stillAttending[id] {
			delete(j.lastBucket, id)
		}
	}
}
