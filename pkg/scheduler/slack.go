package scheduler

import (
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
)

// SlackEscalator posts a one-line alert to a queue's configured
// webhook when QueueTimeoutJob crosses a new stall bucket. Best-effort
// by design: a webhook outage must never stop the release it
// accompanies, so failures are logged and swallowed.
type SlackEscalator struct{}

func (SlackEscalator) Notify(queue *model.Queue, conv *model.Conversation, bucket time.Duration) {
	if queue.SlackWebhookURL == "" {
		return
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":alarm_clock: conversation %s in queue %q unanswered past %s (advisor %s)",
			conv.ID, queue.Name, bucket, conv.AssignedTo),
	}
	if err := slack.PostWebhook(queue.SlackWebhookURL, msg); err != nil {
		logger.WarnCF("scheduler", "slack escalation failed", map[string]interface{}{
			"queue_id": queue.ID, "conversation_id": conv.ID, "error": err.Error(),
		})
	}
}
