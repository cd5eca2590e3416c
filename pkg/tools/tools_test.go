package tools

import (
	"context"
	"testing"

	"github.com/sipeed/wadesk/pkg/crm"
	"github.com/sipeed/wadesk/pkg/model"
)

type fakeQueueSchedules struct {
	queues map[string]*model.Queue
}

func (f fakeQueueSchedules) GetQueue(id string) (*model.Queue, error) {
	return f.queues[id], nil
}

func TestCheckBusinessHours_WithinWindow(t *testing.T) {
	schedules := fakeQueueSchedules{queues: map[string]*model.Queue{
		"support": {
			ID: "support",
			Schedule: map[string]interface{}{
				"utc_offset_minutes": 0.0,
				"schedule": map[string]interface{}{
					"mon": "00:00-23:59", "tue": "00:00-23:59", "wed": "00:00-23:59",
					"thu": "00:00-23:59", "fri": "00:00-23:59", "sat": "00:00-23:59", "sun": "00:00-23:59",
				},
			},
		},
	}}
	tool := NewCheckBusinessHoursTool(schedules, nil)

	result := tool.Execute(context.Background(), map[string]interface{}{"queue_type": "support"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.ForLLM)
	}
	if result.ForLLM == "" {
		t.Fatal("expected a JSON payload in ForLLM")
	}
}

func TestCheckBusinessHours_MissingQueueType(t *testing.T) {
	tool := NewCheckBusinessHoursTool(fakeQueueSchedules{}, nil)
	result := tool.Execute(context.Background(), map[string]interface{}{})
	if !result.IsError {
		t.Fatal("expected an error result when queue_type is missing")
	}
}

type noopLeadSaver struct{}

func (noopLeadSaver) SaveLead(info crm.LeadInfo) error { return nil }

func TestSaveLeadInfo_RequiresPhone(t *testing.T) {
	tool := NewSaveLeadInfoTool(noopLeadSaver{})
	result := tool.Execute(context.Background(), map[string]interface{}{"name": "Ada"})
	if !result.IsError {
		t.Fatal("expected an error result when phone is missing")
	}
}

func TestSaveLeadInfo_Succeeds(t *testing.T) {
	tool := NewSaveLeadInfoTool(noopLeadSaver{})
	result := tool.Execute(context.Background(), map[string]interface{}{"phone": "+15550100"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.ForLLM)
	}
}

type noopCloser struct{}

func (noopCloser) Close(conversationID string) error      { return nil }
func (noopCloser) EndBotFlow(conversationID string) error { return nil }

type trackingCloser struct{ closed bool }

func (c *trackingCloser) Close(conversationID string) error {
	c.closed = true
	return nil
}
func (c *trackingCloser) EndBotFlow(conversationID string) error { return nil }

type noopSessionEnder struct{}

func (noopSessionEnder) End(conversationID string) error { return nil }

func TestEndConversation_RequiresReason(t *testing.T) {
	tool := NewEndConversationTool(noopCloser{}, noopSessionEnder{})
	tool.SetConversation(&model.Conversation{ID: "conv-1"})
	result := tool.Execute(context.Background(), map[string]interface{}{})
	if !result.IsError {
		t.Fatal("expected an error result when reason is missing")
	}
}

func TestEndConversation_SatisfiedClosesConversation(t *testing.T) {
	closer := &trackingCloser{}
	tool := NewEndConversationTool(closer, noopSessionEnder{})
	tool.SetConversation(&model.Conversation{ID: "conv-1"})

	result := tool.Execute(context.Background(), map[string]interface{}{
		"reason":             "resolved",
		"customer_satisfied": true,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.ForLLM)
	}
	if !closer.closed {
		t.Error("expected Close to be called for a satisfied customer")
	}
	if !tool.Ended() {
		t.Error("expected Ended() to report true after a successful Execute")
	}
}

func TestTransferToQueue_MapsQueueType(t *testing.T) {
	disp := &recordingDispatcher{}
	ender := noopSessionEnder{}
	tool := NewTransferToQueueTool(disp, ender, map[string]string{"support": "queue-support-1"})
	tool.SetConversation(&model.Conversation{ID: "conv-1"})

	result := tool.Execute(context.Background(), map[string]interface{}{
		"queue_type": "support",
		"reason":     "needs a human",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.ForLLM)
	}
	if disp.toQueueID != "queue-support-1" {
		t.Errorf("got queue id %q, want queue-support-1", disp.toQueueID)
	}
	if !tool.Transferred() {
		t.Error("expected Transferred() to report true")
	}
}

type recordingDispatcher struct {
	toQueueID string
}

func (d *recordingDispatcher) TransferToQueue(conv *model.Conversation, toQueueID, reason string) error {
	d.toQueueID = toQueueID
	return nil
}
