package tools

import (
	"context"
	"fmt"

	"github.com/sipeed/wadesk/pkg/model"
)

// QueueTransferer is the narrow surface transfer_to_queue needs from
// pkg/queue's Dispatcher.
type QueueTransferer interface {
	TransferToQueue(conv *model.Conversation, toQueueID, reason string) error
}

// SessionEnder lets the tool end the conversation's bot session after
// handing it off — mirrors engine/nodes.go's execTransfer, which pairs
// every db.Transfer with a sessions.End so no bot_sessions row
// survives the handoff.
type SessionEnder interface {
	End(conversationID string) error
}

// TransferToQueueTool implements spec.md §4.6/§4.7's
// transfer_to_queue({queue_type, reason, customer_info?}). queue_type
// is restricted to sales/support/prospects; it maps 1:1 to a queue id
// of the same name unless queueIDs overrides it.
type TransferToQueueTool struct {
	dispatcher QueueTransferer
	sessions   SessionEnder
	queueIDs   map[string]string
	conv       *model.Conversation
	transferred bool
}

func NewTransferToQueueTool(dispatcher QueueTransferer, sessions SessionEnder, queueIDs map[string]string) *TransferToQueueTool {
	return &TransferToQueueTool{dispatcher: dispatcher, sessions: sessions, queueIDs: queueIDs}
}

func (t *TransferToQueueTool) SetConversation(conv *model.Conversation) {
	t.conv = conv
	t.transferred = false
}

// Transferred reports whether this tool moved the conversation out of
// the bot flow during the current turn — the agent loop checks this to
// stop iterating once the handoff has happened.
func (t *TransferToQueueTool) Transferred() bool { return t.transferred }

func (t *TransferToQueueTool) Name() string { return "transfer_to_queue" }

func (t *TransferToQueueTool) Description() string {
	return "Hand the conversation off to a human team. Use this when the bot cannot resolve the customer's request."
}

func (t *TransferToQueueTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"queue_type": map[string]interface{}{
				"type": "string",
				"enum": []string{"sales", "support", "prospects"},
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Why the conversation is being transferred",
			},
			"customer_info": map[string]interface{}{
				"type":        "string",
				"description": "Optional summary of the customer's situation for the receiving team",
			},
		},
		"required": []string{"queue_type", "reason"},
	}
}

func (t *TransferToQueueTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if t.conv == nil {
		return ErrorResult("no conversation bound to this tool call")
	}
	queueType, _ := args["queue_type"].(string)
	reason, _ := args["reason"].(string)
	if queueType == "" || reason == "" {
		return ErrorResult("queue_type and reason are required")
	}

	queueID := queueType
	if mapped, ok := t.queueIDs[queueType]; ok {
		queueID = mapped
	}

	fullReason := reason
	if info, _ := args["customer_info"].(string); info != "" {
		fullReason = reason + " — " + info
	}

	if err := t.dispatcher.TransferToQueue(t.conv, queueID, fullReason); err != nil {
		return ErrorResult(fmt.Sprintf("transfer failed: %v", err))
	}
	if err := t.sessions.End(t.conv.ID); err != nil {
		return ErrorResult(fmt.Sprintf("transfer succeeded but ending bot session failed: %v", err))
	}

	t.transferred = true
	return OKResult(fmt.Sprintf("Conversation transferred to %s queue.", queueID))
}
