package tools

import (
	"context"
	"fmt"

	"github.com/sipeed/wadesk/pkg/model"
)

// ConversationCloser is the narrow store surface end_conversation
// needs to optionally close the conversation outright, beyond just
// ending the bot session.
type ConversationCloser interface {
	Close(conversationID string) error
	EndBotFlow(conversationID string) error
}

// EndConversationTool implements spec.md §4.6's end_conversation({
// reason, customer_satisfied?}) — mirrors engine/nodes.go's NodeEnd
// handling: ends the bot session always, and closes the conversation
// outright only when customer_satisfied is true (an unsatisfied
// customer should still be reachable by a human, not archived).
type EndConversationTool struct {
	db       ConversationCloser
	sessions SessionEnder
	conv     *model.Conversation
	ended    bool
}

func NewEndConversationTool(db ConversationCloser, sessions SessionEnder) *EndConversationTool {
	return &EndConversationTool{db: db, sessions: sessions}
}

func (t *EndConversationTool) SetConversation(conv *model.Conversation) {
	t.conv = conv
	t.ended = false
}

// Ended reports whether this tool closed out the current turn — the
// agent loop checks this to stop iterating once the session is gone.
func (t *EndConversationTool) Ended() bool { return t.ended }

func (t *EndConversationTool) Name() string { return "end_conversation" }

func (t *EndConversationTool) Description() string {
	return "End the conversation when the customer's request has been fully resolved."
}

func (t *EndConversationTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Why the conversation is ending",
			},
			"customer_satisfied": map[string]interface{}{
				"type": "boolean",
			},
		},
		"required": []string{"reason"},
	}
}

func (t *EndConversationTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	if t.conv == nil {
		return ErrorResult("no conversation bound to this tool call")
	}
	reason, _ := args["reason"].(string)
	if reason == "" {
		return ErrorResult("reason is required")
	}
	satisfied, _ := args["customer_satisfied"].(bool)

	var err error
	if satisfied {
		err = t.db.Close(t.conv.ID)
	} else {
		err = t.db.EndBotFlow(t.conv.ID)
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("ending conversation: %v", err))
	}
	if err := t.sessions.End(t.conv.ID); err != nil {
		return ErrorResult(fmt.Sprintf("conversation ended but clearing bot session failed: %v", err))
	}

	t.ended = true
	return OKResult("Conversation ended: " + reason)
}
