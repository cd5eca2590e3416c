// Package agent implements the agent node's tool-calling loop (spec.md
// §4.6 C6): the engine hands a single user turn to Run, which drives a
// bounded back-and-forth with an LLM provider over the fixed 7-tool
// catalogue in pkg/tools until the model answers in plain text or one
// of the tools ends/transfers the conversation.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/flowcat"
	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/providers"
	"github.com/sipeed/wadesk/pkg/tools"
)

// DefaultMaxToolCalls is spec.md §4.6's per-turn tool-call budget.
// Exceeding it force-transfers the conversation to the support queue
// rather than letting the model loop indefinitely.
const DefaultMaxToolCalls = 8

// defaultHistoryLimit bounds how many past messages feed the model's
// context for one turn; older turns fall out rather than growing the
// prompt without bound.
const defaultHistoryLimit = 40

const llmCallTimeout = 60 * time.Second

// HistoryStore is the narrow store surface the loop needs to build
// context from prior turns.
type HistoryStore interface {
	ListMessages(conversationID string, limit int) ([]*model.Message, error)
}

// Sender delivers the agent's own free-text reply. It's the only
// outbound path the loop itself uses — media, transfers, and session
// closes are all handled by their respective tools.
type Sender interface {
	SendText(conversationID, text string) error
}

// AgentLoop implements engine.AgentRunner. transferTool and endTool are
// held directly (not just looked up by name through the registry) so
// Run can bind the current conversation to them before each turn and
// check whether either one fired during tool execution.
type AgentLoop struct {
	provider     providers.LLMProvider
	tools        *tools.ToolRegistry
	history      HistoryStore
	sender       Sender
	transferTool *tools.TransferToQueueTool
	endTool      *tools.EndConversationTool
	model        string
	maxToolCalls int
	historyLimit int
}

func NewAgentLoop(
	provider providers.LLMProvider,
	registry *tools.ToolRegistry,
	history HistoryStore,
	sender Sender,
	transferTool *tools.TransferToQueueTool,
	endTool *tools.EndConversationTool,
	modelName string,
) *AgentLoop {
	return &AgentLoop{
		provider:     provider,
		tools:        registry,
		history:      history,
		sender:       sender,
		transferTool: transferTool,
		endTool:      endTool,
		model:        modelName,
		maxToolCalls: DefaultMaxToolCalls,
		historyLimit: defaultHistoryLimit,
	}
}

// conversationScoped is implemented by tools that need the current
// conversation bound before Execute can run (search_knowledge_base,
// send_catalogs, transfer_to_queue, end_conversation).
type conversationScoped interface {
	SetConversation(conv *model.Conversation)
}

// Run drives one user turn through the tool-calling loop. It always
// returns handle="" — none of the fixed 7 tools signal a flow-edge
// continuation; transfer_to_queue and end_conversation both terminate
// the bot session outright. Returning "" with no further session
// mutation otherwise leaves the conversation parked at this same agent
// node, which Engine.Advance always re-enters by sess.NodeID on the
// next inbound message.
func (al *AgentLoop) Run(conv *model.Conversation, node flowcat.Node, vars map[string]string, userMessage string) (string, error) {
	for _, t := range al.tools.List() {
		if scoped, ok := t.(conversationScoped); ok {
			scoped.SetConversation(conv)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), llmCallTimeout)
	defer cancel()

	history, err := al.history.ListMessages(conv.ID, al.historyLimit)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "load conversation history for agent node", err)
	}

	messages := buildMessages(buildSystemPrompt(node, conv, vars), history, userMessage)
	toolDefs := al.tools.ToProviderDefs()

	calls := 0
	for {
		response, err := al.provider.Chat(ctx, messages, toolDefs, al.model, map[string]interface{}{
			"max_tokens":  2048,
			"temperature": 0.3,
		})
		if err != nil {
			return "", errs.Wrap(errs.KindUpstream, "agent node LLM call", err)
		}

		if len(response.ToolCalls) == 0 {
			if response.Content != "" {
				if err := al.sender.SendText(conv.ID, response.Content); err != nil {
					return "", errs.Wrap(errs.KindUpstream, "send agent reply", err)
				}
			}
			return "", nil
		}

		messages = append(messages, assistantToolCallMessage(response))

		for _, tc := range response.ToolCalls {
			calls++
			if calls > al.maxToolCalls {
				logger.WarnCF("agent", "tool call budget exceeded, forcing transfer to support", map[string]interface{}{
					"conversation_id": conv.ID,
					"node_id":         node.ID,
					"calls":           calls,
				})
				al.transferTool.Execute(ctx, map[string]interface{}{
					"queue_type": "support",
					"reason":     "exceeded the per-turn tool-call budget",
				})
				return "", nil
			}

			messages = append(messages, al.runToolCall(ctx, tc))

			if al.endTool.Ended() || al.transferTool.Transferred() {
				return "", nil
			}
		}
	}
}

func assistantToolCallMessage(response *providers.LLMResponse) providers.Message {
	msg := providers.Message{Role: "assistant", Content: response.Content}
	for _, tc := range response.ToolCalls {
		argsJSON, _ := json.Marshal(tc.Arguments)
		msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: &providers.FunctionCall{
				Name:      tc.Name,
				Arguments: string(argsJSON),
			},
		})
	}
	return msg
}

func (al *AgentLoop) runToolCall(ctx context.Context, tc providers.ToolCall) providers.Message {
	logger.InfoCF("agent", fmt.Sprintf("tool call: %s", tc.Name), map[string]interface{}{"tool": tc.Name})

	t, ok := al.tools.Get(tc.Name)
	var result *tools.ToolResult
	if !ok {
		result = tools.ErrorResult(fmt.Sprintf("unknown tool %q", tc.Name))
	} else {
		result = t.Execute(ctx, tc.Arguments)
	}

	content := result.ForLLM
	if content == "" && result.Err != nil {
		content = result.Err.Error()
	}
	return providers.Message{Role: "tool", Content: content, ToolCallID: tc.ID}
}
