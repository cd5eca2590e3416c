package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sipeed/wadesk/pkg/flowcat"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/providers"
)

const defaultPersona = `You are a WhatsApp customer support assistant for this business. Be concise and friendly, answer in the customer's language, and resolve their request using the tools available to you rather than guessing.`

// buildSystemPrompt assembles the system prompt for one agent-node
// turn: the node's own persona (spec.md §4.6's agent node config,
// falling back to a generic support persona when unset), the fixed
// tool-use rules, and whatever session variables the flow has
// collected so far so the model doesn't re-ask for known fields.
func buildSystemPrompt(node flowcat.Node, conv *model.Conversation, vars map[string]string) string {
	persona := cfgString(node.Config, "persona")
	if persona == "" {
		persona = defaultPersona
	}

	var sb strings.Builder
	sb.WriteString(persona)

	sb.WriteString("\n\n## Rules\n")
	sb.WriteString("- Call a tool to act; never claim you've done something without calling the tool for it.\n")
	sb.WriteString("- Only your final text reply and anything sent by send_catalogs reaches the customer — every other tool's output is for your own reasoning.\n")
	sb.WriteString("- If you can't resolve the request yourself, call transfer_to_queue instead of guessing.\n")

	sb.WriteString("\n## Customer\n")
	if conv.ContactName != "" {
		fmt.Fprintf(&sb, "Name: %s\n", conv.ContactName)
	}
	fmt.Fprintf(&sb, "Phone: %s\n", conv.RemotePhone)

	if len(vars) > 0 {
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\n## Known from this conversation\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, vars[k])
		}
	}

	return sb.String()
}

// buildMessages turns stored history plus the current inbound message
// into the provider message list. System/event messages (flow-internal
// notices: transfers, handoffs) are dropped — they're not part of the
// customer/agent dialogue the model should be reasoning over.
func buildMessages(systemPrompt string, history []*model.Message, userMessage string) []providers.Message {
	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})

	for _, m := range history {
		if m.Type == model.MessageSystem || m.Type == model.MessageEvent {
			continue
		}
		text := m.Text
		if text == "" && m.MediaURL != "" {
			text = "[media: " + m.MediaURL + "]"
		}
		if text == "" {
			continue
		}
		role := "assistant"
		if m.Direction == model.DirectionIn {
			role = "user"
		}
		messages = append(messages, providers.Message{Role: role, Content: text})
	}

	messages = append(messages, providers.Message{Role: "user", Content: userMessage})
	return messages
}

func cfgString(cfg map[string]interface{}, key string) string {
	v, _ := cfg[key].(string)
	return v
}
