package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/flowcat"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/store"
	"github.com/sipeed/wadesk/pkg/wire"
)

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota // keep walking to nextNodeID
	outcomeWait                        // macro-step ends, session parked waiting for external input
	outcomeTerminal                    // macro-step ends, session already closed/transferred
)

type nodeOutcome struct {
	kind       outcomeKind
	nextNodeID string
}

func cont(nextNodeID string) (nodeOutcome, error) { return nodeOutcome{kind: outcomeContinue, nextNodeID: nextNodeID}, nil }
func wait() (nodeOutcome, error)                  { return nodeOutcome{kind: outcomeWait}, nil }
func terminal() (nodeOutcome, error)              { return nodeOutcome{kind: outcomeTerminal}, nil }

func cfgString(cfg map[string]interface{}, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func cfgBool(cfg map[string]interface{}, key string) bool {
	v, _ := cfg[key].(bool)
	return v
}

func cfgInt(cfg map[string]interface{}, key string, def int) int {
	if v, ok := cfg[key].(float64); ok {
		return int(v)
	}
	return def
}

const retryVarPrefix = "__retry:"
const delayUntilVar = "__delay_until_unix"

func retryKey(nodeID string) string { return retryVarPrefix + nodeID }

func retryCount(vars map[string]string, nodeID string) int {
	n, _ := strconv.Atoi(vars[retryKey(nodeID)])
	return n
}

// execNode runs the entry (or resume) behavior of a single node.
// resumedWithInput is true only on the first loop iteration of a
// macro-step that was woken by an inbound user message the session
// was actively waiting on.
func (e *Engine) execNode(conv *model.Conversation, f *flowcat.Flow, node flowcat.Node, sess *store.BotSession, userMessage string, resumedWithInput bool) (nodeOutcome, error) {
	switch node.Type {
	case flowcat.NodeStart:
		return cont(node.Edges["out:default"])

	case flowcat.NodeMessage:
		text := substituteVars(cfgString(node.Config, "text"), conv.ID, sess.Variables, e.crm)
		if err := e.sendText(conv, text); err != nil {
			return nodeOutcome{}, err
		}
		return cont(node.Edges["out:default"])

	case flowcat.NodeAttachment:
		mediaURL := cfgString(node.Config, "url")
		mediaType := model.AttachmentType(cfgString(node.Config, "media_type"))
		if err := e.sendOutbound(conv, wire.OutboundMessage{RemotePhone: conv.RemotePhone, MediaURL: mediaURL, MediaType: mediaType}); err != nil {
			return nodeOutcome{}, err
		}
		return cont(node.Edges["out:default"])

	case flowcat.NodeButtons:
		return e.execButtons(conv, node, sess, userMessage, resumedWithInput)

	case flowcat.NodeMenu:
		return e.execMenu(conv, node, sess, userMessage, resumedWithInput)

	case flowcat.NodeQuestion:
		return e.execQuestion(conv, node, sess, userMessage, resumedWithInput)

	case flowcat.NodeValidation:
		mode := cfgString(node.Config, "mode")
		ok, err := evalValidation(mode, node.Config, userMessage, sess.Variables)
		if err != nil {
			return cont(node.Edges["out:error"])
		}
		if ok {
			return cont(node.Edges["out:match"])
		}
		return cont(node.Edges["out:no_match"])

	case flowcat.NodeCondition:
		if evalCondition(node.Config, userMessage, sess.Variables, e.crm, conv.ID) {
			return cont(node.Edges["out:default"])
		}
		return cont(node.Edges["out:no_match"])

	case flowcat.NodeDelay:
		return e.execDelay(conv, node, sess, resumedWithInput)

	case flowcat.NodeScheduler:
		return e.execScheduler(node)

	case flowcat.NodeWebhookOut:
		return e.execWebhookOut(conv, node, sess)

	case flowcat.NodeWebhookIn:
		if err := e.sessions.Pause(conv.ID, node.Interruptible); err != nil {
			return nodeOutcome{}, err
		}
		return wait()

	case flowcat.NodeTransfer:
		return e.execTransfer(conv, node)

	case flowcat.NodeAgent:
		if e.agent == nil {
			return nodeOutcome{}, errs.New(errs.KindConfig, "engine: no agent runner configured for agent node")
		}
		handle, err := e.agent.Run(conv, node, sess.Variables, userMessage)
		if err != nil {
			return nodeOutcome{}, err
		}
		if handle == "" {
			return terminal()
		}
		return cont(node.Edges[handle])

	case flowcat.NodeEnd:
		if err := e.sessions.End(conv.ID); err != nil {
			return nodeOutcome{}, err
		}
		if cfgBool(node.Config, "close_conversation") {
			if err := e.db.Close(conv.ID); err != nil {
				return nodeOutcome{}, err
			}
		} else if err := e.db.EndBotFlow(conv.ID); err != nil {
			return nodeOutcome{}, err
		}
		return terminal()

	default:
		return nodeOutcome{}, errs.New(errs.KindValidation, fmt.Sprintf("unknown node type %q", node.Type))
	}
}

type buttonOption struct {
	ID    string
	Title string
}

func parseOptions(cfg map[string]interface{}) []buttonOption {
	raw, _ := cfg["options"].([]interface{})
	out := make([]buttonOption, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, buttonOption{ID: cfgString(m, "id"), Title: cfgString(m, "title")})
	}
	return out
}

// execButtons implements spec.md's buttons node: at most 3 inline
// options (overflow becomes a provider-side list, handled by the
// codec); waits for a reply matching an option id.
func (e *Engine) execButtons(conv *model.Conversation, node flowcat.Node, sess *store.BotSession, userMessage string, resumedWithInput bool) (nodeOutcome, error) {
	options := parseOptions(node.Config)

	if !resumedWithInput {
		if err := e.sendButtons(conv, node, options); err != nil {
			return nodeOutcome{}, err
		}
		if err := e.sessions.Pause(conv.ID, node.Interruptible); err != nil {
			return nodeOutcome{}, err
		}
		return wait()
	}

	for _, opt := range options {
		if opt.ID == userMessage {
			return cont(node.Edges["out:"+opt.ID])
		}
	}
	return e.retryOrError(conv, node, sess, func() error { return e.sendButtons(conv, node, options) })
}

func (e *Engine) sendButtons(conv *model.Conversation, node flowcat.Node, options []buttonOption) error {
	text := substituteVars(cfgString(node.Config, "text"), conv.ID, nil, e.crm)
	msg := wire.OutboundMessage{RemotePhone: conv.RemotePhone, Text: text}
	for _, o := range options {
		title := o.Title
		if len(title) > 20 {
			title = title[:20]
		}
		msg.Buttons = append(msg.Buttons, wire.Button{ID: o.ID, Title: title})
	}
	return e.sendOutbound(conv, msg)
}

// execMenu implements the numbered-list variant of buttons: interactive
// menus behave like execButtons; text-mode menus expect the user to
// type the option's 1-based index.
func (e *Engine) execMenu(conv *model.Conversation, node flowcat.Node, sess *store.BotSession, userMessage string, resumedWithInput bool) (nodeOutcome, error) {
	options := parseOptions(node.Config)
	textMode := cfgString(node.Config, "style") == "text"

	if !resumedWithInput {
		if err := e.sendMenu(conv, node, options, textMode); err != nil {
			return nodeOutcome{}, err
		}
		if err := e.sessions.Pause(conv.ID, node.Interruptible); err != nil {
			return nodeOutcome{}, err
		}
		return wait()
	}

	if textMode {
		idx, err := strconv.Atoi(strings.TrimSpace(userMessage))
		if err == nil && idx >= 1 && idx <= len(options) {
			return cont(node.Edges["out:"+options[idx-1].ID])
		}
	} else {
		for _, opt := range options {
			if opt.ID == userMessage {
				return cont(node.Edges["out:"+opt.ID])
			}
		}
	}
	return e.retryOrError(conv, node, sess, func() error { return e.sendMenu(conv, node, options, textMode) })
}

func (e *Engine) sendMenu(conv *model.Conversation, node flowcat.Node, options []buttonOption, textMode bool) error {
	if !textMode {
		return e.sendButtons(conv, node, options)
	}
	var b strings.Builder
	b.WriteString(substituteVars(cfgString(node.Config, "text"), conv.ID, nil, e.crm))
	for i, o := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o.Title)
	}
	return e.sendText(conv, b.String())
}

// execQuestion implements spec.md's question node: prompt, capture,
// optional validation, bounded retries before out:error.
func (e *Engine) execQuestion(conv *model.Conversation, node flowcat.Node, sess *store.BotSession, userMessage string, resumedWithInput bool) (nodeOutcome, error) {
	if !resumedWithInput {
		text := substituteVars(cfgString(node.Config, "text"), conv.ID, sess.Variables, e.crm)
		if err := e.sendText(conv, text); err != nil {
			return nodeOutcome{}, err
		}
		if err := e.sessions.Pause(conv.ID, node.Interruptible); err != nil {
			return nodeOutcome{}, err
		}
		return wait()
	}

	if mode := cfgString(node.Config, "validation_mode"); mode != "" {
		ok, err := evalValidation(mode, node.Config, userMessage, sess.Variables)
		if err != nil || !ok {
			return e.retryOrError(conv, node, sess, func() error {
				return e.sendText(conv, cfgString(node.Config, "retry_message"))
			})
		}
	}

	varName := cfgString(node.Config, "variable")
	if varName != "" {
		if err := e.sessions.SetVariable(conv.ID, varName, userMessage); err != nil {
			return nodeOutcome{}, err
		}
	}
	return cont(node.Edges["out:default"])
}

// retryOrError increments a node's retry counter; past the configured
// (or default) budget it follows out:error, otherwise it re-runs
// onRetry (typically re-sending the prompt) and stays parked.
func (e *Engine) retryOrError(conv *model.Conversation, node flowcat.Node, sess *store.BotSession, onRetry func() error) (nodeOutcome, error) {
	limit := cfgInt(node.Config, "max_retries", maxRetries)
	count := retryCount(sess.Variables, node.ID) + 1
	if err := e.sessions.SetVariable(conv.ID, retryKey(node.ID), strconv.Itoa(count)); err != nil {
		return nodeOutcome{}, err
	}
	if count > limit {
		return cont(node.Edges["out:error"])
	}
	if err := onRetry(); err != nil {
		return nodeOutcome{}, err
	}
	if err := e.sessions.Pause(conv.ID, node.Interruptible); err != nil {
		return nodeOutcome{}, err
	}
	return wait()
}

// execDelay implements spec.md's delay node: suspends for
// delay_seconds (1..345_600), storing the wake deadline (unix seconds)
// in the session variable delayUntilVar. The engine itself never
// sleeps a goroutine for the delay, and no scheduler job in this tree
// reads that deadline: the flow continues on ResumeDelay, or on the
// next inbound message while the session is parked here.
func (e *Engine) execDelay(conv *model.Conversation, node flowcat.Node, sess *store.BotSession, resuming bool) (nodeOutcome, error) {
	if resuming {
		return cont(node.Edges["out:default"])
	}
	seconds := cfgInt(node.Config, "delay_seconds", 0)
	if seconds < 1 || seconds > 345_600 {
		return nodeOutcome{}, errs.New(errs.KindValidation, fmt.Sprintf("delay_seconds %d out of range [1,345600]", seconds))
	}
	wakeAt := time.Now().UTC().Add(time.Duration(seconds) * time.Second).Unix()
	if err := e.sessions.SetVariable(conv.ID, delayUntilVar, strconv.FormatInt(wakeAt, 10)); err != nil {
		return nodeOutcome{}, err
	}
	if err := e.sessions.Pause(conv.ID, node.Interruptible); err != nil {
		return nodeOutcome{}, err
	}
	return wait()
}

// ResumeDelay moves a session parked at a delay node along out:default
// and re-enters the macro-step loop. It does not check the stored wake
// deadline, and nothing in this tree calls it.
func (e *Engine) ResumeDelay(conv *model.Conversation) error {
	return e.serializer.Run(conv.ID, func() error {
		sess, err := e.sessions.Get(conv.ID)
		if err != nil {
			return err
		}
		f, ok := e.flows.Get(sess.FlowID)
		if !ok {
			return errs.New(errs.KindNotFound, fmt.Sprintf("flow %q not in catalog", sess.FlowID))
		}
		node, ok := f.Nodes[sess.NodeID]
		if !ok || node.Type != flowcat.NodeDelay {
			return errs.New(errs.KindConflict, "session is not parked at a delay node")
		}
		next := node.Edges["out:default"]
		if err := e.sessions.MoveTo(conv.ID, next); err != nil {
			return err
		}
		return e.runMacroStep(conv, f, "")
	})
}

// ResumeWebhookIn continues a conversation parked at a webhook_in node;
// captured fields become session variables before the flow continues
// along out:default. cmd/wadeskd registers no HTTP route that calls it.
func (e *Engine) ResumeWebhookIn(conv *model.Conversation, captured map[string]string) error {
	return e.serializer.Run(conv.ID, func() error {
		sess, err := e.sessions.Get(conv.ID)
		if err != nil {
			return err
		}
		f, ok := e.flows.Get(sess.FlowID)
		if !ok {
			return errs.New(errs.KindNotFound, fmt.Sprintf("flow %q not in catalog", sess.FlowID))
		}
		node, ok := f.Nodes[sess.NodeID]
		if !ok || node.Type != flowcat.NodeWebhookIn {
			return errs.New(errs.KindConflict, "session is not parked at a webhook_in node")
		}
		for k, v := range captured {
			if err := e.sessions.SetVariable(conv.ID, k, v); err != nil {
				return err
			}
		}
		next := node.Edges["out:default"]
		if err := e.sessions.MoveTo(conv.ID, next); err != nil {
			return err
		}
		return e.runMacroStep(conv, f, "")
	})
}

func (e *Engine) execScheduler(node flowcat.Node) (nodeOutcome, error) {
	if inBusinessHours(node.Config, time.Now().UTC()) {
		return cont(node.Edges["out:in_hours"])
	}
	return cont(node.Edges["out:out_of_hours"])
}

func (e *Engine) execTransfer(conv *model.Conversation, node flowcat.Node) (nodeOutcome, error) {
	queueID := cfgString(node.Config, "queue_id")
	if err := e.db.Transfer(conv.ID, conv.AssignedTo, queueID); err != nil {
		return nodeOutcome{}, err
	}
	if err := e.sessions.End(conv.ID); err != nil {
		return nodeOutcome{}, err
	}
	if err := e.appendSystemMessage(conv.ID, "chat transferred to queue "+queueID); err != nil {
		return nodeOutcome{}, err
	}
	return terminal()
}
