// Package flowcat loads, validates, and resolves bot flow
// definitions — the catalog pkg/engine executes against (spec.md §4
// C3). A flow is a directed graph of typed nodes; edges are keyed by
// symbolic "handle" names (out:default, out:match, out:timeout, ...)
// rather than positional indices, so a node can grow extra outgoing
// edges without renumbering existing ones.
package flowcat

import (
	"encoding/json"
	"fmt"

	"github.com/sipeed/wadesk/pkg/errs"
)

type NodeType string

const (
	NodeStart      NodeType = "start"
	NodeMenu       NodeType = "menu"
	NodeMessage    NodeType = "message"
	NodeButtons    NodeType = "buttons"
	NodeQuestion   NodeType = "question"
	NodeValidation NodeType = "validation"
	NodeCondition  NodeType = "condition"
	NodeAttachment NodeType = "attachment"
	NodeDelay      NodeType = "delay"
	NodeWebhookOut NodeType = "webhook_out"
	NodeWebhookIn  NodeType = "webhook_in"
	NodeTransfer   NodeType = "transfer"
	NodeScheduler  NodeType = "scheduler"
	NodeAgent      NodeType = "agent"
	NodeEnd        NodeType = "end"
)

// Node is a single step of a flow. Config holds node-type-specific
// fields as a raw map (menu options, question validation regex,
// condition expression, ...); pkg/engine knows how to read the keys
// for each NodeType.
type Node struct {
	ID     string                 `json:"id"`
	Type   NodeType               `json:"type"`
	Config map[string]interface{} `json:"config"`
	// Edges maps a symbolic handle ("out:default", "out:match:1", ...)
	// to the id of the node it leads to.
	Edges map[string]string `json:"edges"`
	// Interruptible marks delay/question nodes that allow an incoming
	// message to pre-empt the wait instead of being queued.
	Interruptible bool `json:"interruptible"`
}

// EntryRule maps a channel connection to the flow that should start
// when an unassigned conversation first messages in on it.
type EntryRule struct {
	ChannelConnectionID string `json:"channel_connection_id"`
	FlowID              string `json:"flow_id"`
}

type Flow struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Version int             `json:"version"`
	Nodes   map[string]Node `json:"nodes"`
}

// StartNodeID returns the single node of type NodeStart. Validate
// guarantees exactly one exists before a flow is published.
func (f *Flow) StartNodeID() (string, bool) {
	for id, n := range f.Nodes {
		if n.Type == NodeStart {
			return id, true
		}
	}
	return "", false
}

// Validate enforces the flow invariants spec.md requires before a
// flow can be published: exactly one start node, every edge target
// exists, and (best-effort) no orphaned unreachable node.
func (f *Flow) Validate() error {
	var starts []string
	for id, n := range f.Nodes {
		if n.Type == NodeStart {
			starts = append(starts, id)
		}
	}
	if len(starts) == 0 {
		return errs.New(errs.KindValidation, "flow has no start node")
	}
	if len(starts) > 1 {
		return errs.New(errs.KindValidation, fmt.Sprintf("flow has %d start nodes, want exactly 1", len(starts)))
	}

	for id, n := range f.Nodes {
		for handle, target := range n.Edges {
			if _, ok := f.Nodes[target]; !ok {
				return errs.New(errs.KindValidation, fmt.Sprintf("node %q edge %q points to missing node %q", id, handle, target))
			}
		}
	}

	if unreachable := f.unreachableNodes(starts[0]); len(unreachable) > 0 {
		return errs.New(errs.KindValidation, fmt.Sprintf("flow has %d unreachable node(s): %v", len(unreachable), unreachable))
	}
	return nil
}

func (f *Flow) unreachableNodes(startID string) []string {
	visited := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, target := range f.Nodes[id].Edges {
			if !visited[target] {
				visited[target] = true
				queue = append(queue, target)
			}
		}
	}
	var unreached []string
	for id := range f.Nodes {
		if !visited[id] {
			unreached = append(unreached, id)
		}
	}
	return unreached
}

// ParseDefinition decodes a flow's stored JSON representation.
func ParseDefinition(data []byte) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse flow definition json", err)
	}
	return &f, nil
}

// EncodeDefinition serializes a flow back to its stored JSON form.
func EncodeDefinition(f *Flow) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "encode flow definition json", err)
	}
	return data, nil
}
