// Package tools implements the fixed tool-call catalogue an agent node
// can invoke (spec.md §4.6 C6): search_knowledge_base, send_catalogs,
// transfer_to_queue, check_business_hours, save_lead_info,
// extract_text_ocr, end_conversation. Every tool shares the same
// Name/Description/Parameters/Execute shape the teacher used for its
// own tool set, so pkg/agent's loop can drive any of them uniformly
// through a ToolRegistry.
package tools

import (
	"context"
	"encoding/json"

	"github.com/sipeed/wadesk/pkg/providers"
)

// toJSON marshals v for a tool's ForLLM payload, falling back to a
// minimal error object if v somehow isn't marshalable (never expected
// for the plain maps tools build here).
func toJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error": "failed to encode tool result"}`
	}
	return string(data)
}

// ToolResult is what Execute hands back to the agent loop. ForLLM is
// the text that re-enters the model's context as the tool's output;
// IsError marks it as a tool-level failure (still fed back to the
// model, never surfaced to the end user); Err carries the underlying
// Go error for logging when ForLLM doesn't already describe it.
type ToolResult struct {
	ForLLM  string
	IsError bool
	Err     error
}

// ErrorResult builds a ToolResult reporting msg as a tool-level
// failure.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, IsError: true}
}

// OKResult builds a successful ToolResult carrying msg as the
// model-facing content.
func OKResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg}
}

// Tool is one callable the agent loop can expose to the LLM's
// function-calling interface.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a JSON-schema-shaped map (OpenAI/Anthropic
	// function-calling convention): {"type":"object","properties":{...},"required":[...]}.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ToolRegistry holds the tools available to one agent node invocation.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, registration order.
func (r *ToolRegistry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// ToProviderDefs renders the registry into the function-calling
// definitions providers.LLMProvider.Chat expects, registration order.
func (r *ToolRegistry) ToProviderDefs() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDef{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
