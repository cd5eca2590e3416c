// Package providers wraps concrete LLM SDKs (Anthropic, OpenAI) behind a
// single interface so the agent loop in pkg/agent never imports a vendor
// SDK directly.
package providers

import "context"

type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a provider-agnostic tool invocation. Name/Arguments are
// populated from the provider's native response; Function mirrors the
// OpenAI-style function-call shape some providers expect round-tripped
// back into the conversation.
type ToolCall struct {
	ID        string
	Type      string
	Name      string
	Arguments map[string]interface{}
	Function  *FunctionCall
}

type FunctionCall struct {
	Name      string
	Arguments string // JSON-encoded
}

type ToolDefinition struct {
	Type     string
	Function ToolFunctionDef
}

type ToolFunctionDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *UsageInfo
}

// StreamCallback receives each text delta as it arrives.
type StreamCallback func(delta string)

// LLMProvider is the minimum contract the agent loop needs from any
// upstream model provider.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamingProvider is implemented by providers that can emit partial
// text deltas as the response is generated.
type StreamingProvider interface {
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, onContent StreamCallback) (*LLMResponse, error)
}
