package agent

import (
	"context"
	"testing"

	"github.com/sipeed/wadesk/pkg/flowcat"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/providers"
	"github.com/sipeed/wadesk/pkg/tools"
)

// fakeProvider replays a fixed script of responses, one per Chat call.
type fakeProvider struct {
	responses []*providers.LLMResponse
	calls     int
}

func (p *fakeProvider) Chat(ctx context.Context, messages []providers.Message, toolDefs []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	r := p.responses[p.calls]
	p.calls++
	return r, nil
}

func (p *fakeProvider) GetDefaultModel() string { return "fake-model" }

type fakeHistory struct{}

func (fakeHistory) ListMessages(conversationID string, limit int) ([]*model.Message, error) {
	return nil, nil
}

type fakeSender struct {
	sent []string
}

func (s *fakeSender) SendText(conversationID, text string) error {
	s.sent = append(s.sent, text)
	return nil
}

type fakeTransferer struct{ called bool }

func (f *fakeTransferer) TransferToQueue(conv *model.Conversation, toQueueID, reason string) error {
	f.called = true
	return nil
}

type fakeSessionEnder struct{ ended bool }

func (f *fakeSessionEnder) End(conversationID string) error {
	f.ended = true
	return nil
}

type fakeCloser struct{}

func (fakeCloser) Close(conversationID string) error      { return nil }
func (fakeCloser) EndBotFlow(conversationID string) error { return nil }

func newTestLoop(t *testing.T, provider providers.LLMProvider, registry *tools.ToolRegistry, transfer *fakeTransferer, sessEnder *fakeSessionEnder, sender *fakeSender) *AgentLoop {
	t.Helper()
	transferTool := tools.NewTransferToQueueTool(transfer, sessEnder, nil)
	endTool := tools.NewEndConversationTool(fakeCloser{}, sessEnder)
	registry.Register(transferTool)
	registry.Register(endTool)
	return NewAgentLoop(provider, registry, fakeHistory{}, sender, transferTool, endTool, "fake-model")
}

func TestRun_DirectAnswer_NoToolCalls(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.LLMResponse{
		{Content: "Your order ships tomorrow."},
	}}
	sender := &fakeSender{}
	loop := newTestLoop(t, provider, tools.NewToolRegistry(), &fakeTransferer{}, &fakeSessionEnder{}, sender)

	conv := &model.Conversation{ID: "conv-1", RemotePhone: "+15550100"}
	handle, err := loop.Run(conv, flowcat.Node{ID: "agent-1", Type: flowcat.NodeAgent}, nil, "where is my order?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handle != "" {
		t.Errorf("got handle %q, want empty", handle)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "Your order ships tomorrow." {
		t.Errorf("got sent %v, want one direct reply", sender.sent)
	}
}

func TestRun_TransferToQueue_StopsLoop(t *testing.T) {
	provider := &fakeProvider{responses: []*providers.LLMResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "tc1", Name: "transfer_to_queue", Arguments: map[string]interface{}{
					"queue_type": "support",
					"reason":     "needs a human",
				}},
			},
		},
	}}
	sender := &fakeSender{}
	transferer := &fakeTransferer{}
	sessEnder := &fakeSessionEnder{}
	loop := newTestLoop(t, provider, tools.NewToolRegistry(), transferer, sessEnder, sender)

	conv := &model.Conversation{ID: "conv-1", RemotePhone: "+15550100"}
	handle, err := loop.Run(conv, flowcat.Node{ID: "agent-1", Type: flowcat.NodeAgent}, nil, "I need to talk to a person")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handle != "" {
		t.Errorf("got handle %q, want empty", handle)
	}
	if !transferer.called || !sessEnder.ended {
		t.Errorf("expected transfer+session end, got transferred=%v ended=%v", transferer.called, sessEnder.ended)
	}
	if provider.calls != 1 {
		t.Errorf("got %d LLM calls, want 1 (loop should stop after transfer)", provider.calls)
	}
}

func TestRun_ExceedsToolBudget_ForcesTransfer(t *testing.T) {
	unknownCall := providers.ToolCall{ID: "tc", Name: "search_knowledge_base", Arguments: map[string]interface{}{"query": "hi"}}
	responses := make([]*providers.LLMResponse, 0, DefaultMaxToolCalls+1)
	for i := 0; i <= DefaultMaxToolCalls; i++ {
		responses = append(responses, &providers.LLMResponse{ToolCalls: []providers.ToolCall{unknownCall}})
	}
	provider := &fakeProvider{responses: responses}
	transferer := &fakeTransferer{}
	sessEnder := &fakeSessionEnder{}
	sender := &fakeSender{}
	loop := newTestLoop(t, provider, tools.NewToolRegistry(), transferer, sessEnder, sender)

	conv := &model.Conversation{ID: "conv-1", RemotePhone: "+15550100"}
	_, err := loop.Run(conv, flowcat.Node{ID: "agent-1", Type: flowcat.NodeAgent}, nil, "keep asking")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !transferer.called {
		t.Error("expected budget overrun to force a transfer_to_queue call")
	}
}
