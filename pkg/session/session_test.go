package session

import (
	"sync"
	"testing"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/store"
)

// fakeBackend is an in-memory stand-in for *store.Store, just enough
// to exercise Manager's load-mutate-persist sequencing.
type fakeBackend struct {
	mu       sync.Mutex
	sessions map[string]*store.BotSession
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sessions: make(map[string]*store.BotSession)}
}

func (f *fakeBackend) GetBotSession(conversationID string) (*store.BotSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bs, ok := f.sessions[conversationID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no bot session")
	}
	cp := *bs
	cp.Variables = map[string]string{}
	for k, v := range bs.Variables {
		cp.Variables[k] = v
	}
	return &cp, nil
}

func (f *fakeBackend) SaveBotSession(bs *store.BotSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[bs.ConversationID] = bs
	return nil
}

func (f *fakeBackend) DeleteBotSession(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, conversationID)
	return nil
}

func (f *fakeBackend) WithConversationLock(conversationID string, fn func() error) error {
	return fn()
}

func TestManager_StartThenGet(t *testing.T) {
	m := NewManager(newFakeBackend())

	if err := m.Start("conv-1", "flow-a", "node-start"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bs, err := m.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if bs.FlowID != "flow-a" || bs.NodeID != "node-start" {
		t.Errorf("got flow=%q node=%q, want flow-a/node-start", bs.FlowID, bs.NodeID)
	}
	if !bs.Interruptible {
		t.Error("expected fresh session to be interruptible")
	}
}

func TestManager_GetMissing_ReturnsNotFound(t *testing.T) {
	m := NewManager(newFakeBackend())
	_, err := m.Get("no-such-conv")
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("got kind %v, want not_found", errs.KindOf(err))
	}
}

func TestManager_SetVariable_Persists(t *testing.T) {
	m := NewManager(newFakeBackend())
	_ = m.Start("conv-1", "flow-a", "node-start")

	if err := m.SetVariable("conv-1", "name", "Ada"); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}

	bs, _ := m.Get("conv-1")
	if bs.Variables["name"] != "Ada" {
		t.Errorf("got variable %q, want Ada", bs.Variables["name"])
	}
}

func TestManager_MoveTo_ClearsAwaitingInput(t *testing.T) {
	m := NewManager(newFakeBackend())
	_ = m.Start("conv-1", "flow-a", "node-start")
	_ = m.Pause("conv-1", false)

	if err := m.MoveTo("conv-1", "node-next"); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}

	bs, _ := m.Get("conv-1")
	if bs.NodeID != "node-next" {
		t.Errorf("got node %q, want node-next", bs.NodeID)
	}
	if bs.AwaitingInput {
		t.Error("expected AwaitingInput to be cleared after MoveTo")
	}
}

func TestManager_Pause_SetsInterruptibility(t *testing.T) {
	m := NewManager(newFakeBackend())
	_ = m.Start("conv-1", "flow-a", "node-start")

	if err := m.Pause("conv-1", false); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	awaiting, err := m.IsAwaitingInput("conv-1")
	if err != nil {
		t.Fatalf("IsAwaitingInput: %v", err)
	}
	if !awaiting {
		t.Error("expected session to be awaiting input after Pause")
	}

	bs, _ := m.Get("conv-1")
	if bs.Interruptible {
		t.Error("expected Interruptible=false after Pause(false)")
	}
}

func TestManager_IsAwaitingInput_NoSessionIsFalseNotError(t *testing.T) {
	m := NewManager(newFakeBackend())
	awaiting, err := m.IsAwaitingInput("no-such-conv")
	if err != nil {
		t.Fatalf("expected no error for missing session, got %v", err)
	}
	if awaiting {
		t.Error("expected false for a conversation with no bot session")
	}
}

func TestManager_End_RemovesSession(t *testing.T) {
	m := NewManager(newFakeBackend())
	_ = m.Start("conv-1", "flow-a", "node-start")

	if err := m.End("conv-1"); err != nil {
		t.Fatalf("End: %v", err)
	}

	_, err := m.Get("conv-1")
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("got kind %v after End, want not_found", errs.KindOf(err))
	}
}
