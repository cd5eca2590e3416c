package engine

import (
	"sync"
	"testing"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/flowcat"
	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/session"
	"github.com/sipeed/wadesk/pkg/store"
	"github.com/sipeed/wadesk/pkg/wire"
)

// --- fakes -------------------------------------------------------------

type fakeSessionBackend struct {
	mu       sync.Mutex
	sessions map[string]*store.BotSession
}

func newFakeSessionBackend() *fakeSessionBackend {
	return &fakeSessionBackend{sessions: make(map[string]*store.BotSession)}
}

func (f *fakeSessionBackend) GetBotSession(conversationID string) (*store.BotSession, error) {
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

func (f *fakeSessionBackend) SaveBotSession(bs *store.BotSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[bs.ConversationID] = bs
	return nil
}

func (f *fakeSessionBackend) DeleteBotSession(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, conversationID)
	return nil
}

func (f *fakeSessionBackend) WithConversationLock(conversationID string, fn func() error) error {
	return fn()
}

type fakeFlowStore struct {
	rows map[string]*store.FlowRow
}

func newFakeFlowStore() *fakeFlowStore { return &fakeFlowStore{rows: make(map[string]*store.FlowRow)} }

func (f *fakeFlowStore) GetFlow(id string) (*store.FlowRow, error) {
	r, ok := f.rows[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no flow")
	}
	return r, nil
}

func (f *fakeFlowStore) ListPublishedFlows() ([]*store.FlowRow, error) {
	var out []*store.FlowRow
	for _, r := range f.rows {
		if r.IsPublished {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeFlowStore) SaveFlow(r *store.FlowRow) error {
	f.rows[r.ID] = r
	return nil
}

type fakeDB struct {
	mu       sync.Mutex
	sent     []*model.Message
	closed   []string
	transfer []string
}

func (f *fakeDB) GetConversation(id string) (*model.Conversation, error) {
	return nil, errs.New(errs.KindNotFound, "not implemented in fake")
}

func (f *fakeDB) AppendMessage(msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeDB) StartBotFlow(conversationID, flowID string) error { return nil }
func (f *fakeDB) EndBotFlow(conversationID string) error           { return nil }

func (f *fakeDB) Transfer(conversationID, fromAdvisorID, toQueueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfer = append(f.transfer, conversationID+">"+toQueueID)
	return nil
}

func (f *fakeDB) Close(conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, conversationID)
	return nil
}

type fakeCodec struct{ name string }

func (c *fakeCodec) Name() string { return c.name }
func (c *fakeCodec) VerifyWebhook(query map[string]string, verifyToken string) (string, bool) {
	return "", true
}
func (c *fakeCodec) ParseWebhook(body []byte) ([]wire.InboundEvent, error) { return nil, nil }
func (c *fakeCodec) Send(conn *model.ChannelConnection, accessToken string, msg wire.OutboundMessage) (string, error) {
	return "provider-msg-id", nil
}

type fakeConnResolver struct{ conn *model.ChannelConnection }

func (r *fakeConnResolver) ResolveConnection(conv *model.Conversation) (*model.ChannelConnection, string, error) {
	return r.conn, "fake", nil
}

type fakeTokenResolver struct{}

func (fakeTokenResolver) AccessToken(conn *model.ChannelConnection) (string, error) {
	return "tok", nil
}

// --- test setup ----------------------------------------------------------

func buildTestFlow(t *testing.T) *flowcat.Flow {
	t.Helper()
	return &flowcat.Flow{
		ID:      "greeting",
		Name:    "Greeting",
		Version: 1,
		Nodes: map[string]flowcat.Node{
			"start": {ID: "start", Type: flowcat.NodeStart, Edges: map[string]string{"out:default": "msg1"}},
			"msg1": {ID: "msg1", Type: flowcat.NodeMessage,
				Config: map[string]interface{}{"text": "Hi there!"},
				Edges:  map[string]string{"out:default": "q1"}},
			"q1": {ID: "q1", Type: flowcat.NodeQuestion,
				Config: map[string]interface{}{"text": "What's your name?", "variable": "name"},
				Edges:  map[string]string{"out:default": "end1"}},
			"end1": {ID: "end1", Type: flowcat.NodeEnd},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeDB) {
	t.Helper()
	flowStore := newFakeFlowStore()
	catalog := flowcat.NewCatalog(flowStore, "greeting")
	if err := catalog.Publish(buildTestFlow(t), "{}"); err != nil {
		t.Fatalf("publish flow: %v", err)
	}

	sessions := session.NewManager(newFakeSessionBackend())
	db := &fakeDB{}
	codecs := wire.NewRegistry()
	codecs.Register(&fakeCodec{name: "fake"})
	conn := &model.ChannelConnection{ID: "conn-1", Alias: "main"}

	e := NewEngine(db, catalog, sessions, codecs, &fakeConnResolver{conn: conn}, fakeTokenResolver{}, nil, nil)
	return e, db
}

func TestEngine_StartFlow_StopsAtQuestion(t *testing.T) {
	e, db := newTestEngine(t)
	conv := &model.Conversation{ID: "conv-1", RemotePhone: "+15551234"}

	if err := e.StartFlow(conv, "greeting"); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}

	if len(db.sent) != 2 {
		t.Fatalf("got %d sent messages, want 2 (greeting + question)", len(db.sent))
	}
	if db.sent[0].Text != "Hi there!" {
		t.Errorf("got first message %q, want %q", db.sent[0].Text, "Hi there!")
	}
	if db.sent[1].Text != "What's your name?" {
		t.Errorf("got second message %q, want %q", db.sent[1].Text, "What's your name?")
	}

	sess, err := e.sessions.Get(conv.ID)
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if sess.NodeID != "q1" || !sess.AwaitingInput {
		t.Errorf("got node=%q awaiting=%v, want q1/true", sess.NodeID, sess.AwaitingInput)
	}
}

func TestEngine_Advance_CapturesAnswerAndEnds(t *testing.T) {
	e, db := newTestEngine(t)
	conv := &model.Conversation{ID: "conv-1", RemotePhone: "+15551234"}

	if err := e.StartFlow(conv, "greeting"); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}
	if err := e.Advance(conv, "Ada"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	_, err := e.sessions.Get(conv.ID)
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected session to be deleted at end node, got kind %v", errs.KindOf(err))
	}
	if len(db.closed) != 0 {
		t.Errorf("expected conversation not to be closed (close_conversation unset), got %v", db.closed)
	}
	// No extra outbound messages: the end node is silent.
	if len(db.sent) != 2 {
		t.Errorf("got %d sent messages after Advance, want still 2", len(db.sent))
	}
}

func TestEngine_ButtonRetry_ExceedsBudgetFallsToError(t *testing.T) {
	flowStore := newFakeFlowStore()
	catalog := flowcat.NewCatalog(flowStore, "btns")
	flow := &flowcat.Flow{
		ID: "btns", Name: "Buttons", Version: 1,
		Nodes: map[string]flowcat.Node{
			"start": {ID: "start", Type: flowcat.NodeStart, Edges: map[string]string{"out:default": "b1"}},
			"b1": {ID: "b1", Type: flowcat.NodeButtons,
				Config: map[string]interface{}{
					"text": "Pick one",
					"options": []interface{}{
						map[string]interface{}{"id": "yes", "title": "Yes"},
						map[string]interface{}{"id": "no", "title": "No"},
					},
					"max_retries": float64(1),
				},
				Edges: map[string]string{"out:yes": "end_yes", "out:error": "end_err"}},
			"end_yes": {ID: "end_yes", Type: flowcat.NodeEnd},
			"end_err": {ID: "end_err", Type: flowcat.NodeEnd},
		},
	}
	if err := catalog.Publish(flow, "{}"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sessions := session.NewManager(newFakeSessionBackend())
	db := &fakeDB{}
	codecs := wire.NewRegistry()
	codecs.Register(&fakeCodec{name: "fake"})
	conn := &model.ChannelConnection{ID: "conn-1"}
	e := NewEngine(db, catalog, sessions, codecs, &fakeConnResolver{conn: conn}, fakeTokenResolver{}, nil, nil)

	conv := &model.Conversation{ID: "conv-2", RemotePhone: "+1"}
	if err := e.StartFlow(conv, "btns"); err != nil {
		t.Fatalf("StartFlow: %v", err)
	}

	// Two bad replies: max_retries=1 allows one retry, the second bad
	// reply must exceed budget and fall to out:error.
	if err := e.Advance(conv, "maybe"); err != nil {
		t.Fatalf("Advance 1: %v", err)
	}
	sess, _ := e.sessions.Get(conv.ID)
	if sess == nil || sess.NodeID != "b1" {
		t.Fatalf("expected still parked at b1 after first bad reply, got %+v", sess)
	}

	if err := e.Advance(conv, "maybe"); err != nil {
		t.Fatalf("Advance 2: %v", err)
	}
	_, err := e.sessions.Get(conv.ID)
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected session ended via out:error->end node, got kind %v", errs.KindOf(err))
	}
}
