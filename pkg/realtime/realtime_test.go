package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wadesk/pkg/model"
	"github.com/sipeed/wadesk/pkg/store"
)

func marshalOrFail(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestTranslateChange_NewMessage(t *testing.T) {
	msg := model.Message{ID: "m1", ConversationID: "c1", Text: "hi"}
	change := store.ChangeRecord{EntityType: "message", Event: "created", Payload: marshalOrFail(t, msg)}

	convID, eventType, ok := translateChange(change)
	if !ok {
		t.Fatal("expected ok")
	}
	if convID != "c1" || eventType != EventMsgNew {
		t.Fatalf("got convID=%q eventType=%q", convID, eventType)
	}
}

func TestTranslateChange_StatusChanged(t *testing.T) {
	payload := map[string]string{"status": "read", "conversation_id": "c2", "message_id": "m2"}
	change := store.ChangeRecord{EntityType: "message", Event: "status_changed", Payload: marshalOrFail(t, payload)}

	convID, eventType, ok := translateChange(change)
	if !ok {
		t.Fatal("expected ok")
	}
	if convID != "c2" || eventType != EventMsgUpdate {
		t.Fatalf("got convID=%q eventType=%q", convID, eventType)
	}
}

func TestTranslateChange_ConversationUpdate(t *testing.T) {
	conv := model.Conversation{ID: "c3", Status: model.StatusActive}
	change := store.ChangeRecord{EntityType: "conversation", Event: "accepted", Payload: marshalOrFail(t, conv)}

	convID, eventType, ok := translateChange(change)
	if !ok {
		t.Fatal("expected ok")
	}
	if convID != "c3" || eventType != EventConvUpdate {
		t.Fatalf("got convID=%q eventType=%q", convID, eventType)
	}
}

func TestTranslateChange_UnknownEntityIgnored(t *testing.T) {
	change := store.ChangeRecord{EntityType: "advisor_status", Event: "changed", Payload: marshalOrFail(t, map[string]string{})}
	if _, _, ok := translateChange(change); ok {
		t.Fatal("expected unknown entity type to be ignored")
	}
}

func TestTranslateChange_MalformedPayloadIgnored(t *testing.T) {
	change := store.ChangeRecord{EntityType: "message", Event: "created", Payload: json.RawMessage(`{not json`)}
	if _, _, ok := translateChange(change); ok {
		t.Fatal("expected malformed payload to be ignored")
	}
}

// fakeChangeSource is an in-memory ChangeSource the hub can poll against.
type fakeChangeSource struct {
	mu      sync.Mutex
	records []store.ChangeRecord
}

func (f *fakeChangeSource) push(c store.ChangeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = int64(len(f.records) + 1)
	f.records = append(f.records, c)
}

func (f *fakeChangeSource) ChangesSince(afterID int64, limit int) ([]store.ChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ChangeRecord
	for _, r := range f.records {
		if r.ID > afterID {
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeChangeSource) LatestChangeID() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return 0, nil
	}
	return f.records[len(f.records)-1].ID, nil
}

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(token string) (string, error) { return "adv-1", nil }

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg outbound
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestHub_WelcomeSubscribeEventFlow(t *testing.T) {
	changes := &fakeChangeSource{}
	hub := NewHub(fakeAuthenticator{}, changes)

	stop := make(chan struct{})
	go hub.Run(stop, 20*time.Millisecond)
	defer close(stop)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, "adv-1")
	}))
	defer server.Close()

	conn := dialWS(t, server)
	defer conn.Close()

	welcome := readFrame(t, conn)
	if welcome.Type != TypeWelcome || welcome.ClientID == "" {
		t.Fatalf("expected welcome frame, got %+v", welcome)
	}

	if !hub.IsOnline("adv-1") {
		t.Fatal("expected advisor to be online after connecting")
	}

	if err := conn.WriteJSON(inbound{Type: TypeSubscribe, ConversationIDs: []string{"c1"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack := readFrame(t, conn)
	if ack.Type != TypeAck {
		t.Fatalf("expected ack, got %+v", ack)
	}

	changes.push(store.ChangeRecord{EntityType: "message", Event: "created", Payload: marshalOrFail(t, model.Message{ID: "m1", ConversationID: "c1", Text: "hello"})})

	event := readFrame(t, conn)
	if event.Type != EventMsgNew || event.ConversationID != "c1" {
		t.Fatalf("expected msg:new for c1, got %+v", event)
	}

	// A change for a conversation this client never subscribed to must
	// not arrive; push an unsubscribed-conversation change next and then
	// a subscribed one, expecting only the second to surface.
	changes.push(store.ChangeRecord{EntityType: "message", Event: "created", Payload: marshalOrFail(t, model.Message{ID: "m2", ConversationID: "c-other", Text: "nope"})})
	changes.push(store.ChangeRecord{EntityType: "message", Event: "created", Payload: marshalOrFail(t, model.Message{ID: "m3", ConversationID: "c1", Text: "second"})})

	next := readFrame(t, conn)
	if next.ConversationID != "c1" {
		t.Fatalf("expected only the c1 event to surface, got %+v", next)
	}
}

func TestHub_ReadRequiresConversationAndMessage(t *testing.T) {
	changes := &fakeChangeSource{}
	hub := NewHub(fakeAuthenticator{}, changes)

	stop := make(chan struct{})
	go hub.Run(stop, 20*time.Millisecond)
	defer close(stop)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r, "adv-2")
	}))
	defer server.Close()

	conn := dialWS(t, server)
	defer conn.Close()
	readFrame(t, conn) // welcome

	if err := conn.WriteJSON(inbound{Type: TypeRead, ConversationID: "c1"}); err != nil {
		t.Fatalf("write read: %v", err)
	}
	resp := readFrame(t, conn)
	if resp.Type != TypeError {
		t.Fatalf("expected error for missing up_to_message_id, got %+v", resp)
	}

	if err := conn.WriteJSON(inbound{Type: TypeRead, ConversationID: "c1", UpToMessageID: "m1"}); err != nil {
		t.Fatalf("write read: %v", err)
	}
	resp = readFrame(t, conn)
	if resp.Type != TypeAck {
		t.Fatalf("expected ack, got %+v", resp)
	}
}
