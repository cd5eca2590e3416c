package queue

import (
	"testing"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/model"
)

type fakeDB struct {
	queues     map[string]*model.Queue
	convs      map[string]*model.Conversation
	advisors   map[string]*model.Advisor
	statuses   map[string]*model.AdvisorStatus
	active     map[string]int
	sent       []*model.Message
	cursor     map[string]int
	rrAdvances []int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		queues:   map[string]*model.Queue{},
		convs:    map[string]*model.Conversation{},
		advisors: map[string]*model.Advisor{},
		statuses: map[string]*model.AdvisorStatus{},
		active:   map[string]int{},
		cursor:   map[string]int{},
	}
}

func (f *fakeDB) GetQueue(id string) (*model.Queue, error) {
	q, ok := f.queues[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no queue")
	}
	cp := *q
	return &cp, nil
}

func (f *fakeDB) ListQueues() ([]*model.Queue, error) {
	var out []*model.Queue
	for _, q := range f.queues {
		cp := *q
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDB) ListQueued(queueID string) ([]*model.Conversation, error) {
	var out []*model.Conversation
	for _, c := range f.convs {
		if c.QueueID == queueID && c.Status == model.StatusActive && c.AssignedTo == "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeDB) ListForAdvisor(advisorID string) ([]*model.Conversation, error) {
	var out []*model.Conversation
	for _, c := range f.convs {
		if c.AssignedTo == advisorID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeDB) GetAdvisor(id string) (*model.Advisor, error) {
	a, ok := f.advisors[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no advisor")
	}
	cp := *a
	return &cp, nil
}

func (f *fakeDB) GetAdvisorStatus(id string) (*model.AdvisorStatus, error) {
	st, ok := f.statuses[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no status")
	}
	cp := *st
	return &cp, nil
}

func (f *fakeDB) CountActiveSessions(advisorID string) (int, error) {
	return f.active[advisorID], nil
}

func (f *fakeDB) OpenAdvisorSession(advisorID, conversationID string) (*model.AdvisorSession, error) {
	f.active[advisorID]++
	return &model.AdvisorSession{ID: "sess-" + conversationID, AdvisorID: advisorID, ConversationID: conversationID}, nil
}

func (f *fakeDB) TouchAdvisorAssignment(advisorID string, at time.Time) error {
	a, ok := f.advisors[advisorID]
	if !ok {
		return errs.New(errs.KindNotFound, "no advisor")
	}
	a.LastAssignmentAt = at
	return nil
}

func (f *fakeDB) Accept(conversationID, advisorID string) error {
	c, ok := f.convs[conversationID]
	if !ok {
		return errs.New(errs.KindNotFound, "no conversation")
	}
	if c.AssignedTo != "" {
		return errs.New(errs.KindConflict, "already assigned")
	}
	c.Status = model.StatusAttending
	c.AssignedTo = advisorID
	return nil
}

func (f *fakeDB) Transfer(conversationID, fromAdvisorID, toQueueID string) error {
	c, ok := f.convs[conversationID]
	if !ok {
		return errs.New(errs.KindNotFound, "no conversation")
	}
	c.Status = model.StatusActive
	c.AssignedTo = ""
	c.QueueID = toQueueID
	return nil
}

func (f *fakeDB) Release(conversationID string) error {
	c, ok := f.convs[conversationID]
	if !ok {
		return errs.New(errs.KindNotFound, "no conversation")
	}
	c.Status = model.StatusActive
	c.AssignedTo = ""
	return nil
}

func (f *fakeDB) AdvanceRoundRobinCursor(queueID string, advisorCount int) (int, error) {
	if advisorCount == 0 {
		return 0, nil
	}
	cur := f.cursor[queueID]
	f.cursor[queueID] = (cur + 1) % advisorCount
	f.rrAdvances = append(f.rrAdvances, cur)
	return cur, nil
}

func (f *fakeDB) AppendMessage(msg *model.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fakePresence struct{ online map[string]bool }

func (p *fakePresence) IsOnline(advisorID string) bool { return p.online[advisorID] }

func setupQueueFixture(db *fakeDB) {
	db.statuses["accept"] = &model.AdvisorStatus{ID: "accept", Action: model.ActionAccept}
	db.statuses["pause"] = &model.AdvisorStatus{ID: "pause", Action: model.ActionPause}
}

func TestDispatch_LeastBusy_PicksLeastLoadedAdvisor(t *testing.T) {
	db := newFakeDB()
	setupQueueFixture(db)
	db.queues["q1"] = &model.Queue{ID: "q1", DistributionMode: model.DistLeastBusy, MaxConcurrent: 5, AssignedAdvisors: []string{"a", "b", "c"}}
	db.advisors["a"] = &model.Advisor{ID: "a", DisplayName: "A", StatusID: "accept"}
	db.advisors["b"] = &model.Advisor{ID: "b", DisplayName: "B", StatusID: "accept"}
	db.advisors["c"] = &model.Advisor{ID: "c", DisplayName: "C", StatusID: "accept"}
	db.active["a"] = 0
	db.active["b"] = 1
	db.active["c"] = 2
	presence := &fakePresence{online: map[string]bool{"a": true, "b": true, "c": true}}
	d := New(db, presence)

	db.convs["c1"] = &model.Conversation{ID: "c1", QueueID: "q1", Status: model.StatusActive}
	if err := d.Dispatch(TriggerChatQueued, "q1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if db.convs["c1"].AssignedTo != "a" {
		t.Fatalf("got assignee %q, want a (least busy)", db.convs["c1"].AssignedTo)
	}

	db.convs["c2"] = &model.Conversation{ID: "c2", QueueID: "q1", Status: model.StatusActive}
	if err := d.Dispatch(TriggerChatQueued, "q1"); err != nil {
		t.Fatalf("dispatch 2: %v", err)
	}
	if db.convs["c2"].AssignedTo != "b" {
		t.Fatalf("got assignee %q, want b (now least busy after a picked up one)", db.convs["c2"].AssignedTo)
	}
}

func TestDispatch_SkipsIneligibleAdvisors(t *testing.T) {
	db := newFakeDB()
	setupQueueFixture(db)
	db.queues["q1"] = &model.Queue{ID: "q1", DistributionMode: model.DistLeastBusy, MaxConcurrent: 1, AssignedAdvisors: []string{"offline", "paused", "full", "ok"}}
	db.advisors["offline"] = &model.Advisor{ID: "offline", StatusID: "accept"}
	db.advisors["paused"] = &model.Advisor{ID: "paused", StatusID: "pause"}
	db.advisors["full"] = &model.Advisor{ID: "full", StatusID: "accept"}
	db.advisors["ok"] = &model.Advisor{ID: "ok", StatusID: "accept"}
	db.active["full"] = 1 // at cap already

	presence := &fakePresence{online: map[string]bool{"paused": true, "full": true, "ok": true}} // offline not online
	d := New(db, presence)

	db.convs["c1"] = &model.Conversation{ID: "c1", QueueID: "q1", Status: model.StatusActive}
	if err := d.Dispatch(TriggerChatQueued, "q1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if db.convs["c1"].AssignedTo != "ok" {
		t.Fatalf("got assignee %q, want ok (only eligible advisor)", db.convs["c1"].AssignedTo)
	}
}

func TestDispatch_ManualMode_NeverAutoAssigns(t *testing.T) {
	db := newFakeDB()
	setupQueueFixture(db)
	db.queues["q1"] = &model.Queue{ID: "q1", DistributionMode: model.DistManual, MaxConcurrent: 5, AssignedAdvisors: []string{"a"}}
	db.advisors["a"] = &model.Advisor{ID: "a", StatusID: "accept"}
	presence := &fakePresence{online: map[string]bool{"a": true}}
	d := New(db, presence)

	db.convs["c1"] = &model.Conversation{ID: "c1", QueueID: "q1", Status: model.StatusActive}
	if err := d.Dispatch(TriggerChatQueued, "q1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if db.convs["c1"].AssignedTo != "" {
		t.Fatalf("manual queue must never auto-assign, got %q", db.convs["c1"].AssignedTo)
	}
}

func TestLogout_ReleasesAllHeldChatsAndMessages(t *testing.T) {
	db := newFakeDB()
	setupQueueFixture(db)
	db.queues["q1"] = &model.Queue{ID: "q1", DistributionMode: model.DistManual, MaxConcurrent: 5}
	db.advisors["a"] = &model.Advisor{ID: "a", DisplayName: "Ada", StatusID: "accept"}
	db.convs["x"] = &model.Conversation{ID: "x", QueueID: "q1", Status: model.StatusAttending, AssignedTo: "a"}
	db.convs["y"] = &model.Conversation{ID: "y", QueueID: "q1", Status: model.StatusAttending, AssignedTo: "a"}
	presence := &fakePresence{online: map[string]bool{}}
	d := New(db, presence)

	if err := d.Logout("a"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	for _, id := range []string{"x", "y"} {
		c := db.convs[id]
		if c.AssignedTo != "" || c.Status != model.StatusActive {
			t.Errorf("conversation %s not released: %+v", id, c)
		}
	}
	if len(db.sent) != 2 {
		t.Fatalf("got %d system messages, want 2 (one per held chat)", len(db.sent))
	}
}

func TestTransferToQueue_MovesAndRedispatches(t *testing.T) {
	db := newFakeDB()
	setupQueueFixture(db)
	db.queues["support"] = &model.Queue{ID: "support", DistributionMode: model.DistLeastBusy, MaxConcurrent: 5, AssignedAdvisors: []string{"a"}}
	db.advisors["a"] = &model.Advisor{ID: "a", StatusID: "accept"}
	presence := &fakePresence{online: map[string]bool{"a": true}}
	d := New(db, presence)

	conv := &model.Conversation{ID: "c1", QueueID: "sales", Status: model.StatusAttending, AssignedTo: "bot"}
	db.convs["c1"] = conv

	if err := d.TransferToQueue(conv, "support", "handoff from bot"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	got := db.convs["c1"]
	if got.QueueID != "support" || got.AssignedTo != "a" {
		t.Fatalf("expected transferred chat picked up by a in support, got %+v", got)
	}
	if len(db.sent) != 1 {
		t.Fatalf("expected one system message, got %d", len(db.sent))
	}
}
