package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/model"
)

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// UpsertConversationOnInbound implements spec.md's
// upsert_conversation_on_inbound: resolves (or creates) the one
// conversation for (channel_connection_id, remote_phone) — the store's
// UNIQUE constraint on that pair is the uniqueness invariant's backstop.
func (s *Store) UpsertConversationOnInbound(channelConnectionID, remotePhone, displayNumber, contactName string) (*model.Conversation, error) {
	lock := s.lockConversation(channelConnectionID + ":" + remotePhone)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.findConversationByRemote(channelConnectionID, remotePhone)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:                  uuid.NewString(),
		Channel:             "whatsapp",
		ChannelConnectionID: channelConnectionID,
		RemotePhone:         remotePhone,
		DisplayNumber:       displayNumber,
		ContactName:         contactName,
		Status:              model.StatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	_, err = s.db.Exec(`INSERT INTO conversations
		(id, channel, channel_connection_id, remote_phone, display_number, contact_name, status,
		 attended_by, active_advisors, unread, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		conv.ID, conv.Channel, conv.ChannelConnectionID, conv.RemotePhone, conv.DisplayNumber, conv.ContactName,
		conv.Status, marshalStrings(nil), marshalStrings(nil), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "insert conversation", err)
	}
	s.emitChange("conversation", conv.ID, "created", conv)
	return conv, nil
}

func (s *Store) findConversationByRemote(channelConnectionID, remotePhone string) (*model.Conversation, error) {
	row := s.db.QueryRow(`SELECT id FROM conversations WHERE channel_connection_id = ? AND remote_phone = ?`,
		channelConnectionID, remotePhone)
	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "lookup conversation by remote", err)
	}
	return s.GetConversation(id)
}

func (s *Store) GetConversation(id string) (*model.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, channel, channel_connection_id, remote_phone, display_number, contact_name,
		status, assigned_to, assigned_at, queued_at, queue_id, bot_flow_id, bot_started_at, ticket_number,
		attended_by, active_advisors, transferred_from, transferred_at, unread, last_message_preview,
		last_message_at, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	var c model.Conversation
	var assignedTo, queueID, botFlowID, transferredFrom, lastPreview sql.NullString
	var attendedBy, activeAdvisors string
	var ticketNumber sql.NullInt64
	var assignedAt, queuedAt, botStartedAt, transferredAt, lastMessageAt sql.NullTime

	err := row.Scan(&c.ID, &c.Channel, &c.ChannelConnectionID, &c.RemotePhone, &c.DisplayNumber, &c.ContactName,
		&c.Status, &assignedTo, &assignedAt, &queuedAt, &queueID, &botFlowID, &botStartedAt, &ticketNumber,
		&attendedBy, &activeAdvisors, &transferredFrom, &transferredAt, &c.Unread, &lastPreview,
		&lastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("conversation %q not found", id))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "scan conversation", err)
	}

	c.AssignedTo = assignedTo.String
	c.AssignedAt = timePtr(assignedAt)
	c.QueuedAt = timePtr(queuedAt)
	c.QueueID = queueID.String
	c.BotFlowID = botFlowID.String
	c.BotStartedAt = timePtr(botStartedAt)
	c.TicketNumber = ticketNumber.Int64
	c.AttendedBy = unmarshalStrings(attendedBy)
	c.ActiveAdvisors = unmarshalStrings(activeAdvisors)
	c.TransferredFrom = transferredFrom.String
	c.TransferredAt = timePtr(transferredAt)
	c.LastMessagePreview = lastPreview.String
	c.LastMessageAt = timePtr(lastMessageAt)
	return &c, nil
}

func (s *Store) saveConversation(c *model.Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`UPDATE conversations SET
		status = ?, assigned_to = ?, assigned_at = ?, queued_at = ?, queue_id = ?, bot_flow_id = ?,
		bot_started_at = ?, ticket_number = ?, attended_by = ?, active_advisors = ?, transferred_from = ?,
		transferred_at = ?, unread = ?, last_message_preview = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?`,
		c.Status, c.AssignedTo, nullTime(c.AssignedAt), nullTime(c.QueuedAt), c.QueueID, c.BotFlowID,
		nullTime(c.BotStartedAt), c.TicketNumber, marshalStrings(c.AttendedBy), marshalStrings(c.ActiveAdvisors),
		c.TransferredFrom, nullTime(c.TransferredAt), c.Unread, c.LastMessagePreview, nullTime(c.LastMessageAt),
		c.UpdatedAt, c.ID)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "save conversation", err)
	}
	return nil
}

// AppendMessage records an inbound or outbound message. Inbound
// messages are deduplicated on provider_message_id via the store's
// unique index — a duplicate webhook delivery is a no-op, not an
// error, satisfying spec.md's duplicate-inbound idempotence property.
func (s *Store) AppendMessage(msg *model.Message) error {
	lock := s.lockConversation(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	meta, _ := json.Marshal(msg.ProviderMeta)

	res, err := s.db.Exec(`INSERT INTO messages
		(id, conversation_id, direction, type, text, media_url, media_thumb, replied_to_id, status,
		 timestamp, event_type, sent_by, provider_message_id, provider_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, provider_message_id)
			WHERE provider_message_id IS NOT NULL AND provider_message_id != '' DO NOTHING`,
		msg.ID, msg.ConversationID, msg.Direction, msg.Type, msg.Text, msg.MediaURL, msg.MediaThumb,
		msg.RepliedToID, msg.Status, msg.Timestamp, msg.EventType, msg.SentBy, msg.ProviderMsgID, string(meta))
	if err != nil {
		return errs.Wrap(errs.KindInternal, "insert message", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	conv, err := s.GetConversation(msg.ConversationID)
	if err != nil {
		return err
	}
	preview := msg.Text
	if len(preview) > 120 {
		preview = preview[:120]
	}
	conv.LastMessagePreview = preview
	conv.LastMessageAt = &msg.Timestamp
	if msg.Direction == model.DirectionIn {
		conv.Unread++
	}
	if err := s.saveConversation(conv); err != nil {
		return err
	}
	s.emitChange("message", msg.ID, "created", msg)
	return nil
}

// ListMessages returns a conversation's messages in chronological order,
// oldest first, capped to the most recent limit messages — the history
// pkg/agent replays into an LLM's context window. limit <= 0 means no cap.
func (s *Store) ListMessages(conversationID string, limit int) ([]*model.Message, error) {
	query := `SELECT id, conversation_id, direction, type, text, media_url, media_thumb, replied_to_id,
		status, timestamp, event_type, sent_by, provider_message_id, provider_meta
		FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list messages", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Type, &m.Text, &m.MediaURL, &m.MediaThumb,
			&m.RepliedToID, &m.Status, &m.Timestamp, &m.EventType, &m.SentBy, &m.ProviderMsgID, &meta); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan message", err)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &m.ProviderMeta)
		}
		out = append(out, &m)
	}

	// Query returned newest-first (for LIMIT to cap on recency); reverse
	// in place to hand back chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkStatus applies a message status transition, rejecting anything
// that is not a valid forward step per model.ValidStatusTransition.
func (s *Store) MarkStatus(messageID string, to model.MessageStatus) error {
	var conversationID string
	var from model.MessageStatus
	row := s.db.QueryRow(`SELECT conversation_id, status FROM messages WHERE id = ?`, messageID)
	if err := row.Scan(&conversationID, &from); err != nil {
		if err == sql.ErrNoRows {
			return errs.New(errs.KindNotFound, fmt.Sprintf("message %q not found", messageID))
		}
		return errs.Wrap(errs.KindInternal, "lookup message status", err)
	}

	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if !model.ValidStatusTransition(from, to) {
		return errs.New(errs.KindConflict, fmt.Sprintf("invalid status transition %s -> %s", from, to))
	}
	if _, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, to, messageID); err != nil {
		return errs.Wrap(errs.KindInternal, "update message status", err)
	}
	s.emitChange("message", messageID, "status_changed", map[string]string{
		"status": string(to), "conversation_id": conversationID, "message_id": messageID,
	})
	return nil
}

// MarkStatusByProviderMessageID resolves a webhook status callback —
// which carries only the provider's own message id, not ours or the
// conversation it belongs to — to our internal message row before
// delegating to MarkStatus. provider_message_id is unique per
// conversation, not globally, but in practice a WhatsApp Cloud API
// message id is only ever reused across conversations astronomically
// rarely, so the first match is taken.
func (s *Store) MarkStatusByProviderMessageID(providerMessageID string, to model.MessageStatus) error {
	var messageID string
	row := s.db.QueryRow(`SELECT id FROM messages WHERE provider_message_id = ? LIMIT 1`, providerMessageID)
	if err := row.Scan(&messageID); err != nil {
		if err == sql.ErrNoRows {
			return errs.New(errs.KindNotFound, fmt.Sprintf("no message for provider id %q", providerMessageID))
		}
		return errs.Wrap(errs.KindInternal, "lookup message by provider id", err)
	}
	return s.MarkStatus(messageID, to)
}

// Accept assigns a queued conversation to an advisor, the advisor's
// eligibility and concurrency cap having already been checked by
// pkg/queue. Fails with KindConflict if the conversation was claimed by
// someone else first (compare-and-swap on assigned_to).
func (s *Store) Accept(conversationID, advisorID string) error {
	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv.AssignedTo != "" && conv.AssignedTo != model.BotAssignee {
		return errs.New(errs.KindConflict, fmt.Sprintf("conversation %q already assigned to %q", conversationID, conv.AssignedTo))
	}

	now := time.Now().UTC()
	conv.Status = model.StatusAttending
	conv.AssignedTo = advisorID
	conv.AssignedAt = &now
	conv.QueuedAt = nil
	if !contains(conv.AttendedBy, advisorID) {
		conv.AttendedBy = append(conv.AttendedBy, advisorID)
	}
	conv.ActiveAdvisors = []string{advisorID}
	if err := s.saveConversation(conv); err != nil {
		return err
	}
	s.emitChange("conversation", conversationID, "accepted", conv)
	return nil
}

// StartBotFlow records that the flow runtime has taken ownership of a
// conversation: assigned_to = "bot", bot_flow_id and bot_started_at
// set. Called once, when pkg/engine.StartFlow begins a fresh session —
// keeps the store's bot-ownership invariant
// (model.Conversation.ReconciliationViolation) true from the moment a
// flow starts, not just while a session happens to exist.
func (s *Store) StartBotFlow(conversationID, flowID string) error {
	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	conv.AssignedTo = model.BotAssignee
	conv.BotFlowID = flowID
	conv.BotStartedAt = &now
	conv.QueueID = ""
	conv.QueuedAt = nil
	if err := s.saveConversation(conv); err != nil {
		return err
	}
	s.emitChange("conversation", conversationID, "bot_started", conv)
	return nil
}

// Transfer moves a conversation to a different queue, leaving it
// unassigned there: it clears the current assignment and, per spec.md
// §4.5's transfer-node semantics, any bot ownership — the step is the
// handoff point, so no bot fields survive it.
func (s *Store) Transfer(conversationID, fromAdvisorID, toQueueID string) error {
	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	conv.Status = model.StatusActive
	conv.TransferredFrom = fromAdvisorID
	conv.TransferredAt = &now
	conv.AssignedTo = ""
	conv.AssignedAt = nil
	conv.QueueID = toQueueID
	conv.QueuedAt = &now
	conv.ActiveAdvisors = nil
	conv.BotFlowID = ""
	conv.BotStartedAt = nil
	if err := s.saveConversation(conv); err != nil {
		return err
	}
	s.emitChange("conversation", conversationID, "transferred", conv)
	return nil
}

// EndBotFlow clears bot ownership of a conversation whose flow reached
// an end node without transferring or closing — it becomes unassigned
// and unqueued rather than stranded with a dangling bot_flow_id no
// session will ever resume.
func (s *Store) EndBotFlow(conversationID string) error {
	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	conv.AssignedTo = ""
	conv.BotFlowID = ""
	conv.BotStartedAt = nil
	if err := s.saveConversation(conv); err != nil {
		return err
	}
	s.emitChange("conversation", conversationID, "bot_ended", conv)
	return nil
}

// Release returns a conversation to its queue without closing it
// (advisor went offline, or manually released back to the pool).
func (s *Store) Release(conversationID string) error {
	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	conv.Status = model.StatusActive
	conv.AssignedTo = ""
	conv.AssignedAt = nil
	conv.QueuedAt = &now
	conv.ActiveAdvisors = nil
	if err := s.saveConversation(conv); err != nil {
		return err
	}
	s.emitChange("conversation", conversationID, "released", conv)
	return nil
}

// Close marks a conversation archived/closed, terminating any open
// advisor session against it.
func (s *Store) Close(conversationID string) error {
	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return err
	}
	conv.Status = model.StatusClosed
	conv.AssignedTo = ""
	conv.ActiveAdvisors = nil
	conv.BotFlowID = ""
	conv.BotStartedAt = nil
	if err := s.saveConversation(conv); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := s.db.Exec(`UPDATE advisor_sessions SET end_time = ? WHERE conversation_id = ? AND end_time IS NULL`,
		now, conversationID); err != nil {
		return errs.Wrap(errs.KindInternal, "close advisor sessions", err)
	}
	s.emitChange("conversation", conversationID, "closed", conv)
	return nil
}

// ListForAdvisor returns every conversation currently assigned to
// advisorID, most recently updated first.
func (s *Store) ListForAdvisor(advisorID string) ([]*model.Conversation, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations WHERE assigned_to = ? ORDER BY updated_at DESC`, advisorID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list conversations for advisor", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan conversation id", err)
		}
		conv, err := s.GetConversation(id)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// ListBotOwnedConversations returns every conversation currently owned
// by the flow runtime (assigned_to = "bot") — the candidate pool
// pkg/scheduler's bot-timeout pass walks each tick.
func (s *Store) ListBotOwnedConversations() ([]*model.Conversation, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations WHERE assigned_to = ?`, model.BotAssignee)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list bot-owned conversations", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan bot-owned conversation id", err)
		}
		ids = append(ids, id)
	}
	var out []*model.Conversation
	for _, id := range ids {
		conv, err := s.GetConversation(id)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// ListAttending returns every conversation currently assigned to a
// human advisor — the candidate pool pkg/scheduler's queue-timeout pass
// walks each tick.
func (s *Store) ListAttending() ([]*model.Conversation, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations WHERE status = ?`, model.StatusAttending)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list attending conversations", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan attending conversation id", err)
		}
		ids = append(ids, id)
	}
	var out []*model.Conversation
	for _, id := range ids {
		conv, err := s.GetConversation(id)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// HasAdvisorRespondedSince reports whether advisorID has sent an
// outbound message in conversationID at or after since — the signal
// pkg/scheduler's queue-timeout pass uses to decide whether a stalled
// attending conversation should be returned to its queue.
func (s *Store) HasAdvisorRespondedSince(conversationID, advisorID string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND direction = ? AND sent_by = ? AND timestamp >= ?`,
		conversationID, model.DirectionOut, advisorID, since).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, "check advisor response", err)
	}
	return n > 0, nil
}

// ListAllConversations returns every conversation regardless of
// status — the candidate pool pkg/scheduler's invariant-check pass
// walks each tick. Unbounded: fine at the scale this deployment
// targets (a single helpdesk's live conversation set), not meant to
// paginate a multi-tenant archive.
func (s *Store) ListAllConversations() ([]*model.Conversation, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list all conversations", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan conversation id", err)
		}
		ids = append(ids, id)
	}
	var out []*model.Conversation
	for _, id := range ids {
		conv, err := s.GetConversation(id)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
