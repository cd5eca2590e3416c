package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
)

// BotSession is the engine's per-conversation execution cursor: which
// flow, which node, and the accumulated variable bag. Collapsing this
// into the same sqlite file as conversations (rather than a parallel
// JSON-file store) removes the split-brain window where the two could
// disagree about which node a conversation is paused at.
type BotSession struct {
	ConversationID string
	FlowID         string
	NodeID         string
	Variables      map[string]string
	StartedAt      time.Time
	UpdatedAt      time.Time
	AwaitingInput  bool
	Interruptible  bool
}

func (s *Store) SaveBotSession(bs *BotSession) error {
	vars, err := json.Marshal(bs.Variables)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal bot session variables", err)
	}
	now := time.Now().UTC()
	if bs.StartedAt.IsZero() {
		bs.StartedAt = now
	}
	bs.UpdatedAt = now
	_, err = s.db.Exec(`INSERT INTO bot_sessions
		(conversation_id, flow_id, node_id, variables_json, started_at, updated_at, awaiting_input, interruptible)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET flow_id = excluded.flow_id, node_id = excluded.node_id,
			variables_json = excluded.variables_json, updated_at = excluded.updated_at,
			awaiting_input = excluded.awaiting_input, interruptible = excluded.interruptible`,
		bs.ConversationID, bs.FlowID, bs.NodeID, string(vars), bs.StartedAt, bs.UpdatedAt, bs.AwaitingInput, bs.Interruptible)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "save bot session", err)
	}
	return nil
}

func (s *Store) GetBotSession(conversationID string) (*BotSession, error) {
	var bs BotSession
	var vars string
	row := s.db.QueryRow(`SELECT conversation_id, flow_id, node_id, variables_json, started_at, updated_at, awaiting_input, interruptible
		FROM bot_sessions WHERE conversation_id = ?`, conversationID)
	if err := row.Scan(&bs.ConversationID, &bs.FlowID, &bs.NodeID, &vars, &bs.StartedAt, &bs.UpdatedAt, &bs.AwaitingInput, &bs.Interruptible); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("no bot session for conversation %q", conversationID))
		}
		return nil, errs.Wrap(errs.KindInternal, "get bot session", err)
	}
	if err := json.Unmarshal([]byte(vars), &bs.Variables); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "unmarshal bot session variables", err)
	}
	return &bs, nil
}

func (s *Store) DeleteBotSession(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM bot_sessions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "delete bot session", err)
	}
	return nil
}

// ListStaleBotSessions returns sessions not updated since before cutoff
// — the candidate set for pkg/scheduler's session-cleanup pass, which
// deletes sessions orphaned by a conversation that moved on (transfer,
// close) without the engine getting to tidy up its own session row.
func (s *Store) ListStaleBotSessions(cutoff time.Time) ([]*BotSession, error) {
	rows, err := s.db.Query(`SELECT conversation_id FROM bot_sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list stale bot sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan stale bot session id", err)
		}
		ids = append(ids, id)
	}
	var out []*BotSession
	for _, id := range ids {
		bs, err := s.GetBotSession(id)
		if err != nil {
			return nil, err
		}
		out = append(out, bs)
	}
	return out, nil
}
