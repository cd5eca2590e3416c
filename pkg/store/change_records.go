package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/logger"
)

// ChangeRecord is an append-only fact about a domain mutation, read by
// pkg/realtime to fan out crm:* events without coupling the store to
// the websocket hub directly.
type ChangeRecord struct {
	ID         int64
	EntityType string
	EntityID   string
	Event      string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

func (s *Store) emitChange(entityType, entityID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.WarnCF("store", "failed to marshal change record payload", map[string]interface{}{"error": err.Error()})
		return
	}
	_, err = s.db.Exec(`INSERT INTO change_records(entity_type, entity_id, event, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`, entityType, entityID, event, string(data), time.Now().UTC())
	if err != nil {
		logger.WarnCF("store", "failed to persist change record", map[string]interface{}{"error": err.Error()})
	}
}

// ChangesSince returns change records with id > afterID, in id order,
// for pkg/realtime's poll loop.
func (s *Store) ChangesSince(afterID int64, limit int) ([]ChangeRecord, error) {
	rows, err := s.db.Query(`SELECT id, entity_type, entity_id, event, payload_json, created_at
		FROM change_records WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "query change records", err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var c ChangeRecord
		var payload string
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.Event, &payload, &c.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan change record", err)
		}
		c.Payload = json.RawMessage(payload)
		out = append(out, c)
	}
	return out, nil
}

// LatestChangeID returns the current max change_records id, used to
// seed a realtime subscriber's cursor without replaying history.
func (s *Store) LatestChangeID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM change_records`).Scan(&id); err != nil {
		return 0, errs.Wrap(errs.KindInternal, "latest change id", err)
	}
	return id.Int64, nil
}
