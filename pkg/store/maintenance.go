package store

import (
	"time"

	"github.com/sipeed/wadesk/pkg/errs"
)

// MaintenanceAlert is a persisted finding from pkg/scheduler's
// invariant-check pass — durable so an operator dashboard can surface
// them instead of relying on a log line that scrolled away.
type MaintenanceAlert struct {
	ID             int64
	Kind           string
	ConversationID string
	Detail         string
	CreatedAt      time.Time
	Resolved       bool
}

// RecordMaintenanceAlert persists a finding. Alerts are append-only;
// resolution is implicit (the condition no longer reproducing on the
// next invariant-check pass), so this package does not expose an
// explicit resolve operation.
func (s *Store) RecordMaintenanceAlert(kind, conversationID, detail string) error {
	_, err := s.db.Exec(`INSERT INTO maintenance_alerts (kind, conversation_id, detail, created_at, resolved)
		VALUES (?, ?, ?, ?, 0)`, kind, conversationID, detail, time.Now().UTC())
	if err != nil {
		return errs.Wrap(errs.KindInternal, "record maintenance alert", err)
	}
	return nil
}

// ListOpenMaintenanceAlerts returns unresolved alerts, most recent first.
func (s *Store) ListOpenMaintenanceAlerts() ([]*MaintenanceAlert, error) {
	rows, err := s.db.Query(`SELECT id, kind, conversation_id, detail, created_at, resolved
		FROM maintenance_alerts WHERE resolved = 0 ORDER BY id DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list maintenance alerts", err)
	}
	defer rows.Close()

	var out []*MaintenanceAlert
	for rows.Next() {
		var a MaintenanceAlert
		var conversationID *string
		if err := rows.Scan(&a.ID, &a.Kind, &conversationID, &a.Detail, &a.CreatedAt, &a.Resolved); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan maintenance alert", err)
		}
		if conversationID != nil {
			a.ConversationID = *conversationID
		}
		out = append(out, &a)
	}
	return out, nil
}
