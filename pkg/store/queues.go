package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/model"
)

func (s *Store) GetQueue(id string) (*model.Queue, error) {
	var q model.Queue
	var assigned, supervisors, slackURL, schedule sql.NullString
	row := s.db.QueryRow(`SELECT id, name, distribution_mode, max_concurrent, assigned_advisors, supervisors,
		status, slack_webhook_url, rr_cursor, schedule_json FROM queues WHERE id = ?`, id)
	if err := row.Scan(&q.ID, &q.Name, &q.DistributionMode, &q.MaxConcurrent, &assigned, &supervisors, &q.Status, &slackURL, &q.RRCursor, &schedule); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("queue %q not found", id))
		}
		return nil, errs.Wrap(errs.KindInternal, "get queue", err)
	}
	q.AssignedAdvisors = unmarshalStrings(assigned.String)
	q.Supervisors = unmarshalStrings(supervisors.String)
	q.SlackWebhookURL = slackURL.String
	if schedule.String != "" {
		_ = json.Unmarshal([]byte(schedule.String), &q.Schedule)
	}
	return &q, nil
}

func (s *Store) ListQueues() ([]*model.Queue, error) {
	rows, err := s.db.Query(`SELECT id FROM queues`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list queues", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan queue id", err)
		}
		ids = append(ids, id)
	}
	var out []*model.Queue
	for _, id := range ids {
		q, err := s.GetQueue(id)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// ListQueued returns every active, unassigned conversation routed to
// queueID, oldest-queued first — the candidate pool pkg/queue
// dispatches from.
func (s *Store) ListQueued(queueID string) ([]*model.Conversation, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations
		WHERE queue_id = ? AND status = ? AND (assigned_to IS NULL OR assigned_to = '')
		ORDER BY queued_at ASC`, queueID, model.StatusActive)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list queued conversations", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan queued conversation id", err)
		}
		conv, err := s.GetConversation(id)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// AdvanceRoundRobinCursor atomically bumps and returns a queue's
// round-robin cursor, used to pick the next eligible advisor in
// DistRoundRobin mode.
func (s *Store) AdvanceRoundRobinCursor(queueID string, advisorCount int) (int, error) {
	if advisorCount == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "begin rr cursor tx", err)
	}
	defer tx.Rollback()

	var cursor int
	if err := tx.QueryRow(`SELECT rr_cursor FROM queues WHERE id = ?`, queueID).Scan(&cursor); err != nil {
		return 0, errs.Wrap(errs.KindInternal, "read rr cursor", err)
	}
	next := (cursor + 1) % advisorCount
	if _, err := tx.Exec(`UPDATE queues SET rr_cursor = ? WHERE id = ?`, next, queueID); err != nil {
		return 0, errs.Wrap(errs.KindInternal, "write rr cursor", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindInternal, "commit rr cursor", err)
	}
	return cursor, nil
}
