package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/wadesk/pkg/errs"
	"github.com/sipeed/wadesk/pkg/model"
)

func (s *Store) GetAdvisor(id string) (*model.Advisor, error) {
	var a model.Advisor
	var statusID sql.NullString
	var lastAssignment sql.NullTime
	row := s.db.QueryRow(`SELECT id, username, display_name, role, password_hash, status_id, is_manually_offline, theme, last_assignment_at
		FROM advisors WHERE id = ?`, id)
	if err := row.Scan(&a.ID, &a.Username, &a.DisplayName, &a.Role, &a.PasswordHash, &statusID, &a.IsManuallyOffline, &a.Theme, &lastAssignment); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("advisor %q not found", id))
		}
		return nil, errs.Wrap(errs.KindInternal, "get advisor", err)
	}
	a.StatusID = statusID.String
	if lastAssignment.Valid {
		a.LastAssignmentAt = lastAssignment.Time
	}
	return &a, nil
}

func (s *Store) ListAdvisors() ([]*model.Advisor, error) {
	rows, err := s.db.Query(`SELECT id, username, display_name, role, password_hash, status_id, is_manually_offline, theme, last_assignment_at FROM advisors`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list advisors", err)
	}
	defer rows.Close()

	var out []*model.Advisor
	for rows.Next() {
		var a model.Advisor
		var statusID sql.NullString
		var lastAssignment sql.NullTime
		if err := rows.Scan(&a.ID, &a.Username, &a.DisplayName, &a.Role, &a.PasswordHash, &statusID, &a.IsManuallyOffline, &a.Theme, &lastAssignment); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan advisor", err)
		}
		a.StatusID = statusID.String
		if lastAssignment.Valid {
			a.LastAssignmentAt = lastAssignment.Time
		}
		out = append(out, &a)
	}
	return out, nil
}

// TouchAdvisorAssignment records that advisorID has just received a
// new chat, so the next least_busy tie among equally-loaded advisors
// is broken in favor of whoever has gone longest without one.
func (s *Store) TouchAdvisorAssignment(advisorID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE advisors SET last_assignment_at = ? WHERE id = ?`, at, advisorID)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "touch advisor assignment", err)
	}
	return nil
}

func (s *Store) SetAdvisorStatus(advisorID, statusID string) error {
	_, err := s.db.Exec(`UPDATE advisors SET status_id = ? WHERE id = ?`, statusID, advisorID)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "set advisor status", err)
	}
	s.emitChange("advisor", advisorID, "status_changed", map[string]string{"status_id": statusID})
	return nil
}

// GetAdvisorStatus looks up one of the configured status labels
// (accept/redirect/pause) pkg/queue checks against an advisor's
// status_id when deciding assignment eligibility.
func (s *Store) GetAdvisorStatus(id string) (*model.AdvisorStatus, error) {
	var st model.AdvisorStatus
	var redirectQueue sql.NullString
	row := s.db.QueryRow(`SELECT id, name, color, action, redirect_queue, is_default FROM advisor_statuses WHERE id = ?`, id)
	if err := row.Scan(&st.ID, &st.Name, &st.Color, &st.Action, &redirectQueue, &st.IsDefault); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("advisor status %q not found", id))
		}
		return nil, errs.Wrap(errs.KindInternal, "get advisor status", err)
	}
	st.RedirectQueue = redirectQueue.String
	return &st, nil
}

// ListAdvisorStatuses returns every configured status label.
func (s *Store) ListAdvisorStatuses() ([]*model.AdvisorStatus, error) {
	rows, err := s.db.Query(`SELECT id FROM advisor_statuses`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list advisor statuses", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan advisor status id", err)
		}
		ids = append(ids, id)
	}
	var out []*model.AdvisorStatus
	for _, id := range ids {
		st, err := s.GetAdvisorStatus(id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// OpenAdvisorSession opens (or returns the already-open) session for
// an advisor accepting/attending a conversation — the online-window
// record pkg/queue uses to compute per-advisor concurrency.
func (s *Store) OpenAdvisorSession(advisorID, conversationID string) (*model.AdvisorSession, error) {
	var existing model.AdvisorSession
	row := s.db.QueryRow(`SELECT id, advisor_id, conversation_id, start_time FROM advisor_sessions
		WHERE advisor_id = ? AND conversation_id = ? AND end_time IS NULL`, advisorID, conversationID)
	err := row.Scan(&existing.ID, &existing.AdvisorID, &existing.ConversationID, &existing.StartTime)
	if err == nil {
		return &existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, errs.Wrap(errs.KindInternal, "lookup advisor session", err)
	}

	sess := &model.AdvisorSession{
		ID:             uuid.NewString(),
		AdvisorID:      advisorID,
		ConversationID: conversationID,
		StartTime:      time.Now().UTC(),
	}
	_, err = s.db.Exec(`INSERT INTO advisor_sessions(id, advisor_id, conversation_id, start_time) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.AdvisorID, sess.ConversationID, sess.StartTime)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "insert advisor session", err)
	}
	return sess, nil
}

// CountActiveSessions returns how many conversations advisorID is
// currently attending — the figure pkg/queue compares against
// max_concurrent when applying the least_busy distribution mode.
func (s *Store) CountActiveSessions(advisorID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM advisor_sessions WHERE advisor_id = ? AND end_time IS NULL`, advisorID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "count active sessions", err)
	}
	return n, nil
}
